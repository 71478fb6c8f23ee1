package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Progress() ProgressStore
}

// SessionStore is the session-scoped key/value port. Keys expire with the
// browser session; every write refreshes the lifetime.
type SessionStore interface {
	Load(ctx context.Context, id string) (map[string]string, error)
	Save(ctx context.Context, id string, fields map[string]string) error
	Remove(ctx context.Context, id string, fields ...string) error
	Clear(ctx context.Context, id string) error
	AddCompletedLevel(ctx context.Context, id string, level int) error
	CompletedLevels(ctx context.Context, id string) ([]int, error)
}

// ProgressStore keeps idempotency markers for level reports and seat
// consumption requests.
type ProgressStore interface {
	// BeginReport claims a report for sending. It returns false when the
	// attempt was already reported or another send is in flight.
	BeginReport(ctx context.Context, rec ReportRecord) (bool, error)
	FinishReport(ctx context.Context, sessionID, attemptID, outcome string, at time.Time) error
	FailReport(ctx context.Context, sessionID, attemptID string, at time.Time) error
	GetReport(ctx context.Context, sessionID, attemptID string) (*ReportRecord, error)
	ListPendingReports(ctx context.Context, sessionID string) ([]ReportRecord, error)

	// ClaimSeat marks a play attempt as having requested seat consumption.
	// It returns false if the attempt already claimed one.
	ClaimSeat(ctx context.Context, sessionID, attemptID string) (bool, error)
	ReleaseSeat(ctx context.Context, sessionID, attemptID string) error
}
