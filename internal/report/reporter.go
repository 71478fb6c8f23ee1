package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/client"
	"github.com/goodtune/playgate/internal/metrics"
	"github.com/goodtune/playgate/internal/scoring"
	"github.com/goodtune/playgate/internal/session"
	"github.com/goodtune/playgate/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Ledger is the external progress and seat service.
type Ledger interface {
	PostProgress(ctx context.Context, payload []byte) (*client.LedgerResult, error)
	ConsumeSeat(ctx context.Context, code string, req client.SeatRequest) (*client.LedgerResult, error)
}

// Status is the outcome of a report or seat request.
type Status string

const (
	StatusAccepted        Status = "accepted"
	StatusSkipped         Status = "skipped"
	StatusDuplicate       Status = "duplicate" // already delivered or in flight
	StatusPending         Status = "pending"   // parked for a later retry
	StatusAlreadyConsumed Status = "already_consumed"
	StatusNotRequired     Status = "not_required"
)

// Result is what a report or seat request produced.
type Result struct {
	Status Status        `json:"status"`
	Grant  *access.Grant `json:"grant,omitempty"`
}

// Payload is the body sent to the ledger for one completed level.
type Payload struct {
	SessionID   string                `json:"session_id"`
	AttemptID   string                `json:"attempt_id"`
	GrantID     string                `json:"grant_id"`
	Kind        access.Kind           `json:"kind"`
	Code        string                `json:"code"`
	Audience    access.Audience       `json:"audience,omitempty"`
	Level       int                   `json:"level"`
	Progress    scoring.LevelProgress `json:"progress"`
	CompletedAt time.Time             `json:"completed_at"`
}

// Delivery is a parked report that reached the ledger on retry.
type Delivery struct {
	AttemptID string
	Level     int
	Code      string
	Result    Result
}

// Delivered reports whether the ledger accepted or skipped the report.
func (s Status) Delivered() bool {
	return s == StatusAccepted || s == StatusSkipped
}

// Options tunes delivery retries.
type Options struct {
	Retries         int
	MaxWait         time.Duration
	InitialInterval time.Duration
}

// Reporter delivers level progress to the ledger at most once per attempt.
// It never requests seat consumption.
type Reporter struct {
	ledger Ledger
	store  storage.ProgressStore
	opts   Options
	group  singleflight.Group
	clock  access.Clock
	logger zerolog.Logger
}

// NewReporter creates a progress reporter.
func NewReporter(ledger Ledger, store storage.ProgressStore, opts Options, logger zerolog.Logger) *Reporter {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 250 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	return &Reporter{
		ledger: ledger,
		store:  store,
		opts:   opts,
		clock:  access.RealClock{},
		logger: logger.With().Str("component", "reporter").Logger(),
	}
}

// SetClock sets the clock used for timestamps (for testing)
func (r *Reporter) SetClock(clock access.Clock) {
	r.clock = clock
}

// Report sends progress for the session's current attempt. Calling it again
// for the same attempt is harmless. Delivery failures are parked and
// reported as StatusPending; only storage failures return an error.
func (r *Reporter) Report(ctx context.Context, st session.State, progress scoring.LevelProgress) (Result, error) {
	if st.Grant == nil {
		return Result{}, fmt.Errorf("report: session %s has no grant", st.ID)
	}

	payload := Payload{
		SessionID:   st.ID,
		AttemptID:   progress.AttemptID,
		GrantID:     st.Grant.GrantID,
		Kind:        st.Grant.Kind,
		Code:        st.Grant.Code,
		Audience:    st.Grant.Audience,
		Level:       progress.Level,
		Progress:    progress,
		CompletedAt: r.clock.Now().UTC(),
	}
	if payload.AttemptID == "" {
		payload.AttemptID = st.AttemptID
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode progress: %w", err)
	}

	rec := storage.ReportRecord{
		SessionID: payload.SessionID,
		AttemptID: payload.AttemptID,
		Level:     payload.Level,
		Payload:   raw,
	}

	return r.deliverOnce(ctx, rec, true)
}

// RetryPending re-sends every parked report of a session and returns the
// ones the ledger took. On error the deliveries made so far are returned
// with it.
func (r *Reporter) RetryPending(ctx context.Context, sessionID string) ([]Delivery, error) {
	pending, err := r.store.ListPendingReports(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reports: %w", err)
	}

	var delivered []Delivery
	for _, rec := range pending {
		res, err := r.deliverOnce(ctx, rec, false)
		if err != nil {
			return delivered, err
		}
		if !res.Status.Delivered() {
			continue
		}

		d := Delivery{AttemptID: rec.AttemptID, Level: rec.Level, Result: res}
		var payload Payload
		if err := json.Unmarshal(rec.Payload, &payload); err == nil {
			d.Code = payload.Code
		}
		delivered = append(delivered, d)
	}

	if len(pending) > 0 {
		r.logger.Info().
			Str("session", sessionID).
			Int("pending", len(pending)).
			Int("delivered", len(delivered)).
			Msg("Retried pending reports")
	}

	return delivered, nil
}

// Delivered reports whether the ledger has taken the attempt's report.
// It resolves a StatusDuplicate outcome, which may also mean in flight.
func (r *Reporter) Delivered(ctx context.Context, sessionID, attemptID string) (bool, error) {
	rec, err := r.store.GetReport(ctx, sessionID, attemptID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load report: %w", err)
	}
	return rec.Status == storage.ReportReported, nil
}

// deliverOnce collapses concurrent sends of the same attempt.
func (r *Reporter) deliverOnce(ctx context.Context, rec storage.ReportRecord, retry bool) (Result, error) {
	key := rec.SessionID + ":" + strconv.Itoa(rec.Level) + ":" + rec.AttemptID

	sent := false
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		sent = true
		return r.deliver(ctx, rec, retry)
	})
	if err != nil {
		return Result{}, err
	}

	res := v.(Result)
	if !sent {
		// Another caller performed the send
		return Result{Status: StatusDuplicate, Grant: res.Grant}, nil
	}
	return res, nil
}

func (r *Reporter) deliver(ctx context.Context, rec storage.ReportRecord, retry bool) (Result, error) {
	rec.UpdatedAt = r.clock.Now()

	claimed, err := r.store.BeginReport(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("failed to claim report: %w", err)
	}
	if !claimed {
		r.logger.Debug().Str("attempt_id", rec.AttemptID).Msg("Report already delivered or in flight")
		metrics.ProgressReports.WithLabelValues(string(StatusDuplicate)).Inc()
		return Result{Status: StatusDuplicate}, nil
	}

	res, err := r.send(ctx, rec.Payload, retry)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("session", rec.SessionID).
			Str("attempt_id", rec.AttemptID).
			Int("level", rec.Level).
			Msg("Progress report failed, parked for retry")
		metrics.ProgressReports.WithLabelValues(string(StatusPending)).Inc()

		// Use a fresh context so a cancelled request still parks the report
		parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := r.store.FailReport(parkCtx, rec.SessionID, rec.AttemptID, r.clock.Now()); ferr != nil {
			return Result{}, fmt.Errorf("failed to park report: %w", ferr)
		}
		return Result{Status: StatusPending}, nil
	}

	status := Status(res.Status)
	if status != StatusSkipped {
		status = StatusAccepted
	}

	if err := r.store.FinishReport(ctx, rec.SessionID, rec.AttemptID, string(status), r.clock.Now()); err != nil {
		return Result{}, fmt.Errorf("failed to mark report delivered: %w", err)
	}

	metrics.ProgressReports.WithLabelValues(string(status)).Inc()
	r.logger.Info().
		Str("session", rec.SessionID).
		Str("attempt_id", rec.AttemptID).
		Int("level", rec.Level).
		Str("status", string(status)).
		Msg("Progress reported")

	return Result{Status: status, Grant: res.Grant}, nil
}

// send posts the payload, retrying transient failures with exponential
// backoff when retry is set.
func (r *Reporter) send(ctx context.Context, payload []byte, retry bool) (*client.LedgerResult, error) {
	var res *client.LedgerResult

	op := func() error {
		var err error
		res, err = r.ledger.PostProgress(ctx, payload)
		if err == nil {
			return nil
		}
		var ae *access.Error
		if errors.As(err, &ae) && ae.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}

	retries := uint64(r.opts.Retries)
	if !retry {
		retries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.opts.InitialInterval
	exp.MaxElapsedTime = r.opts.MaxWait

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)); err != nil {
		return nil, err
	}

	return res, nil
}
