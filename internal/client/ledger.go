package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goodtune/playgate/internal/access"
	"github.com/rs/zerolog"
)

// Ledger outcomes.
const (
	StatusAccepted        = "accepted"
	StatusSkipped         = "skipped"
	StatusAlreadyConsumed = "already_consumed"
)

// LedgerResult is the ledger's answer to a progress or seat request.
type LedgerResult struct {
	Status string        `json:"status"`
	Grant  *access.Grant `json:"grant,omitempty"`
}

// SeatRequest identifies the play a seat is consumed for.
type SeatRequest struct {
	GrantID   string `json:"grant_id"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	AttemptID string `json:"attempt_id"`
	Level     int    `json:"level"`
}

// Ledger records level progress and seat consumption.
type Ledger struct {
	base
}

// NewLedger creates a progress/seat ledger client.
func NewLedger(cfg Config, logger zerolog.Logger) (*Ledger, error) {
	b, err := newBase("ledger", cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Ledger{base: b}, nil
}

// PostProgress sends a serialized level progress payload.
func (l *Ledger) PostProgress(ctx context.Context, payload []byte) (*LedgerResult, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("progress payload is not valid JSON")
	}

	var res LedgerResult
	status, err := l.do(ctx, "progress", http.MethodPost, "/progress", nil, payload, &res)
	if err != nil {
		return nil, err
	}

	// A conflict means the ledger already holds this attempt
	if status == http.StatusConflict && res.Status == "" {
		res.Status = StatusSkipped
	}
	if res.Status == "" {
		res.Status = StatusAccepted
	}

	return &res, nil
}

// ConsumeSeat asks the ledger to consume one seat of code. A 409 means the
// seat was already consumed for this play.
func (l *Ledger) ConsumeSeat(ctx context.Context, code string, req SeatRequest) (*LedgerResult, error) {
	var res LedgerResult
	status, err := l.do(ctx, "consume_seat", http.MethodPost, "/seats/"+url.PathEscape(code)+"/consume", nil, req, &res)
	if err != nil {
		return nil, err
	}

	if status == http.StatusConflict {
		res.Status = StatusAlreadyConsumed
	}
	if res.Status == "" {
		res.Status = StatusAccepted
	}

	return &res, nil
}
