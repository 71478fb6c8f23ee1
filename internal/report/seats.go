package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/client"
	"github.com/goodtune/playgate/internal/metrics"
	"github.com/goodtune/playgate/internal/session"
	"github.com/goodtune/playgate/internal/storage"
	"github.com/rs/zerolog"
)

// ErrNoGrant is returned when a seat is requested for an unverified session.
var ErrNoGrant = errors.New("report: session has no grant")

// SeatNotifier signals actual game starts to the ledger, at most once per
// play attempt.
type SeatNotifier struct {
	ledger Ledger
	store  storage.ProgressStore
	clock  access.Clock
	logger zerolog.Logger
}

// NewSeatNotifier creates a seat consumption notifier.
func NewSeatNotifier(ledger Ledger, store storage.ProgressStore, logger zerolog.Logger) *SeatNotifier {
	return &SeatNotifier{
		ledger: ledger,
		store:  store,
		clock:  access.RealClock{},
		logger: logger.With().Str("component", "seats").Logger(),
	}
}

// SetClock sets the clock used for play gating (for testing)
func (n *SeatNotifier) SetClock(clock access.Clock) {
	n.clock = clock
}

// LevelStarted is called when a scored level actually begins. Unrestricted
// grants consume a seat for every level start.
func (n *SeatNotifier) LevelStarted(ctx context.Context, st session.State) (Result, error) {
	if st.Grant == nil {
		return Result{}, ErrNoGrant
	}
	if st.Class().Sequential() {
		return Result{Status: StatusNotRequired}, nil
	}

	if err := access.Gate(*st.Grant, n.clock.Now()); err != nil {
		return Result{}, err
	}

	return n.consume(ctx, st)
}

// LevelCompleted is called when a level finishes. Sequential grants consume
// their seat once the final level for the audience is complete along with
// every level before it.
func (n *SeatNotifier) LevelCompleted(ctx context.Context, st session.State, level int) (Result, error) {
	if st.Grant == nil {
		return Result{}, ErrNoGrant
	}

	class := st.Class()
	if !class.Sequential() || level != class.FinalLevel() {
		return Result{Status: StatusNotRequired}, nil
	}

	for l := 1; l <= level; l++ {
		if !st.HasCompleted(l) {
			n.logger.Warn().
				Str("session", st.ID).
				Int("final_level", level).
				Int("missing", l).
				Msg("Final level finished without its prerequisites, not consuming a seat")
			return Result{Status: StatusNotRequired}, nil
		}
	}

	return n.consume(ctx, st)
}

func (n *SeatNotifier) consume(ctx context.Context, st session.State) (Result, error) {
	claimed, err := n.store.ClaimSeat(ctx, st.ID, st.AttemptID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to claim seat: %w", err)
	}
	if !claimed {
		metrics.SeatConsumptions.WithLabelValues(string(StatusDuplicate)).Inc()
		return Result{Status: StatusDuplicate}, nil
	}

	res, err := n.ledger.ConsumeSeat(ctx, st.Grant.Code, client.SeatRequest{
		GrantID:   st.Grant.GrantID,
		Kind:      string(st.Grant.Kind),
		SessionID: st.ID,
		AttemptID: st.AttemptID,
		Level:     st.Level,
	})
	if err != nil {
		// Allow the same attempt to try again
		if rerr := n.store.ReleaseSeat(context.WithoutCancel(ctx), st.ID, st.AttemptID); rerr != nil {
			n.logger.Error().Err(rerr).Str("attempt_id", st.AttemptID).Msg("Failed to release seat claim")
		}
		metrics.SeatConsumptions.WithLabelValues("error").Inc()
		return Result{}, err
	}

	status := StatusAccepted
	if res.Status == client.StatusAlreadyConsumed {
		status = StatusAlreadyConsumed
	}

	metrics.SeatConsumptions.WithLabelValues(string(status)).Inc()
	n.logger.Info().
		Str("session", st.ID).
		Str("attempt_id", st.AttemptID).
		Int("level", st.Level).
		Str("status", string(status)).
		Msg("Seat consumption signalled")

	return Result{Status: status, Grant: res.Grant}, nil
}
