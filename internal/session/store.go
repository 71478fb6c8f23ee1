package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/storage"
	"github.com/rs/zerolog"
)

// Stored field names.
const (
	fieldVerified    = "verified"
	fieldCode        = "code"
	fieldGrantKind   = "grant_kind"
	fieldProductRef  = "product_ref"
	fieldPackageRef  = "package_ref"
	fieldGrant       = "grant"
	fieldResumeLevel = "resume_level"
	fieldGeneration  = "generation"
	fieldPhase       = "phase"
	fieldLevel       = "level"
	fieldAttemptID   = "attempt_id"
)

var grantFields = []string{fieldGrant, fieldGrantKind, fieldProductRef, fieldPackageRef}

// Store persists session state through the session key/value port.
type Store struct {
	kv     storage.SessionStore
	logger zerolog.Logger
}

// NewStore creates a session store over kv.
func NewStore(kv storage.SessionStore, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.With().Str("component", "session-store").Logger(),
	}
}

// Open handles a page load. Whatever was stored before, the returned state
// is unverified with no grant; a remembered code is offered as PendingCode.
// A positive resumeLevel overrides any stored deep link.
func (s *Store) Open(ctx context.Context, id string, resumeLevel int) (State, error) {
	st := New(id)

	data, err := s.kv.Load(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return State{}, fmt.Errorf("failed to load session %s: %w", id, err)
	default:
		st.Generation = parseInt64(data[fieldGeneration])
		st.PendingCode = data[fieldCode]
		st.ResumeLevel = parseLevel(data[fieldResumeLevel])
	}

	if resumeLevel > 0 {
		st.ResumeLevel = resumeLevel
	}

	levels, err := s.kv.CompletedLevels(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("failed to load completed levels for %s: %w", id, err)
	}
	st.CompletedLevels = levels

	st = st.Bump()

	if err := s.kv.Remove(ctx, id, fieldGrant, fieldLevel, fieldAttemptID); err != nil {
		return State{}, fmt.Errorf("failed to drop cached grant for %s: %w", id, err)
	}

	fields := map[string]string{
		fieldVerified:    "0",
		fieldGeneration:  strconv.FormatInt(st.Generation, 10),
		fieldPhase:       string(st.Phase),
		fieldResumeLevel: strconv.Itoa(st.ResumeLevel),
	}
	if st.PendingCode != "" {
		fields[fieldCode] = st.PendingCode
	}
	if err := s.kv.Save(ctx, id, fields); err != nil {
		return State{}, err
	}

	s.logger.Debug().
		Str("session", id).
		Int64("generation", st.Generation).
		Bool("remembered_code", st.PendingCode != "").
		Msg("Session opened unverified")

	return st, nil
}

// Get restores a session as last saved, without the page load reset.
func (s *Store) Get(ctx context.Context, id string) (State, error) {
	data, err := s.kv.Load(ctx, id)
	if err != nil {
		return State{}, err
	}

	levels, err := s.kv.CompletedLevels(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("failed to load completed levels for %s: %w", id, err)
	}

	return decode(id, data, levels)
}

// Save writes the full session state.
func (s *Store) Save(ctx context.Context, st State) error {
	if !st.Verified {
		// Never leave a stale snapshot next to verified=0
		if err := s.kv.Remove(ctx, st.ID, grantFields...); err != nil {
			return fmt.Errorf("failed to clear grant for %s: %w", st.ID, err)
		}
	}

	fields, err := encode(st)
	if err != nil {
		return err
	}

	return s.kv.Save(ctx, st.ID, fields)
}

// Cancel clears verification and the cached grant, returning the new state.
func (s *Store) Cancel(ctx context.Context, st State) (State, error) {
	next := st.Cancel()

	if err := s.kv.Clear(ctx, st.ID); err != nil {
		return State{}, fmt.Errorf("failed to clear session %s: %w", st.ID, err)
	}
	if err := s.Save(ctx, next); err != nil {
		return State{}, err
	}

	s.logger.Info().Str("session", st.ID).Msg("Verification cancelled")
	return next, nil
}

// Replace discards everything stored for the session, completed levels
// included, and writes st in its place.
func (s *Store) Replace(ctx context.Context, st State) error {
	if err := s.kv.Clear(ctx, st.ID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", st.ID, err)
	}
	if err := s.Save(ctx, st); err != nil {
		return err
	}
	for _, level := range st.CompletedLevels {
		if err := s.kv.AddCompletedLevel(ctx, st.ID, level); err != nil {
			return fmt.Errorf("failed to record level %d for %s: %w", level, st.ID, err)
		}
	}
	return nil
}

// MarkCompleted records level as completed for sequential unlock.
func (s *Store) MarkCompleted(ctx context.Context, st State, level int) (State, error) {
	if err := s.kv.AddCompletedLevel(ctx, st.ID, level); err != nil {
		return State{}, fmt.Errorf("failed to record level %d for %s: %w", level, st.ID, err)
	}
	return st.WithCompleted(level), nil
}

func encode(st State) (map[string]string, error) {
	fields := map[string]string{
		fieldVerified:    "0",
		fieldGeneration:  strconv.FormatInt(st.Generation, 10),
		fieldPhase:       string(st.Phase),
		fieldLevel:       strconv.Itoa(st.Level),
		fieldAttemptID:   st.AttemptID,
		fieldResumeLevel: strconv.Itoa(st.ResumeLevel),
	}

	if st.Code != "" {
		fields[fieldCode] = st.Code
	} else if st.PendingCode != "" {
		fields[fieldCode] = st.PendingCode
	}

	if st.Verified && st.Grant != nil {
		raw, err := json.Marshal(st.Grant)
		if err != nil {
			return nil, fmt.Errorf("failed to encode grant: %w", err)
		}
		fields[fieldVerified] = "1"
		fields[fieldGrant] = string(raw)
		fields[fieldGrantKind] = string(st.Grant.Kind)
		fields[fieldProductRef] = st.Grant.ProductRef
		fields[fieldPackageRef] = st.Grant.PackageRef
	}

	return fields, nil
}

func decode(id string, data map[string]string, levels []int) (State, error) {
	st := State{
		ID:              id,
		Generation:      parseInt64(data[fieldGeneration]),
		Code:            data[fieldCode],
		ResumeLevel:     parseLevel(data[fieldResumeLevel]),
		Phase:           Phase(data[fieldPhase]),
		Level:           parseLevel(data[fieldLevel]),
		AttemptID:       data[fieldAttemptID],
		CompletedLevels: levels,
	}
	if st.Phase == "" {
		st.Phase = PhaseLanding
	}

	// A verified flag without a grant snapshot is not trusted
	if data[fieldVerified] == "1" && data[fieldGrant] != "" {
		var g access.Grant
		if err := json.Unmarshal([]byte(data[fieldGrant]), &g); err != nil {
			return State{}, fmt.Errorf("failed to decode grant for %s: %w", id, err)
		}
		st.Verified = true
		st.Grant = &g
		return st, nil
	}

	st.PendingCode = st.Code
	st.Code = ""
	st.Phase = PhaseLanding
	st.Level = 0
	st.AttemptID = ""
	return st, nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseLevel(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > access.MaxLevel {
		return 0
	}
	return n
}
