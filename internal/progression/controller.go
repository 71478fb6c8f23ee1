package progression

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/client"
	"github.com/goodtune/playgate/internal/content"
	"github.com/goodtune/playgate/internal/policy"
	"github.com/goodtune/playgate/internal/quiz"
	"github.com/goodtune/playgate/internal/session"
	"github.com/rs/zerolog"
)

var (
	ErrNotVerified       = errors.New("progression: session is not verified")
	ErrInvalidTransition = errors.New("progression: invalid transition")
)

// Unlocker decides which levels a session may select.
type Unlocker interface {
	Levels(ctx context.Context, facts policy.Facts) []policy.LevelOption
}

// Controller moves a session through Landing, LevelSelect, Loading,
// Playing and Summary.
type Controller struct {
	unlock  Unlocker
	content content.Source
	clock   access.Clock
	logger  zerolog.Logger
}

// NewController creates a level progression controller.
func NewController(unlock Unlocker, src content.Source, logger zerolog.Logger) *Controller {
	return &Controller{
		unlock:  unlock,
		content: src,
		clock:   access.RealClock{},
		logger:  logger.With().Str("component", "progression").Logger(),
	}
}

// SetClock sets the clock used for play gating (for testing)
func (c *Controller) SetClock(clock access.Clock) {
	c.clock = clock
}

// Enter leaves Landing for LevelSelect. The grant must still permit play.
func (c *Controller) Enter(st session.State) (session.State, error) {
	if !st.Verified || st.Grant == nil {
		return st, ErrNotVerified
	}
	if err := access.Gate(*st.Grant, c.clock.Now()); err != nil {
		return st, err
	}
	return st.ToLevelSelect(), nil
}

// Levels returns every level with whether it may be selected now.
func (c *Controller) Levels(ctx context.Context, st session.State) ([]policy.LevelOption, error) {
	if !st.Verified || st.Grant == nil {
		return nil, ErrNotVerified
	}

	available, err := c.content.AvailableLevels(ctx, st.Grant.ContentRef())
	if err != nil {
		return nil, asTransient(err)
	}

	return c.unlock.Levels(ctx, policy.Facts{
		Class:     st.Class(),
		Completed: st.CompletedLevels,
		Available: available,
	}), nil
}

// Select loads level and starts playing it. On any failure the returned
// state is back at LevelSelect; it is never left in Loading.
func (c *Controller) Select(ctx context.Context, st session.State, level int) (session.State, []quiz.Question, error) {
	if !st.Verified || st.Grant == nil {
		return st, nil, ErrNotVerified
	}

	switch st.Phase {
	case session.PhaseLevelSelect, session.PhaseSummary:
	default:
		return st, nil, fmt.Errorf("%w: cannot select a level from %s", ErrInvalidTransition, st.Phase)
	}

	selecting := st.ToLevelSelect()

	options, err := c.Levels(ctx, selecting)
	if err != nil {
		return selecting, nil, err
	}

	opt, ok := policy.Find(options, level)
	switch {
	case !ok || !opt.Visible:
		return selecting, nil, access.NewLevelLocked(level, "not offered")
	case opt.Reason == policy.ReasonUnavailable:
		return selecting, nil, access.NewContentUnavailable(level)
	case !opt.Selectable:
		return selecting, nil, access.NewLevelLocked(level, previousLevelHint(level))
	}

	// Re-check seats and expiry right before the game starts
	if err := access.Gate(*st.Grant, c.clock.Now()); err != nil {
		return selecting, nil, err
	}

	loading := selecting.Loading(level)

	var demo *client.Demo
	if class := st.Class(); class.Sequential() {
		demo = &client.Demo{Audience: string(class.Audience), GrantID: st.Grant.GrantID}
	}

	questions, err := c.content.Questions(ctx, level, st.Grant.ContentRef(), demo)
	if err != nil {
		c.logger.Warn().Err(err).Int("level", level).Msg("Failed to load level content")
		return selecting, nil, asTransient(err)
	}
	if len(questions) == 0 {
		c.logger.Info().Int("level", level).Msg("Level has no playable questions")
		return selecting, nil, access.NewContentUnavailable(level)
	}

	c.logger.Debug().
		Int("level", level).
		Int("questions", len(questions)).
		Str("attempt_id", loading.AttemptID).
		Msg("Level loaded")

	return loading.WithPhase(session.PhasePlaying), questions, nil
}

// Complete finishes the level in play. The level does not unlock the next
// one until the progress service has its report.
func (c *Controller) Complete(st session.State) (session.State, error) {
	if st.Phase != session.PhasePlaying {
		return st, fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, st.Phase)
	}
	return st.WithPhase(session.PhaseSummary), nil
}

// Back returns to level selection from Playing or Summary.
func (c *Controller) Back(st session.State) (session.State, error) {
	switch st.Phase {
	case session.PhasePlaying, session.PhaseSummary, session.PhaseLoading, session.PhaseLevelSelect:
		return st.ToLevelSelect(), nil
	}
	return st, fmt.Errorf("%w: cannot go back from %s", ErrInvalidTransition, st.Phase)
}

func previousLevelHint(level int) string {
	if level <= 1 {
		return ""
	}
	return fmt.Sprintf("complete level %d first", level-1)
}

func asTransient(err error) error {
	var ae *access.Error
	if errors.As(err, &ae) {
		return err
	}
	return access.NewTransient(err)
}
