package policy

import (
	"context"
	"fmt"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/policy/opa"
	"github.com/rs/zerolog"
)

// Engine decides level unlocks by gathering facts and calling OPA
type Engine struct {
	opaEngine *opa.Engine
	logger    zerolog.Logger
}

// NewEngine creates a new fact-based policy engine
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	opaEngine, err := opa.NewEngine(policyDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	return &Engine{
		opaEngine: opaEngine,
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Levels returns every level with its visibility and selectability.
// Evaluation errors fail closed: nothing is selectable.
func (e *Engine) Levels(ctx context.Context, facts Facts) []LevelOption {
	decisions, err := e.opaEngine.EvaluateLevels(ctx, buildFacts(facts))
	if err != nil {
		e.logger.Error().Err(err).Msg("OPA levels evaluation failed, locking all levels")
		return lockedOptions(facts.Class)
	}

	options := make([]LevelOption, 0, len(decisions))
	for _, d := range decisions {
		opt := LevelOption{
			Level:      d.Level,
			Visible:    d.Visible,
			Selectable: d.Selectable && d.Visible,
			Reason:     d.Reason,
		}
		if opt.Selectable {
			opt.Reason = ""
		}
		options = append(options, opt)
	}

	return options
}

// Visible filters options down to the ones shown to the player.
func Visible(options []LevelOption) []LevelOption {
	out := make([]LevelOption, 0, len(options))
	for _, opt := range options {
		if opt.Visible {
			out = append(out, opt)
		}
	}
	return out
}

// Find returns the option for level.
func Find(options []LevelOption, level int) (LevelOption, bool) {
	for _, opt := range options {
		if opt.Level == level {
			return opt, true
		}
	}
	return LevelOption{}, false
}

// Reload reloads the OPA policies
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}

// HealthCheck verifies the active policy evaluates
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.opaEngine.HealthCheck(ctx)
}

// Source describes where policies were loaded from
func (e *Engine) Source() string {
	return e.opaEngine.Source()
}

// buildFacts gathers facts for level evaluation
func buildFacts(f Facts) map[string]interface{} {
	completed := f.Completed
	if completed == nil {
		completed = []int{}
	}
	available := f.Available
	if available == nil {
		available = []int{}
	}

	return map[string]interface{}{
		"flow":      string(f.Class.Flow),
		"audience":  string(f.Class.Audience),
		"completed": completed,
		"available": available,
		"max_level": access.MaxLevel,
	}
}

func lockedOptions(class access.AudienceClass) []LevelOption {
	options := make([]LevelOption, 0, access.MaxLevel)
	for level := 1; level <= access.MaxLevel; level++ {
		options = append(options, LevelOption{
			Level:   level,
			Visible: level <= class.VisibleLevels(),
			Reason:  ReasonLocked,
		})
	}
	return options
}
