package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

//go:embed policies/*.rego
var defaultPolicies embed.FS

const levelsQuery = "data.playgate.levels.options"

// Engine wraps OPA rego engine for level unlock evaluation
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine creates a new OPA engine. An empty policyDir uses the built-in
// policies.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("source", e.Source()).Msg("OPA engine initialized")

	return e, nil
}

// Source describes where policies were loaded from
func (e *Engine) Source() string {
	if e.policyDir == "" {
		return "embedded"
	}
	return e.policyDir
}

func (e *Engine) load() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepare(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	return nil
}

// loadPolicies parses every .rego file from the policy directory
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	sources := make(map[string]string)

	if e.policyDir == "" {
		entries, err := defaultPolicies.ReadDir("policies")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded policies: %w", err)
		}
		for _, entry := range entries {
			name := "policies/" + entry.Name()
			content, err := defaultPolicies.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("failed to read embedded policy %s: %w", name, err)
			}
			sources[name] = string(content)
		}
	} else {
		files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("failed to glob policy files: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
		}
		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
			}
			sources[file] = string(content)
		}
	}

	e.logger.Info().Int("count", len(sources)).Msg("Loading policy files")

	modules := make(map[string]*ast.Module, len(sources))
	for name, content := range sources {
		module, err := ast.ParseModule(name, content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		modules[name] = module
		e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

func prepare(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(levelsQuery)}
	for _, name := range names {
		opts = append(opts, rego.ParsedModule(modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare levels query: %w", err)
	}

	return query, nil
}

// LevelDecision is one level as decided by the policy
type LevelDecision struct {
	Level      int    `json:"level"`
	Visible    bool   `json:"visible"`
	Selectable bool   `json:"selectable"`
	Reason     string `json:"reason"`
}

// EvaluateLevels evaluates the unlock policy for one session
func (e *Engine) EvaluateLevels(ctx context.Context, input map[string]interface{}) ([]LevelDecision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("levels query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Levels query evaluated")

	if len(results) == 0 {
		return nil, fmt.Errorf("no results from levels query")
	}
	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in levels query result")
	}

	// Convert result via JSON
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal level decisions: %w", err)
	}

	var decisions []LevelDecision
	if err := json.Unmarshal(resultBytes, &decisions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal level decisions: %w", err)
	}

	return decisions, nil
}

// Reload reloads all policies. On failure the previous policies stay active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")

	return nil
}

// HealthCheck evaluates the active policy against a minimal input
func (e *Engine) HealthCheck(ctx context.Context) error {
	decisions, err := e.EvaluateLevels(ctx, map[string]interface{}{
		"flow":      "unrestricted",
		"audience":  "",
		"completed": []int{},
		"available": []int{1},
		"max_level": 1,
	})
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return fmt.Errorf("policy query returned no levels")
	}
	return nil
}
