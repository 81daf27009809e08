// Package gate decides which page routes an unauthenticated visitor may
// reach, using a rego policy.
package gate

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Query is the rule every gate policy must define
const Query = "data.greengpt.gate.decision"

//go:embed policy/gate.rego
var defaultPolicy string

// Input is the document the policy is evaluated against
type Input struct {
	Path          string `json:"path"`
	Method        string `json:"method"`
	Authenticated bool   `json:"authenticated"`
}

// Decision is the policy result
type Decision struct {
	Allow    bool   `json:"allow"`
	Exempt   bool   `json:"exempt"`
	Redirect string `json:"redirect"`
}

// Engine evaluates the gate policy
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine loads the policies in policyDir, or the built-in policy when
// policyDir is empty.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "gate").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	return e, nil
}

// Reload reloads and recompiles the policies
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load gate policies: %w", err)
	}

	query, err := prepare(modules)
	if err != nil {
		return fmt.Errorf("failed to prepare gate query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Str("policy_dir", e.policyDir).Msg("Gate policy loaded")
	return nil
}

// loadPolicies parses every .rego file in the policy directory
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	modules := make(map[string]*ast.Module)

	if e.policyDir == "" {
		module, err := ast.ParseModule("gate.rego", defaultPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse built-in policy: %w", err)
		}
		modules["gate.rego"] = module
		return modules, nil
	}

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

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

func prepare(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, name := range names {
		opts = append(opts, rego.ParsedModule(modules[name]))
	}

	return rego.New(opts...).PrepareForEval(context.Background())
}

// Evaluate runs the policy for in
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("gate query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(start)).Str("path", in.Path).Msg("Gate query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no results from gate query")
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gate decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gate decision: %w", err)
	}

	return &decision, nil
}
