// Package engine loads pipeline configuration and runs the staged
// workflow: each stage executes its abilities through the dispatcher,
// passes a validation gate, and hands the accumulated state to the next
// stage. The first stage to fail its gate halts the workflow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/avolkov/caseflow/internal/pipeline/dispatch"
	"github.com/avolkov/caseflow/internal/pipeline/runtime"
)

// ErrNoWorkflow is returned by Summary before any run has completed.
var ErrNoWorkflow = errors.New("no workflow has been run")

// reservedKeys are bookkeeping fields the engine owns. Input carrying any
// of them is rejected so a caller cannot spoof workflow progress.
var reservedKeys = []string{
	"workflow_id",
	"start_time",
	"end_time",
	"current_stage",
	"current_stage_name",
	"total_stages",
	"stage_results",
	"workflow_status",
	"total_duration_ms",
}

// Engine drives one configured pipeline. Safe for sequential reuse; a
// second Run replaces the recorded state of the first.
type Engine struct {
	cfg        *PipelineConfig
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	stageOrder []string
	executors  map[string]*StageExecutor

	last *runtime.State
}

// Option customizes an Engine.
type Option func(*Engine)

// WithEngineLogger sets the engine logger, shared with its executors.
func WithEngineLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine from a loaded config. Ability glob patterns are
// expanded against the stage's provider here so a pattern matching
// nothing fails construction, not a run.
func New(cfg *PipelineConfig, d *dispatch.Dispatcher, execOpts []ExecutorOption, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		dispatcher: d,
		logger:     slog.Default(),
		now:        time.Now,
		executors:  make(map[string]*StageExecutor, len(cfg.Stages)),
	}
	for _, opt := range opts {
		opt(e)
	}
	for i := range cfg.Stages {
		st := cfg.Stages[i]
		expanded, err := e.expandAbilities(&st)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", st.Name, err)
		}
		st.Abilities = expanded
		stageOpts := append([]ExecutorOption{WithLogger(e.logger)}, execOpts...)
		e.executors[st.Name] = NewStageExecutor(st, d, stageOpts...)
		e.stageOrder = append(e.stageOrder, st.Name)
	}
	return e, nil
}

// expandAbilities resolves glob patterns against the provider's ability
// catalog. Literal names pass through unresolved so a missing provider or
// ability surfaces as a runtime failure record, not a construction error.
func (e *Engine) expandAbilities(st *StageConfig) ([]string, error) {
	var out []string
	for _, pattern := range st.Abilities {
		if !isGlob(pattern) {
			out = append(out, pattern)
			continue
		}
		available, err := e.dispatcher.Abilities(st.Server)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		var matched []string
		for _, name := range available {
			ok, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("expand %q: %w", pattern, err)
			}
			if ok {
				matched = append(matched, name)
			}
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("pattern %q matched no abilities on provider %q", pattern, st.Server)
		}
		sort.Strings(matched)
		out = append(out, matched...)
	}
	return dedupe(out), nil
}

func isGlob(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Run executes the pipeline over the given input. The returned error is
// non-nil only for inputs the engine refuses to start; execution failures
// are recorded in the returned state under workflow_status, failed_stage
// and error.
func (e *Engine) Run(ctx context.Context, input map[string]any) (*runtime.State, error) {
	for _, k := range reservedKeys {
		if _, ok := input[k]; ok {
			return nil, fmt.Errorf("input key %q is reserved", k)
		}
	}

	st := runtime.FromMap(input)
	workflowID := "cs_" + ulid.Make().String()
	start := e.now()
	st.Set("workflow_id", workflowID)
	st.Set("start_time", start.UTC().Format(time.RFC3339Nano))
	st.Set("current_stage", 0)
	st.Set("total_stages", len(e.stageOrder))
	st.Set("stage_results", map[string]any{})
	st.Set("workflow_status", string(runtime.WorkflowRunning))
	e.last = st

	e.logger.Info("workflow starting",
		"workflow_id", workflowID,
		"workflow", e.cfg.Workflow.Name,
		"stages", len(e.stageOrder))

	results := make(map[string]runtime.StageResult, len(e.stageOrder))
	for i, name := range e.stageOrder {
		if err := ctx.Err(); err != nil {
			e.fail(st, start, name, results, err)
			return st, nil
		}
		st.Set("current_stage", i+1)
		st.Set("current_stage_name", name)

		exec, ok := e.executors[name]
		if !ok {
			e.fail(st, start, name, results, fmt.Errorf("stage %q has no executor", name))
			return st, nil
		}
		stageStart := e.now()
		err := exec.Execute(ctx, st)
		stageEnd := e.now()
		res := runtime.StageResult{
			Status:     runtime.StageCompleted,
			StartTime:  stageStart,
			EndTime:    stageEnd,
			DurationMS: stageEnd.Sub(stageStart).Milliseconds(),
		}
		if err != nil {
			res.Status = runtime.StageFailed
			res.Error = err.Error()
			results[name] = res
			e.fail(st, start, name, results, err)
			return st, nil
		}
		results[name] = res
	}

	e.finalize(st, start, results)
	st.Set("workflow_status", string(runtime.WorkflowCompleted))
	e.logger.Info("workflow completed",
		"workflow_id", workflowID,
		"stages", len(e.stageOrder),
		"duration_ms", st.GetInt("total_duration_ms", 0))
	return st, nil
}

func (e *Engine) fail(st *runtime.State, start time.Time, stage string, results map[string]runtime.StageResult, err error) {
	e.finalize(st, start, results)
	st.Set("workflow_status", string(runtime.WorkflowFailed))
	st.Set("failed_stage", stage)
	st.Set("error", err.Error())
	e.logger.Error("workflow failed",
		"workflow_id", st.GetString("workflow_id", ""),
		"failed_stage", stage,
		"err", err)
}

func (e *Engine) finalize(st *runtime.State, start time.Time, results map[string]runtime.StageResult) {
	end := e.now()
	st.Set("end_time", end.UTC().Format(time.RFC3339Nano))
	st.Set("total_duration_ms", end.Sub(start).Milliseconds())
	st.Set("stage_results", stageResultsMap(results))
}

// stageResultsMap renders results as plain maps so the state stays a
// uniform JSON-style document.
func stageResultsMap(results map[string]runtime.StageResult) map[string]any {
	out := make(map[string]any, len(results))
	for name, r := range results {
		out[name] = map[string]any{
			"status":      string(r.Status),
			"start_time":  r.StartTime.UTC().Format(time.RFC3339Nano),
			"end_time":    r.EndTime.UTC().Format(time.RFC3339Nano),
			"duration_ms": r.DurationMS,
			"error":       r.Error,
		}
	}
	return out
}

// Summary condenses the most recent run.
type Summary struct {
	WorkflowID      string  `json:"workflow_id"`
	Workflow        string  `json:"workflow"`
	Status          string  `json:"status"`
	CustomerID      string  `json:"customer_id,omitempty"`
	TicketID        string  `json:"ticket_id,omitempty"`
	TotalStages     int     `json:"total_stages"`
	StagesCompleted int     `json:"stages_completed"`
	DurationMS      int64   `json:"duration_ms"`
	FailedStage     string  `json:"failed_stage,omitempty"`
	Error           string  `json:"error,omitempty"`
	AvgQuality      float64 `json:"avg_quality"`
}

// Summary reports on the last Run. ErrNoWorkflow before any run.
func (e *Engine) Summary() (*Summary, error) {
	if e.last == nil {
		return nil, ErrNoWorkflow
	}
	st := e.last
	s := &Summary{
		WorkflowID:  st.GetString("workflow_id", ""),
		Workflow:    e.cfg.Workflow.Name,
		Status:      st.GetString("workflow_status", ""),
		CustomerID:  st.GetString("customer_id", ""),
		TicketID:    st.GetString("ticket_id", ""),
		TotalStages: st.GetInt("total_stages", 0),
		DurationMS:  int64(st.GetInt("total_duration_ms", 0)),
		FailedStage: st.GetString("failed_stage", ""),
		Error:       st.GetString("error", ""),
	}
	if v, ok := st.Get("stage_results"); ok {
		if m, isMap := v.(map[string]any); isMap {
			for _, raw := range m {
				if entry, isEntry := raw.(map[string]any); isEntry {
					if entry["status"] == string(runtime.StageCompleted) {
						s.StagesCompleted++
					}
				}
			}
		}
	}
	var sum float64
	var n int
	for _, name := range e.stageOrder {
		m := e.executors[name].PerformanceSummary()
		if q := m.AvgQuality(); m.TotalExecutions > 0 {
			sum += q
			n++
		}
	}
	if n > 0 {
		s.AvgQuality = sum / float64(n)
	}
	return s, nil
}
