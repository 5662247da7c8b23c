package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/avolkov/caseflow/internal/pipeline/cond"
	"github.com/avolkov/caseflow/internal/pipeline/dispatch"
	"github.com/avolkov/caseflow/internal/pipeline/runtime"
)

// backoffStep is the base delay between retry attempts. Attempt n waits
// n*backoffStep before the next try.
const backoffStep = 500 * time.Millisecond

// volatileKeys are bookkeeping fields excluded from state fingerprints so
// two runs over the same case data hash identically.
var volatileKeys = []string{
	"workflow_id",
	"start_time",
	"end_time",
	"current_stage",
	"current_stage_name",
	"total_stages",
	"stage_results",
	"workflow_status",
	"total_duration_ms",
	"_execution_context",
	"_node_metadata",
	"_validation_errors",
}

// ValidationError reports a stage that executed but failed its quality or
// validation gate. The workflow halts when a stage returns one.
type ValidationError struct {
	Stage string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %q failed validation: %v", e.Stage, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Metrics accumulates per-executor execution statistics.
type Metrics struct {
	TotalExecutions      int                `json:"total_executions"`
	SuccessfulExecutions int                `json:"successful_executions"`
	AvgDurationMS        float64            `json:"avg_duration_ms"`
	CurrentStatus        runtime.StageState `json:"current_status"`

	qualityScores []float64
}

// historyLimit bounds the per-executor execution history.
const historyLimit = 100

// ExecutionRecord is one entry of an executor's execution history.
type ExecutionRecord struct {
	Stage     string             `json:"stage"`
	Mode      Mode               `json:"mode"`
	Status    runtime.StageState `json:"status"`
	StartedAt time.Time          `json:"started_at"`
	Abilities []string           `json:"abilities"`
	Quality   float64            `json:"quality"`
}

// SuccessRate returns successful over total executions, 0 when idle.
func (m *Metrics) SuccessRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
}

// AvgQuality returns the mean of the retained quality scores.
func (m *Metrics) AvgQuality() float64 {
	if len(m.qualityScores) == 0 {
		return 0
	}
	var sum float64
	for _, q := range m.qualityScores {
		sum += q
	}
	return sum / float64(len(m.qualityScores))
}

func (m *Metrics) record(quality float64, elapsed time.Duration, success bool) {
	m.TotalExecutions++
	if success {
		m.SuccessfulExecutions++
	}
	// Running average keeps the struct cheap to snapshot.
	ms := float64(elapsed.Milliseconds())
	m.AvgDurationMS += (ms - m.AvgDurationMS) / float64(m.TotalExecutions)
	m.qualityScores = append(m.qualityScores, quality)
	if len(m.qualityScores) > 100 {
		m.qualityScores = m.qualityScores[len(m.qualityScores)-100:]
	}
}

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StageExecutor runs one configured stage against a dispatcher, mutating
// the workflow state in place.
type StageExecutor struct {
	cfg        StageConfig
	mode       Mode
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	rng        *rand.Rand
	sleep      SleepFunc
	checks     []func(*runtime.State) bool

	status  runtime.StageState
	metrics Metrics
	history []ExecutionRecord
}

// ExecutorOption customizes a StageExecutor.
type ExecutorOption func(*StageExecutor)

// WithRand injects the random source used by non-deterministic ordering.
func WithRand(rng *rand.Rand) ExecutorOption {
	return func(e *StageExecutor) { e.rng = rng }
}

// WithSleep replaces the retry backoff sleeper. Tests use this to avoid
// real delays.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *StageExecutor) { e.sleep = fn }
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *StageExecutor) { e.logger = logger }
}

// WithValidationFuncs adds custom validation predicates evaluated over the
// resulting state alongside the configured condition rules. A predicate
// that returns false or panics counts as a validation failure.
func WithValidationFuncs(fns ...func(*runtime.State) bool) ExecutorOption {
	return func(e *StageExecutor) { e.checks = append(e.checks, fns...) }
}

// NewStageExecutor builds an executor for one stage config.
func NewStageExecutor(cfg StageConfig, d *dispatch.Dispatcher, opts ...ExecutorOption) *StageExecutor {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = defaultRetryCount
	}
	e := &StageExecutor{
		cfg:        cfg,
		mode:       ParseMode(cfg.Mode),
		dispatcher: d,
		logger:     slog.Default(),
		sleep:      defaultSleep,
		status:     runtime.StagePending,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Name returns the stage name.
func (e *StageExecutor) Name() string { return e.cfg.Name }

// Mode returns the stage's configured ordering mode.
func (e *StageExecutor) Mode() Mode { return e.mode }

// Status returns the executor's current lifecycle state.
func (e *StageExecutor) Status() runtime.StageState { return e.status }

// PerformanceSummary returns a copy of the accumulated metrics.
func (e *StageExecutor) PerformanceSummary() Metrics {
	m := e.metrics
	m.CurrentStatus = e.status
	m.qualityScores = append([]float64(nil), e.metrics.qualityScores...)
	return m
}

// History returns a copy of the bounded execution history.
func (e *StageExecutor) History() []ExecutionRecord {
	return append([]ExecutionRecord(nil), e.history...)
}

// ResetMetrics clears the accumulated metrics and execution history and
// returns the executor to pending.
func (e *StageExecutor) ResetMetrics() {
	e.metrics = Metrics{}
	e.history = nil
	e.status = runtime.StagePending
}

// Execute runs the stage's abilities against st, then applies the quality
// and validation gate. Ability failures are recorded in state and do not
// abort the stage; a non-nil return is either a context error or a
// *ValidationError, and in the latter case the workflow must halt.
func (e *StageExecutor) Execute(ctx context.Context, st *runtime.State) error {
	start := time.Now()
	e.status = runtime.StageInProgress
	mode := e.effectiveMode(st)
	abilities := e.orderedAbilities(mode)
	var tuning map[string]any
	if mode != ModeDeterministic {
		tuning = map[string]any{
			"creativity_factor": 0.7 + e.rng.Float64()*0.6,
			"exploration_mode":  true,
		}
	}
	e.logger.Info("stage starting",
		"stage", e.cfg.Name,
		"mode", string(mode),
		"abilities", len(abilities))

	for _, name := range abilities {
		if _, err := e.runWithRetry(ctx, name, st, tuning); err != nil {
			e.status = runtime.StageFailed
			return err
		}
	}

	quality := e.qualityScore(st)
	if mode != ModeDeterministic {
		// Exploratory runs jitter the score by a uniform [-0.1, 0.1].
		quality += e.rng.Float64()*0.2 - 0.1
		if quality < 0 {
			quality = 0
		}
		if quality > 1 {
			quality = 1
		}
	}
	gateErr := e.validate(st, quality)

	elapsed := time.Since(start)
	e.metrics.record(quality, elapsed, gateErr == nil)
	status := runtime.StageCompleted
	if gateErr != nil {
		status = runtime.StageFailed
	}
	e.status = status
	e.history = append(e.history, ExecutionRecord{
		Stage:     e.cfg.Name,
		Mode:      mode,
		Status:    status,
		StartedAt: start,
		Abilities: abilities,
		Quality:   quality,
	})
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	e.attachMetadata(st, mode, status, abilities, quality, elapsed)

	if gateErr != nil {
		st.Set("_validation_errors", gateErr.Error())
		e.logger.Warn("stage failed validation",
			"stage", e.cfg.Name,
			"quality", quality,
			"threshold", e.cfg.Threshold(),
			"err", gateErr)
		return &ValidationError{Stage: e.cfg.Name, Err: gateErr}
	}
	e.logger.Info("stage completed",
		"stage", e.cfg.Name,
		"quality", quality,
		"elapsed", elapsed)
	return nil
}

// effectiveMode resolves adaptive mode against the current state: high
// priority cases and states carrying prior ability errors get the
// deterministic path.
func (e *StageExecutor) effectiveMode(st *runtime.State) Mode {
	if e.mode != ModeAdaptive {
		return e.mode
	}
	if st.GetString("priority", "") == "high" {
		return ModeDeterministic
	}
	for _, k := range st.Keys() {
		if strings.HasSuffix(k, "_error") {
			return ModeDeterministic
		}
	}
	return ModeNonDeterministic
}

func (e *StageExecutor) orderedAbilities(mode Mode) []string {
	names := append([]string(nil), e.cfg.Abilities...)
	switch mode {
	case ModeDeterministic:
		sort.Strings(names)
	default:
		e.rng.Shuffle(len(names), func(i, j int) {
			names[i], names[j] = names[j], names[i]
		})
		if len(names) > 1 {
			kept := names[:0]
			for _, n := range names {
				if e.rng.Float64() > 0.9 {
					e.logger.Debug("ability skipped", "stage", e.cfg.Name, "ability", n)
					continue
				}
				kept = append(kept, n)
			}
			names = kept
		}
	}
	return names
}

// runWithRetry dispatches one ability with the stage's retry policy. The
// bool reports whether the ability ultimately succeeded; the error is
// non-nil only when the context was canceled.
func (e *StageExecutor) runWithRetry(ctx context.Context, name string, st *runtime.State, tuning map[string]any) (bool, error) {
	var lastErr string
	for attempt := 1; attempt <= e.cfg.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		snapshot := st.Snapshot()
		execCtx := map[string]any{
			"stage":        e.cfg.Name,
			"ability":      name,
			"attempt":      attempt,
			"max_attempts": e.cfg.RetryCount,
		}
		// Exploration tuning travels with the call, not in the shared state.
		for k, v := range tuning {
			execCtx[k] = v
		}
		snapshot["_execution_context"] = execCtx

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout())
		res := e.dispatcher.Call(callCtx, e.cfg.Server, name, snapshot)
		cancel()

		if res.Success {
			e.mergeOutput(st, name, res.Output)
			return true, nil
		}
		lastErr = res.Error
		e.logger.Warn("ability attempt failed",
			"stage", e.cfg.Name,
			"ability", name,
			"attempt", attempt,
			"max_attempts", e.cfg.RetryCount,
			"error_kind", res.ErrorKind,
			"err", res.Error)
		if attempt < e.cfg.RetryCount {
			if err := e.sleep(ctx, time.Duration(attempt)*backoffStep); err != nil {
				return false, err
			}
		}
	}
	st.Set(name+"_error", lastErr)
	st.Set(name+"_failed_attempts", e.cfg.RetryCount)
	return false, nil
}

func (e *StageExecutor) mergeOutput(st *runtime.State, name string, output any) {
	switch out := output.(type) {
	case nil:
	case map[string]any:
		st.Merge(out)
	default:
		st.Set(name+"_result", out)
	}
}

// qualityScore is the share of configured abilities with no recorded
// <ability>_error key, plus a small bonus for each core case field present,
// capped at 1.0. A stage with no configured abilities scores 1.0. Scoring
// over error keys rather than the executed list means an ability skipped by
// an exploratory run does not drag the score down.
func (e *StageExecutor) qualityScore(st *runtime.State) float64 {
	score := 1.0
	if n := len(e.cfg.Abilities); n > 0 {
		clean := 0
		for _, name := range e.cfg.Abilities {
			if !st.Has(name + "_error") {
				clean++
			}
		}
		score = float64(clean) / float64(n)
	}
	for _, field := range []string{"customer_id", "ticket_id", "status"} {
		if st.Has(field) {
			score += 0.05
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// validate applies the quality threshold and the configured condition
// rules, aggregating every violation.
func (e *StageExecutor) validate(st *runtime.State, quality float64) error {
	var errs *multierror.Error
	if threshold := e.cfg.Threshold(); quality < threshold {
		errs = multierror.Append(errs, fmt.Errorf("quality score %.2f below threshold %.2f", quality, threshold))
		for _, k := range st.Keys() {
			if strings.HasSuffix(k, "_error") {
				if v, ok := st.Get(k); ok {
					errs = multierror.Append(errs, fmt.Errorf("%s: %v", k, v))
				}
			}
		}
	}
	for _, rule := range e.cfg.Validations {
		ok, err := cond.Evaluate(rule, st)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("validation %q: %w", rule, err))
			continue
		}
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("validation %q not satisfied", rule))
		}
	}
	for i, check := range e.checks {
		if !e.runCheck(check, st) {
			errs = multierror.Append(errs, fmt.Errorf("custom validation %d not satisfied", i+1))
		}
	}
	return errs.ErrorOrNil()
}

// runCheck evaluates one custom predicate; a panic counts as failure.
func (e *StageExecutor) runCheck(fn func(*runtime.State) bool, st *runtime.State) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("custom validation panicked", "stage", e.cfg.Name, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return fn(st)
}

// attachMetadata records the stage outcome under _node_metadata. The
// fingerprint is taken before the metadata key exists and excludes the
// volatile bookkeeping keys, so it depends only on case content.
func (e *StageExecutor) attachMetadata(st *runtime.State, mode Mode, status runtime.StageState, abilities []string, quality float64, elapsed time.Duration) {
	st.Set("_node_metadata", map[string]any{
		"stage":              e.cfg.Name,
		"mode":               string(mode),
		"status":             string(status),
		"abilities_executed": append([]string(nil), abilities...),
		"quality_score":      quality,
		"duration_ms":        elapsed.Milliseconds(),
		"state_fingerprint":  st.Fingerprint(volatileKeys...),
		"completed_at":       time.Now().UTC().Format(time.RFC3339Nano),
	})
}
