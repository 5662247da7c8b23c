package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/avolkov/caseflow/internal/pipeline/ability"
	"github.com/avolkov/caseflow/internal/pipeline/dispatch"
	"github.com/avolkov/caseflow/internal/pipeline/runtime"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

// scriptedProvider records invocation order and execution contexts, and
// fails an ability until its configured number of attempts is reached.
type scriptedProvider struct {
	name      string
	abilities []string
	failUntil map[string]int

	calls    []string
	contexts []map[string]any
	attempts map[string]int
}

func newScriptedProvider(name string, abilities ...string) *scriptedProvider {
	return &scriptedProvider{
		name:      name,
		abilities: abilities,
		failUntil: map[string]int{},
		attempts:  map[string]int{},
	}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Abilities() []string {
	return append([]string(nil), p.abilities...)
}

func (p *scriptedProvider) Invoke(_ context.Context, name string, state map[string]any) (any, error) {
	p.calls = append(p.calls, name)
	if ec, ok := state["_execution_context"].(map[string]any); ok {
		p.contexts = append(p.contexts, ec)
	}
	p.attempts[name]++
	if p.attempts[name] <= p.failUntil[name] {
		return nil, errors.New(name + " transient failure")
	}
	return map[string]any{name + "_done": true}, nil
}

func newTestExecutor(t *testing.T, cfg StageConfig, p ability.Provider, opts ...ExecutorOption) *StageExecutor {
	t.Helper()
	d := dispatch.New(quietLogger())
	d.Register(p)
	base := []ExecutorOption{WithLogger(quietLogger()), WithSleep(noSleep)}
	return NewStageExecutor(cfg, d, append(base, opts...)...)
}

// stageConfig builds a config with the defaults LoadPipelineConfig would fill.
func stageConfig(name string, abilities ...string) StageConfig {
	return StageConfig{
		Name:       name,
		Abilities:  abilities,
		Server:     "common",
		RetryCount: 3,
		timeout:    time.Second,
	}
}

func TestDeterministicOrdering(t *testing.T) {
	p := newScriptedProvider("common", "zeta", "alpha", "mid")
	cfg := stageConfig("intake", "zeta", "alpha", "mid")
	cfg.Mode = "deterministic"
	e := newTestExecutor(t, cfg, p)

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(p.calls) != len(want) {
		t.Fatalf("calls=%v", p.calls)
	}
	for i := range want {
		if p.calls[i] != want[i] {
			t.Fatalf("calls=%v, want %v", p.calls, want)
		}
	}
}

func TestDeterministicFingerprintStable(t *testing.T) {
	run := func() string {
		p := newScriptedProvider("common", "alpha", "mid")
		cfg := stageConfig("intake", "alpha", "mid")
		cfg.Mode = "deterministic"
		e := newTestExecutor(t, cfg, p)
		st := runtime.NewState()
		st.Set("ticket_id", "tkt_1")
		if err := e.Execute(context.Background(), st); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		meta, _ := st.Get("_node_metadata")
		return meta.(map[string]any)["state_fingerprint"].(string)
	}
	if run() != run() {
		t.Fatalf("deterministic runs produced different fingerprints")
	}
}

func TestNonDeterministicTuningTravelsWithCall(t *testing.T) {
	p := newScriptedProvider("common", "alpha", "mid", "zeta")
	cfg := stageConfig("prepare", "alpha", "mid", "zeta")
	cfg.Mode = "non_deterministic"
	e := newTestExecutor(t, cfg, p, WithRand(rand.New(rand.NewSource(42))))

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(p.contexts) == 0 {
		t.Fatalf("no execution contexts captured")
	}
	for _, ec := range p.contexts {
		cf, ok := ec["creativity_factor"].(float64)
		if !ok || cf < 0.7 || cf > 1.3 {
			t.Fatalf("creativity_factor=%v, want within [0.7, 1.3]", ec["creativity_factor"])
		}
		if ec["exploration_mode"] != true {
			t.Fatalf("exploration_mode=%v", ec["exploration_mode"])
		}
	}
	// Tuning fields never leak into the shared workflow state.
	if st.Has("creativity_factor") || st.Has("exploration_mode") {
		t.Fatalf("tuning fields written to state: %v", st.Keys())
	}
	if len(p.calls) > 3 {
		t.Fatalf("calls=%v", p.calls)
	}
}

func TestAdaptiveModeResolution(t *testing.T) {
	cfg := stageConfig("decide", "alpha")
	cfg.Mode = "adaptive"
	e := newTestExecutor(t, cfg, newScriptedProvider("common", "alpha"))

	st := runtime.NewState()
	st.Set("priority", "high")
	if got := e.effectiveMode(st); got != ModeDeterministic {
		t.Fatalf("high priority: mode=%v", got)
	}

	st = runtime.NewState()
	st.Set("previous_error", "ignored value under non-suffix key")
	st.Set("enrich_records_error", "upstream down")
	if got := e.effectiveMode(st); got != ModeDeterministic {
		t.Fatalf("prior errors: mode=%v", got)
	}

	st = runtime.NewState()
	st.Set("priority", "low")
	if got := e.effectiveMode(st); got != ModeNonDeterministic {
		t.Fatalf("calm state: mode=%v", got)
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	p := newScriptedProvider("common", "flaky")
	p.failUntil["flaky"] = 1
	cfg := stageConfig("prepare", "flaky")
	e := newTestExecutor(t, cfg, p)

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.attempts["flaky"] != 2 {
		t.Fatalf("attempts=%d, want 2", p.attempts["flaky"])
	}
	if v, _ := st.Get("flaky_done"); v != true {
		t.Fatalf("merged output missing: %v", st.Keys())
	}
	if st.Has("flaky_error") {
		t.Fatalf("error keys set on eventual success")
	}
	// Each attempt sees its own execution context.
	if len(p.contexts) != 2 {
		t.Fatalf("contexts=%d", len(p.contexts))
	}
	if p.contexts[0]["attempt"] != 1 || p.contexts[1]["attempt"] != 2 {
		t.Fatalf("contexts=%v", p.contexts)
	}
	if p.contexts[0]["max_attempts"] != 3 || p.contexts[0]["stage"] != "prepare" || p.contexts[0]["ability"] != "flaky" {
		t.Fatalf("context=%v", p.contexts[0])
	}
}

func TestRetryExhaustionFailsGate(t *testing.T) {
	p := newScriptedProvider("common", "doomed")
	p.failUntil["doomed"] = 99
	cfg := stageConfig("prepare", "doomed")
	cfg.RetryCount = 2
	e := newTestExecutor(t, cfg, p)

	st := runtime.NewState()
	err := e.Execute(context.Background(), st)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want ValidationError", err)
	}
	if verr.Stage != "prepare" {
		t.Fatalf("stage=%q", verr.Stage)
	}
	if p.attempts["doomed"] != 2 {
		t.Fatalf("attempts=%d, want 2", p.attempts["doomed"])
	}
	if got := st.GetString("doomed_error", ""); !strings.Contains(got, "transient failure") {
		t.Fatalf("doomed_error=%q", got)
	}
	if got := st.GetInt("doomed_failed_attempts", 0); got != 2 {
		t.Fatalf("doomed_failed_attempts=%d", got)
	}
	// The gate error carries the underlying ability failure text.
	if !strings.Contains(err.Error(), "transient failure") {
		t.Fatalf("gate error=%q", err.Error())
	}
	if !st.Has("_validation_errors") {
		t.Fatalf("_validation_errors not recorded")
	}
}

func TestRetryBackoffIsLinear(t *testing.T) {
	p := newScriptedProvider("common", "doomed")
	p.failUntil["doomed"] = 99
	cfg := stageConfig("prepare", "doomed")
	cfg.RetryCount = 3

	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	e := newTestExecutor(t, cfg, p, WithSleep(sleep))
	_ = e.Execute(context.Background(), runtime.NewState())

	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays=%v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays=%v, want %v", delays, want)
		}
	}
}

func TestQualityScore(t *testing.T) {
	noAbilities := newTestExecutor(t, stageConfig("any"), newScriptedProvider("common"))
	if got := noAbilities.qualityScore(runtime.NewState()); got != 1.0 {
		t.Fatalf("zero abilities: quality=%v", got)
	}

	e := newTestExecutor(t, stageConfig("any", "alpha", "beta"), newScriptedProvider("common", "alpha", "beta"))

	clean := runtime.NewState()
	if got := e.qualityScore(clean); got != 1.0 {
		t.Fatalf("no error keys: quality=%v", got)
	}

	// The base counts configured abilities without a recorded error key, so
	// an ability that never ran (no error recorded) does not lower it.
	half := runtime.NewState()
	half.Set("alpha_error", "backend unavailable")
	if got := e.qualityScore(half); got != 0.5 {
		t.Fatalf("one error key: quality=%v", got)
	}

	bonus := runtime.NewState()
	bonus.Set("alpha_error", "backend unavailable")
	bonus.Set("beta_error", "backend unavailable")
	bonus.Set("customer_id", "c1")
	bonus.Set("ticket_id", "t1")
	if got := e.qualityScore(bonus); got != 0.1 {
		t.Fatalf("bonus fields: quality=%v", got)
	}

	// Bonuses never push the score past 1.0.
	capped := runtime.NewState()
	capped.Set("customer_id", "c1")
	capped.Set("ticket_id", "t1")
	capped.Set("status", "open")
	if got := e.qualityScore(capped); got != 1.0 {
		t.Fatalf("capped quality=%v", got)
	}
}

func TestNonDeterministicQualityJitter(t *testing.T) {
	zero := 0.0
	var scores []float64
	for seed := int64(1); seed <= 40; seed++ {
		p := newScriptedProvider("common", "good", "bad")
		p.failUntil["bad"] = 99
		cfg := stageConfig("prepare", "good", "bad")
		cfg.Mode = "non_deterministic"
		cfg.RetryCount = 1
		cfg.QualityThreshold = &zero
		e := newTestExecutor(t, cfg, p, WithRand(rand.New(rand.NewSource(seed))))

		st := runtime.NewState()
		if err := e.Execute(context.Background(), st); err != nil {
			t.Fatalf("seed %d: Execute: %v", seed, err)
		}
		meta, _ := st.Get("_node_metadata")
		scores = append(scores, meta.(map[string]any)["quality_score"].(float64))
	}

	jittered := false
	for i, q := range scores {
		if q < 0 || q > 1 {
			t.Fatalf("score %d out of range: %v", i, q)
		}
		// The base is 0.5 (bad always errors) or 1.0 (bad skipped before
		// running); it must never collapse to 0 for a skipped success.
		if q < 0.4 {
			t.Fatalf("score %d below any jittered base: %v", i, q)
		}
		if q != 0 && q != 0.5 && q != 1.0 {
			jittered = true
		}
	}
	if !jittered {
		t.Fatalf("no random perturbation applied: %v", scores)
	}
}

func TestExecutorStatusLifecycle(t *testing.T) {
	p := newScriptedProvider("common", "alpha")
	cfg := stageConfig("intake", "alpha")
	e := newTestExecutor(t, cfg, p)

	if got := e.Status(); got != runtime.StagePending {
		t.Fatalf("initial status=%v", got)
	}
	st := runtime.NewState()
	st.Set("customer_id", "c1")
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := e.Status(); got != runtime.StageCompleted {
		t.Fatalf("status after success=%v", got)
	}
	if got := e.PerformanceSummary().CurrentStatus; got != runtime.StageCompleted {
		t.Fatalf("summary status=%v", got)
	}

	failing := newScriptedProvider("common", "doomed")
	failing.failUntil["doomed"] = 99
	fcfg := stageConfig("intake", "doomed")
	fcfg.RetryCount = 1
	fe := newTestExecutor(t, fcfg, failing)
	if err := fe.Execute(context.Background(), runtime.NewState()); err == nil {
		t.Fatalf("expected gate failure")
	}
	if got := fe.Status(); got != runtime.StageFailed {
		t.Fatalf("status after failure=%v", got)
	}

	fe.ResetMetrics()
	if got := fe.Status(); got != runtime.StagePending {
		t.Fatalf("status after reset=%v", got)
	}
}

func TestExecutionHistory(t *testing.T) {
	p := newScriptedProvider("common", "alpha")
	cfg := stageConfig("intake", "alpha")
	cfg.Mode = "deterministic"
	e := newTestExecutor(t, cfg, p)

	for i := 0; i < 2; i++ {
		st := runtime.NewState()
		st.Set("customer_id", "c1")
		if err := e.Execute(context.Background(), st); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	hist := e.History()
	if len(hist) != 2 {
		t.Fatalf("history length=%d", len(hist))
	}
	rec := hist[0]
	if rec.Stage != "intake" || rec.Mode != ModeDeterministic || rec.Status != runtime.StageCompleted {
		t.Fatalf("record=%+v", rec)
	}
	if rec.StartedAt.IsZero() || len(rec.Abilities) != 1 {
		t.Fatalf("record=%+v", rec)
	}

	e.ResetMetrics()
	if len(e.History()) != 0 {
		t.Fatalf("history not cleared by reset")
	}
}

func TestExecutionHistoryBounded(t *testing.T) {
	e := newTestExecutor(t, stageConfig("noop"), newScriptedProvider("common"))
	for i := 0; i < historyLimit+20; i++ {
		if err := e.Execute(context.Background(), runtime.NewState()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if got := len(e.History()); got != historyLimit {
		t.Fatalf("history length=%d, want %d", got, historyLimit)
	}
}

func TestCustomValidationFuncs(t *testing.T) {
	p := newScriptedProvider("common", "noop")
	cfg := stageConfig("intake", "noop")
	e := newTestExecutor(t, cfg, p, WithValidationFuncs(
		func(st *runtime.State) bool { return st.Has("approved") },
	))

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	err := e.Execute(context.Background(), st)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), "custom validation 1") {
		t.Fatalf("err=%q", err.Error())
	}

	st = runtime.NewState()
	st.Set("customer_id", "c1")
	st.Set("approved", true)
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute with satisfied predicate: %v", err)
	}
}

func TestCustomValidationPanicIsFailure(t *testing.T) {
	p := newScriptedProvider("common", "noop")
	cfg := stageConfig("intake", "noop")
	e := newTestExecutor(t, cfg, p, WithValidationFuncs(
		func(st *runtime.State) bool {
			var m map[string]any
			m["boom"] = 1 // nil map write
			return true
		},
	))

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	err := e.Execute(context.Background(), st)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want ValidationError", err)
	}
}

func TestValidationRulesGate(t *testing.T) {
	p := newScriptedProvider("common", "noop")
	cfg := stageConfig("intake", "noop")
	cfg.Validations = []string{"approved=yes"}
	e := newTestExecutor(t, cfg, p)

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	err := e.Execute(context.Background(), st)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), `"approved=yes"`) {
		t.Fatalf("err=%q", err.Error())
	}

	st = runtime.NewState()
	st.Set("customer_id", "c1")
	st.Set("approved", "yes")
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute with satisfied rule: %v", err)
	}
}

func TestNodeMetadataAttached(t *testing.T) {
	p := newScriptedProvider("common", "alpha")
	cfg := stageConfig("intake", "alpha")
	cfg.Mode = "deterministic"
	e := newTestExecutor(t, cfg, p)

	st := runtime.NewState()
	st.Set("customer_id", "c1")
	if err := e.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	v, ok := st.Get("_node_metadata")
	if !ok {
		t.Fatalf("_node_metadata missing")
	}
	meta := v.(map[string]any)
	if meta["stage"] != "intake" || meta["mode"] != "deterministic" {
		t.Fatalf("meta=%v", meta)
	}
	if meta["status"] != "completed" {
		t.Fatalf("status=%v", meta["status"])
	}
	if meta["quality_score"].(float64) != 1.0 {
		t.Fatalf("quality=%v", meta["quality_score"])
	}
	if meta["state_fingerprint"].(string) == "" {
		t.Fatalf("missing fingerprint")
	}
}

func TestMetricsAccumulate(t *testing.T) {
	p := newScriptedProvider("common", "alpha")
	cfg := stageConfig("intake", "alpha")
	e := newTestExecutor(t, cfg, p)

	for i := 0; i < 3; i++ {
		st := runtime.NewState()
		st.Set("customer_id", "c1")
		if err := e.Execute(context.Background(), st); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	m := e.PerformanceSummary()
	if m.TotalExecutions != 3 || m.SuccessfulExecutions != 3 {
		t.Fatalf("metrics=%+v", m)
	}
	if m.SuccessRate() != 1.0 {
		t.Fatalf("success rate=%v", m.SuccessRate())
	}
	if m.AvgQuality() != 1.0 {
		t.Fatalf("avg quality=%v", m.AvgQuality())
	}

	e.ResetMetrics()
	if e.PerformanceSummary().TotalExecutions != 0 {
		t.Fatalf("metrics not reset")
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	p := newScriptedProvider("common", "alpha")
	cfg := stageConfig("intake", "alpha")
	e := newTestExecutor(t, cfg, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Execute(ctx, runtime.NewState())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
