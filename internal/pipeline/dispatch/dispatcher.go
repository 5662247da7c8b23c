// Package dispatch routes ability calls to registered providers. A call
// never returns a Go error to the caller: every outcome, including panics
// inside an ability, is captured in a Result so stage execution can treat
// failure as data.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/avolkov/caseflow/internal/pipeline/ability"
)

// Result is the record of one dispatched ability call.
type Result struct {
	Success   bool   `json:"success"`
	Provider  string `json:"provider"`
	Ability   string `json:"ability"`
	CallID    string `json:"call_id"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ProviderNotFoundError reports a call against a provider name with no
// registration. Available lists the providers that are registered.
type ProviderNotFoundError struct {
	Provider  string
	Available []string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider %q not found (available: %s)", e.Provider, strings.Join(e.Available, ", "))
}

// AbilityNotFoundError reports an ability name that no registered provider
// exposes. Searched lists the providers consulted, in registration order.
type AbilityNotFoundError struct {
	Ability  string
	Searched []string
}

func (e *AbilityNotFoundError) Error() string {
	return fmt.Sprintf("ability %q not found in any provider (searched: %s)", e.Ability, strings.Join(e.Searched, ", "))
}

// Dispatcher holds the provider registrations for one engine instance.
// Registration order is preserved so ability lookup across providers is
// deterministic. Not safe for concurrent registration; calls after setup
// are read-only and may run concurrently.
type Dispatcher struct {
	providers map[string]ability.Provider
	order     []string
	logger    *slog.Logger
}

// New returns an empty dispatcher. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		providers: make(map[string]ability.Provider),
		logger:    logger,
	}
}

// Register adds a provider under its own name. Re-registering a name
// replaces the provider but keeps its original lookup position.
func (d *Dispatcher) Register(p ability.Provider) {
	name := p.Name()
	if _, exists := d.providers[name]; !exists {
		d.order = append(d.order, name)
	}
	d.providers[name] = p
	d.logger.Debug("provider registered", "provider", name, "abilities", len(p.Abilities()))
}

// Providers returns the registered provider names in registration order.
func (d *Dispatcher) Providers() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Abilities returns the sorted ability names of one provider.
func (d *Dispatcher) Abilities(provider string) ([]string, error) {
	p, ok := d.providers[provider]
	if !ok {
		return nil, &ProviderNotFoundError{Provider: provider, Available: d.Providers()}
	}
	names := p.Abilities()
	sort.Strings(names)
	return names, nil
}

// Call dispatches one ability on one provider. The returned Result always
// has Provider, Ability and a fresh CallID set; on failure Error and
// ErrorKind describe what went wrong.
func (d *Dispatcher) Call(ctx context.Context, provider, abilityName string, state map[string]any) Result {
	res := Result{
		Provider: provider,
		Ability:  abilityName,
		CallID:   uuid.NewString(),
	}
	p, ok := d.providers[provider]
	if !ok {
		err := &ProviderNotFoundError{Provider: provider, Available: d.Providers()}
		res.Error = err.Error()
		res.ErrorKind = "provider_not_found"
		d.logger.Warn("dispatch failed", "call_id", res.CallID, "provider", provider, "ability", abilityName, "error_kind", res.ErrorKind)
		return res
	}
	return d.invoke(ctx, p, res, state)
}

// RouteByAbility finds the first registered provider exposing the ability
// and dispatches to it. Providers are consulted in registration order.
func (d *Dispatcher) RouteByAbility(ctx context.Context, abilityName string, state map[string]any) Result {
	for _, name := range d.order {
		p := d.providers[name]
		if hasAbility(p, abilityName) {
			res := Result{
				Provider: name,
				Ability:  abilityName,
				CallID:   uuid.NewString(),
			}
			return d.invoke(ctx, p, res, state)
		}
	}
	err := &AbilityNotFoundError{Ability: abilityName, Searched: d.Providers()}
	res := Result{
		Ability:   abilityName,
		CallID:    uuid.NewString(),
		Error:     err.Error(),
		ErrorKind: "ability_not_found",
	}
	d.logger.Warn("dispatch failed", "call_id", res.CallID, "ability", abilityName, "error_kind", res.ErrorKind)
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, p ability.Provider, res Result, state map[string]any) (out Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = res
			out.Success = false
			out.Output = nil
			out.Error = fmt.Sprintf("panic in ability %s/%s: %v", res.Provider, res.Ability, r)
			out.ErrorKind = "ability_panic"
			d.logger.Error("ability panicked",
				"call_id", res.CallID,
				"provider", res.Provider,
				"ability", res.Ability,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	output, err := p.Invoke(ctx, res.Ability, state)
	elapsed := time.Since(start)
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = classify(err)
		d.logger.Warn("ability failed",
			"call_id", res.CallID,
			"provider", res.Provider,
			"ability", res.Ability,
			"error_kind", res.ErrorKind,
			"elapsed", elapsed,
			"err", err)
		return res
	}
	res.Success = true
	res.Output = output
	d.logger.Debug("ability succeeded",
		"call_id", res.CallID,
		"provider", res.Provider,
		"ability", res.Ability,
		"elapsed", elapsed)
	return res
}

func classify(err error) string {
	var unknown *ability.UnknownAbilityError
	var invalid *ability.ContextInvalidError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return "timeout"
	case errors.As(err, &unknown):
		return "unknown_ability"
	case errors.As(err, &invalid):
		return "context_invalid"
	default:
		return "ability_error"
	}
}

func hasAbility(p ability.Provider, name string) bool {
	defer func() { _ = recover() }()
	for _, a := range p.Abilities() {
		if a == name {
			return true
		}
	}
	return false
}

// Report is the outcome of a dispatcher health check.
type Report struct {
	Healthy   bool           `json:"healthy"`
	Providers map[string]int `json:"providers"`
	Err       error          `json:"-"`
}

// HealthCheck verifies every registered provider can enumerate its
// abilities and exposes at least one. Failures are aggregated so a single
// bad provider does not hide the rest.
func (d *Dispatcher) HealthCheck() Report {
	rep := Report{Healthy: true, Providers: make(map[string]int, len(d.order))}
	var errs *multierror.Error
	for _, name := range d.order {
		abilities, err := d.Abilities(name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if len(abilities) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("provider %q exposes no abilities", name))
			continue
		}
		rep.Providers[name] = len(abilities)
	}
	if err := errs.ErrorOrNil(); err != nil {
		rep.Healthy = false
		rep.Err = err
	}
	return rep
}
