// Package saga runs a linear sequence of forward steps with reverse-order
// compensation: when step k fails, the reverse actions of steps k-1..1 run
// in LIFO order. A failing reverse action is logged but does not stop the
// remaining compensations; durable retry is the compensation engine's job,
// and call-sites wanting it register the saga there explicitly.
package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Forward performs one step and may produce a value retrievable from the
// result by step name.
type Forward func(ctx context.Context) (any, error)

// Reverse undoes one completed forward step.
type Reverse func(ctx context.Context) error

type step struct {
	name    string
	forward Forward
	reverse Reverse
}

// Saga is an ordered sequence of named steps. Build with Step, run with
// Execute. A Saga value is single-use: Execute captures per-step results.
type Saga struct {
	name  string
	steps []step
}

// New starts a saga builder. The name only appears in logs.
func New(name string) *Saga {
	return &Saga{name: name}
}

// Step appends a named (forward, reverse) pair. A nil reverse marks a step
// that needs no compensation (reads, idempotent logs). Step names should be
// unique; results are keyed by name.
func (s *Saga) Step(name string, forward Forward, reverse Reverse) *Saga {
	s.steps = append(s.steps, step{name: name, forward: forward, reverse: reverse})
	return s
}

// Result reports one execution.
type Result struct {
	Success    bool
	FailedStep string
	Err        error
	// Completed lists the names of forward steps that finished, in
	// execution order. Compensation already ran for them when Success is
	// false.
	Completed []string

	values map[string]any
}

// Value returns the value captured from the named forward step.
func (r *Result) Value(stepName string) (any, bool) {
	v, ok := r.values[stepName]
	return v, ok
}

// Execute runs the forward steps in order. On the first failure it runs the
// completed steps' reverse actions in LIFO order and reports the failure;
// the saga never half-commits silently.
func (s *Saga) Execute(ctx context.Context) *Result {
	res := &Result{values: make(map[string]any, len(s.steps))}

	for _, st := range s.steps {
		value, err := st.forward(ctx)
		if err != nil {
			res.FailedStep = st.name
			res.Err = fmt.Errorf("saga %s step %s: %w", s.name, st.name, err)
			slog.ErrorContext(ctx, "saga step failed, compensating",
				"saga", s.name, "step", st.name, "completed", len(res.Completed),
				"error", err, trace.Attr(ctx))
			s.compensate(ctx, res)
			return res
		}
		res.values[st.name] = value
		res.Completed = append(res.Completed, st.name)
	}

	res.Success = true
	return res
}

// compensate runs reverse actions for res.Completed in LIFO order.
func (s *Saga) compensate(ctx context.Context, res *Result) {
	for i := len(res.Completed) - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.reverse == nil {
			continue
		}
		if err := st.reverse(ctx); err != nil {
			// Keep unwinding: a stuck reverse must not strand the ones
			// before it. The operator escalation path owns what's left.
			slog.ErrorContext(ctx, "saga compensation failed, continuing",
				"saga", s.name, "step", st.name, "error", err, trace.Attr(ctx))
		}
	}
}
