// Package saga runs ordered steps and undoes the completed ones when a
// later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step is one unit of work. Undo may be nil for steps with nothing to revert.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

type Saga struct {
	name  string
	steps []Step
}

func New(name string, steps ...Step) *Saga {
	return &Saga{name: name, steps: steps}
}

// Then appends a step.
func (s *Saga) Then(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// StepError reports the step that failed and, when reverting the earlier
// steps also failed, why.
type StepError struct {
	Saga    string
	Step    string
	Err     error
	UndoErr error
}

func (e *StepError) Error() string {
	if e.UndoErr != nil {
		return fmt.Sprintf("saga %s: step %q failed: %v (undo failed: %v)", e.Saga, e.Step, e.Err, e.UndoErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Run executes the steps in order. On failure the completed steps are
// undone newest first, on a context that outlives cancellation of ctx.
func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Do(ctx); err != nil {
			return &StepError{
				Saga:    s.name,
				Step:    step.Name,
				Err:     err,
				UndoErr: s.undo(context.WithoutCancel(ctx), s.steps[:i]),
			}
		}
	}
	return nil
}

func (s *Saga) undo(ctx context.Context, done []Step) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].Undo == nil {
			continue
		}
		if err := done[i].Undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %q: %w", done[i].Name, err))
		}
	}
	return errors.Join(errs...)
}
