// Package roles implements the four worker roles as thin shells over a
// shared perceive -> should-act -> decide -> execute -> deposit cycle. The
// variation between roles is narrow and data-driven: each role is a step set,
// not a class hierarchy.
package roles

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/go-colony/internal/pheromone"
)

// Role name tags stamped on every mutation a role performs.
const (
	RoleDiscover  = "discover"
	RoleTransform = "transform"
	RoleTest      = "test"
	RoleValidate  = "validate"
	RoleReview    = "human_review"
)

// errSkipTick is returned from an execute step that chose not to act, e.g.
// the budget guard blocking a new LLM call. The role idles without error.
var errSkipTick = errors.New("skip tick")

// Runner is one activatable role. Run reports whether the role performed at
// least one deposit this tick; the error return is reserved for run-fatal
// conditions (invalid transitions, store corruption, audit failure).
type Runner interface {
	Name() string
	Run(ctx context.Context) (bool, error)
}

// Steps is the five-step cycle parameterized by a role's perception, action,
// and result types.
type Steps[P, A, R any] struct {
	RoleName  string
	Logger    *slog.Logger
	Perceive  func(ctx context.Context) (P, error)
	ShouldAct func(perception P) bool
	Decide    func(ctx context.Context, perception P) (A, error)
	Execute   func(ctx context.Context, action A) (R, error)
	Deposit   func(ctx context.Context, result R) error
}

// Name returns the role tag.
func (s *Steps[P, A, R]) Name() string { return s.RoleName }

// Run executes one full cycle. File-scoped errors are absorbed (the role
// idles or deposits a failure transition); only run-scoped errors propagate.
func (s *Steps[P, A, R]) Run(ctx context.Context) (bool, error) {
	perception, err := s.Perceive(ctx)
	if err != nil {
		if isRunFatal(err) {
			return false, err
		}
		s.Logger.Warn("perception failed", "role", s.RoleName, "error", err)
		return false, nil
	}
	if !s.ShouldAct(perception) {
		s.Logger.Debug("idle", "role", s.RoleName)
		return false, nil
	}

	action, err := s.Decide(ctx, perception)
	if err != nil {
		if isRunFatal(err) {
			return false, err
		}
		s.Logger.Warn("decision failed", "role", s.RoleName, "error", err)
		return false, nil
	}

	result, err := s.Execute(ctx, action)
	if err != nil {
		if errors.Is(err, errSkipTick) {
			return false, nil
		}
		if isRunFatal(err) {
			return false, err
		}
		s.Logger.Warn("execution failed", "role", s.RoleName, "error", err)
		return false, nil
	}

	if err := s.Deposit(ctx, result); err != nil {
		if errors.Is(err, pheromone.ErrLockViolation) {
			s.Logger.Warn("deposit blocked by scope lock", "role", s.RoleName, "error", err)
			return false, nil
		}
		// Invalid transitions and persistence failures are programming or
		// environment errors; never silently absorbed.
		return false, err
	}

	s.Logger.Debug("acted", "role", s.RoleName)
	return true, nil
}

func isRunFatal(err error) bool {
	return errors.Is(err, pheromone.ErrStoreCorrupted) ||
		errors.Is(err, pheromone.ErrTransitionInvalid)
}
