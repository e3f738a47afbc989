package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-gsioc/internal/pool"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/procedure"
)

const (
	DefaultPollInterval = time.Second
	DefaultStartDelay   = 2 * time.Second
)

// RecipeFunc runs one recipe on the platform.
type RecipeFunc func(ctx context.Context, r procedure.Recipe) error

// RecipeCheck rejects a recipe the platform cannot run, before it runs.
type RecipeCheck func(r procedure.Recipe) error

// Result is the outcome of one recipe run.
type Result struct {
	Recipe procedure.Recipe
	Err    error
}

// Suggester proposes the next recipe from the results so far.
type Suggester interface {
	Suggest(ctx context.Context, history []Result) (procedure.Recipe, error)
}

// Runner is the closed loop between the planner and the platform.
//
// The planner writes Recipe and raises Start while End is 0; the Runner
// runs the recipe and raises End. Once the planner lowers Start, the Runner
// lowers End and waits for the next round.
type Runner struct {
	store      Store
	run        RecipeFunc
	check      RecipeCheck
	suggester  Suggester
	interval   time.Duration
	startDelay time.Duration
	logger     logger.Logger

	history []Result
}

// RunnerOption is a functional option for configuring a Runner.
type RunnerOption interface {
	apply(*Runner) error
}

type runnerOptFunc func(*Runner) error

func (f runnerOptFunc) apply(r *Runner) error { return f(r) }

// WithPollInterval sets the period between two reads of the handshake.
func WithPollInterval(d time.Duration) RunnerOption {
	return runnerOptFunc(func(r *Runner) error {
		if d <= 0 {
			return fmt.Errorf("controlplane: poll interval %v must be positive", d)
		}
		r.interval = d

		return nil
	})
}

// WithStartDelay sets the wait between seeing Start and reading the recipe.
func WithStartDelay(d time.Duration) RunnerOption {
	return runnerOptFunc(func(r *Runner) error {
		if d < 0 {
			return fmt.Errorf("controlplane: start delay %v must not be negative", d)
		}
		r.startDelay = d

		return nil
	})
}

// WithSuggester makes the Runner write the next suggested recipe after each run.
func WithSuggester(s Suggester) RunnerOption {
	return runnerOptFunc(func(r *Runner) error {
		if s == nil {
			return errors.New("controlplane: suggester must not be nil")
		}
		r.suggester = s

		return nil
	})
}

// WithRecipeCheck makes the Runner reject recipes failing check the same
// way as unparsable ones: Error is set, End is raised and nothing runs.
func WithRecipeCheck(check RecipeCheck) RunnerOption {
	return runnerOptFunc(func(r *Runner) error {
		if check == nil {
			return errors.New("controlplane: recipe check must not be nil")
		}
		r.check = check

		return nil
	})
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l logger.Logger) RunnerOption {
	return runnerOptFunc(func(r *Runner) error {
		if l == nil {
			return errors.New("controlplane: logger must not be nil")
		}
		r.logger = l

		return nil
	})
}

// NewRunner creates a Runner reading the handshake from store.
func NewRunner(store Store, run RecipeFunc, opts ...RunnerOption) (*Runner, error) {
	if store == nil || run == nil {
		return nil, errors.New("controlplane: runner needs a store and a recipe func")
	}

	r := &Runner{
		store:      store,
		run:        run,
		interval:   DefaultPollInterval,
		startDelay: DefaultStartDelay,
		logger:     logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// History returns the results of the recipes run so far.
func (r *Runner) History() []Result {
	return append([]Result(nil), r.history...)
}

// Run polls the handshake until ctx is done or a recipe fails on the
// platform. A failed run leaves the platform in an unknown physical state,
// so the loop stops and End stays 0.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("controlplane: closed loop started")

	for {
		if err := r.Poll(ctx); err != nil {
			return err
		}
		if err := pool.Sleep(ctx, r.interval); err != nil {
			return err
		}
	}
}

// Poll reads the handshake once and acts on it.
func (r *Runner) Poll(ctx context.Context) error {
	start, err := readFlag(ctx, r.store, KeyStart)
	if err != nil {
		return fmt.Errorf("controlplane: read %s: %w", KeyStart, err)
	}
	end, err := readFlag(ctx, r.store, KeyEnd)
	if err != nil {
		return fmt.Errorf("controlplane: read %s: %w", KeyEnd, err)
	}

	switch {
	case start == 1 && end == 0:
		return r.runOnce(ctx)
	case start == 0 && end == 1:
		return r.store.Set(ctx, KeyEnd, "0")
	}

	return nil
}

func (r *Runner) runOnce(ctx context.Context) error {
	if err := pool.Sleep(ctx, r.startDelay); err != nil {
		return err
	}

	raw, err := r.store.Get(ctx, KeyRecipe)
	if err != nil {
		return fmt.Errorf("controlplane: read %s: %w", KeyRecipe, err)
	}

	recipe, err := decodeRecipe(raw)
	if err == nil && r.check != nil {
		err = r.check(recipe)
	}
	if err != nil {
		// nothing touched the platform; report and complete the round
		r.logger.Error("controlplane: rejected recipe", "recipe", raw, "error", err)
		if err := r.store.Set(ctx, KeyError, err.Error()); err != nil {
			return err
		}

		return r.store.Set(ctx, KeyEnd, "1")
	}

	r.logger.Info("controlplane: starting recipe", "recipe", recipe.String())

	runErr := r.run(ctx, recipe)
	r.history = append(r.history, Result{Recipe: recipe, Err: runErr})

	if runErr != nil {
		if err := r.store.Set(context.WithoutCancel(ctx), KeyError, runErr.Error()); err != nil {
			r.logger.Error("controlplane: report failed recipe", "error", err)
		}
		return fmt.Errorf("controlplane: recipe failed: %w", runErr)
	}

	if err := r.store.Set(ctx, KeyError, ""); err != nil {
		return err
	}
	if err := r.suggest(ctx); err != nil {
		r.logger.Warn("controlplane: no suggestion", "error", err)
	}

	r.logger.Info("controlplane: recipe done")

	return r.store.Set(ctx, KeyEnd, "1")
}

func (r *Runner) suggest(ctx context.Context) error {
	if r.suggester == nil {
		return nil
	}

	next, err := r.suggester.Suggest(ctx, r.History())
	if err != nil {
		return err
	}

	return r.store.Set(ctx, KeyRecipe, FormatValues(next.Values()))
}

func decodeRecipe(raw string) (procedure.Recipe, error) {
	values, err := procedure.ParseValues(raw)
	if err != nil {
		return procedure.Recipe{}, err
	}

	return procedure.ParseRecipe(values)
}
