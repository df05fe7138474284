package batch

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Attempt is one named alternative tried by FirstSuccess.
type Attempt[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// FirstSuccess runs attempts in order and returns the first success along
// with its index. When every attempt fails the errors are joined.
func FirstSuccess[T any](ctx context.Context, attempts []Attempt[T]) (T, int, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, -1, eris.New("batch: no attempts")
	}

	var errs []error
	for i, a := range attempts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := a.Run(ctx)
		if err == nil {
			return v, i, nil
		}
		zap.L().Warn("batch: attempt failed",
			zap.String("attempt", a.Name),
			zap.Int("index", i),
			zap.Error(err),
		)
		errs = append(errs, eris.Wrapf(err, "%s", a.Name))
	}
	return zero, -1, errors.Join(errs...)
}

// Submission is the outcome of SubmitWithFallback.
type Submission struct {
	Handle       *Handle
	ModelUsed    string
	FallbackUsed bool
}

// Submitter is the submission half of Transport.
type Submitter interface {
	Submit(ctx context.Context, model, displayName string, reqs []Request, keys []string) (*Handle, error)
}

// Models returns the ordered candidate list: primary, then fallback when it
// is set and different.
func Models(primary, fallback string) []string {
	out := []string{primary}
	if fallback != "" && fallback != primary {
		out = append(out, fallback)
	}
	return out
}

// SubmitWithFallback submits with the primary model and retries once with the
// fallback model on any submission error.
func SubmitWithFallback(ctx context.Context, s Submitter, primary, fallback, displayName string, reqs []Request, keys []string) (*Submission, error) {
	if primary == "" {
		return nil, eris.New("batch: primary model is required")
	}

	models := Models(primary, fallback)
	attempts := make([]Attempt[*Handle], len(models))
	for i, m := range models {
		attempts[i] = Attempt[*Handle]{
			Name: m,
			Run: func(ctx context.Context) (*Handle, error) {
				return s.Submit(ctx, m, displayName, reqs, keys)
			},
		}
	}

	h, idx, err := FirstSuccess(ctx, attempts)
	if err != nil {
		return nil, eris.Wrap(err, "batch: submission failed for every model")
	}
	return &Submission{
		Handle:       h,
		ModelUsed:    models[idx],
		FallbackUsed: idx > 0,
	}, nil
}
