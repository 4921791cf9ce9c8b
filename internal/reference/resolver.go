// Package reference resolves reference entities from the local store and
// falls back to the upstream authority on a miss.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"enrollment/internal/repo"
)

var tracer = otel.Tracer("enrollment/internal/reference")

// ResolutionError reports that the authority could not supply an entity.
// It is never cached.
type ResolutionError struct {
	Kind string
	Key  string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s %s: %v", e.Kind, e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver reads T by K from the local store. On a miss it fetches from the
// authority and saves the result before returning it. Concurrent misses for
// one key share a single fetch.
type Resolver[K comparable, T any] struct {
	Name   string
	Lookup func(ctx context.Context, key K) (T, error)
	Fetch  func(ctx context.Context, key K) (T, error)
	Save   func(ctx context.Context, v T) error
	Logger *slog.Logger

	group singleflight.Group
}

func (r *Resolver[K, T]) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve returns the entity for key. If ctx ends while the authority call is
// in flight, Resolve returns ctx.Err() and the call still completes and
// populates the store.
func (r *Resolver[K, T]) Resolve(ctx context.Context, key K) (T, error) {
	var zero T
	keyStr := fmt.Sprint(key)
	ctx, span := tracer.Start(ctx, "reference.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("reference.kind", r.Name))

	v, err := r.Lookup(ctx, key)
	if err == nil {
		span.SetAttributes(attribute.Bool("reference.hit", true))
		return v, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return zero, fmt.Errorf("lookup %s %s: %w", r.Name, keyStr, err)
	}
	span.SetAttributes(attribute.Bool("reference.hit", false))

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(keyStr, func() (any, error) {
		// A flight that finished between our miss and this call has already saved.
		if v, err := r.Lookup(detached, key); err == nil {
			return v, nil
		}
		v, err := r.Fetch(detached, key)
		if err != nil {
			r.logger().Warn("authority fetch failed", "kind", r.Name, "key", keyStr, "error", err)
			return nil, &ResolutionError{Kind: r.Name, Key: keyStr, Err: err}
		}
		if err := r.Save(detached, v); err != nil {
			return nil, fmt.Errorf("save %s %s: %w", r.Name, keyStr, err)
		}
		r.logger().Debug("reference cached", "kind", r.Name, "key", keyStr)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "resolution failed")
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
