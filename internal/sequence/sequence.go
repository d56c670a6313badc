// Package sequence issues confession ids from a durable counter.
package sequence

import (
	"context"
	"fmt"

	"confessbot/internal/faults"
)

// Counter is the store operation the generator depends on.
type Counter interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Generator hands out strictly increasing ids. Every call is a round trip to
// the backing store, so ids stay unique across processes and restarts.
type Generator struct {
	store Counter
	name  string
}

func New(store Counter, name string) *Generator {
	return &Generator{store: store, name: name}
}

// Next returns the next id. Failures are transient infrastructure faults;
// callers must not publish anything that depends on the id.
func (g *Generator) Next(ctx context.Context) (int64, error) {
	v, err := g.store.NextSequence(ctx, g.name)
	if err != nil {
		return 0, faults.Transient(fmt.Errorf("next %s id: %w", g.name, err))
	}
	if v <= 0 {
		return 0, faults.Transient(fmt.Errorf("next %s id: counter returned %d", g.name, v))
	}
	return v, nil
}
