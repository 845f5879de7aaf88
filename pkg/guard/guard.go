// Package guard serializes sessions per key, so at most one session per
// mechanism is in flight. Local guards a single process; Redis guards every
// process sharing a Redis namespace.
package guard

import (
	"context"
)

// Guard grants exclusive use of a key.
type Guard interface {
	// Acquire blocks until key is free or ctx ends, and returns a release
	// function that must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Nop grants every request immediately.
type Nop struct{}

// Acquire implements Guard.
func (Nop) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}
