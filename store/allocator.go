package store

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"postyard/domain"
)

// MaxIDFunc reports the largest persisted post id.
type MaxIDFunc func(ctx context.Context) (int64, error)

// Allocator hands out post ids that increase strictly for the lifetime of the
// process, starting after the largest id persisted when it was initialized.
// It does not coordinate with other processes writing to the same store.
type Allocator struct {
	seed  atomic.Int64
	ready atomic.Bool
}

// Initialize seeds the allocator from maxID. It must return before the first
// NextID call.
func (a *Allocator) Initialize(ctx context.Context, maxID MaxIDFunc) error {
	seed, err := maxID(ctx)
	if err != nil {
		return fmt.Errorf("%w: max post id: %w", domain.ErrInitialization, err)
	}
	a.seed.Store(seed)
	a.ready.Store(true)
	return nil
}

// NextID returns a new id. It never touches the persistence engine and is
// safe for concurrent use.
func (a *Allocator) NextID() int64 {
	if !a.ready.Load() {
		panic("store: NextID called before Initialize")
	}
	return a.seed.Inc()
}

// Seed returns the last id handed out, or the initial seed if none was.
func (a *Allocator) Seed() int64 {
	return a.seed.Load()
}
