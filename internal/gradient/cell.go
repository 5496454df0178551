package gradient

import (
	"context"
	"sync"
)

// cell is a single-assignment value awaited by many readers. The first set
// wins; later sets are ignored.
type cell[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newCell[T any]() *cell[T] {
	return &cell[T]{done: make(chan struct{})}
}

func (c *cell[T]) set(val T, err error) {
	c.once.Do(func() {
		c.val, c.err = val, err
		close(c.done)
	})
}

// wait blocks until the cell is set or ctx is done.
func (c *cell[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
