package commit

import (
	"context"
	"sync"
)

// Ack is the handle returned by Add. It resolves once the batch holding the item
// has been committed or has failed.
type Ack struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func (a *Ack) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed when the ack resolves.
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err returns the commit outcome, or nil while the ack is unresolved.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the ack resolves or ctx ends.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
