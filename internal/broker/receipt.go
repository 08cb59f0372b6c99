package broker

import (
	"context"
	"sync"
)

// Receipt tracks one accepted message until its outcome is final: committed,
// failed in processing, failed to persist, or cancelled by shutdown.
type Receipt struct {
	RoomID    string
	Seq       int64
	MessageID string

	done chan struct{}
	once sync.Once
	err  error
}

func newReceipt(roomID string, seq int64, messageID string) *Receipt {
	return &Receipt{
		RoomID:    roomID,
		Seq:       seq,
		MessageID: messageID,
		done:      make(chan struct{}),
	}
}

func (r *Receipt) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the outcome is known.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome, or nil while unresolved.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
