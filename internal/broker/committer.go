package broker

import (
	"context"
	"sync"

	"github.com/dyluth/warren/pkg/casstore"
)

// roomCommitter persists commit batches to the room's log record. It caches the
// last written content and version so the common case is a single CAS write;
// concurrent writers to the same key are reconciled by the append-log merge.
type roomCommitter struct {
	store *casstore.Store
	key   string

	mu      sync.Mutex
	loaded  bool
	version string
	content []casstore.Item
}

func newRoomCommitter(store *casstore.Store, roomID string) *roomCommitter {
	return &roomCommitter{store: store, key: casstore.RoomKey(roomID)}
}

func (c *roomCommitter) commit(ctx context.Context, items []casstore.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		rec, err := c.store.Read(ctx, c.key)
		switch {
		case casstore.IsNotFound(err):
			c.version, c.content = "", nil
		case err != nil:
			return err
		default:
			c.version, c.content = rec.Version, rec.Content
		}
		c.loaded = true
	}

	// A replayed message ID keeps its first result.
	next := casstore.AppendLog.Merge(c.content, items)

	res, err := c.store.WriteCAS(ctx, c.key, next, c.version, casstore.AppendLog)
	if err != nil {
		// The cache may be behind another writer; reload on the next batch.
		c.loaded = false
		return err
	}
	c.version, c.content = res.Version, res.Content
	return nil
}
