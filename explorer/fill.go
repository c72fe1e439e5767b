package explorer

import (
	"context"
	"sync"
	"time"

	"github.com/tarancss/ledgerfeed/lib/cache"
)

// fill is a read-through in progress on one key. epoch counts the invalidations seen since the first reader started.
type fill struct {
	readers int
	epoch   uint64
}

// fills keeps the cache from storing a value read upstream before an event invalidated its key. Only keys with a
// read in flight are tracked.
type fills struct {
	c *cache.Guarded

	l sync.Mutex
	m map[string]*fill
}

func newFills(c *cache.Guarded) *fills {
	return &fills{c: c, m: make(map[string]*fill)}
}

// begin registers a read of key and returns the epoch to hand back to end.
func (f *fills) begin(key string) uint64 {
	f.l.Lock()
	defer f.l.Unlock()

	r, ok := f.m[key]
	if !ok {
		r = &fill{}
		f.m[key] = r
	}

	r.readers++

	return r.epoch
}

// end stores value unless key was invalidated after begin returned epoch. It reports whether value was stored.
func (f *fills) end(ctx context.Context, key string, epoch uint64, value []byte, ttl time.Duration) bool {
	f.l.Lock()
	defer f.l.Unlock()

	r := f.m[key]

	if r.readers--; r.readers == 0 {
		delete(f.m, key)
	}

	if value == nil || r.epoch != epoch {
		return false
	}

	// held across the write so an invalidation cannot slip in between the check and the put
	f.c.Put(ctx, key, value, ttl)

	return true
}

// invalidate drops key from the cache and voids the reads of key in flight.
func (f *fills) invalidate(ctx context.Context, key string) {
	f.l.Lock()
	if r, ok := f.m[key]; ok {
		r.epoch++
	}
	f.l.Unlock()

	f.c.Invalidate(ctx, key)
}
