// Package routing maps inbound provider phone-number IDs to tenant routes.
//
// Every webhook delivery carries the receiving business number's
// phone_number_id; this package resolves it to the owning tenant and channel
// so the rest of the pipeline can operate in tenant scope. Lookups hit the
// database through a pluggable resolver function and are memoized in a small
// in-memory TTL cache, since the same handful of numbers dominates webhook
// traffic.
//
// Notes:
//   - The cache is process-local. Invalidate must be called after channel
//     or tenant mutations so stale routes do not outlive the TTL.
//   - Misses (unknown or inactive numbers) are cached too, which keeps
//     repeated junk deliveries from reaching the database.
package routing

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// Route is a resolved webhook destination: the channel that owns the
// provider phone number and its tenant.
type Route struct {
	Tenant  *domain.Tenant
	Channel *domain.TenantChannel
}

// LookupFunc fetches the channel (with its tenant preloaded) for a provider
// phone-number ID. It returns (nil, nil) when no active route exists.
type LookupFunc func(ctx context.Context, phoneNumberID string) (*domain.TenantChannel, error)

// entry is a cached lookup result. route is nil for cached misses.
type entry struct {
	route     *Route
	expiresAt time.Time
}

// Resolver memoizes phone-number-ID lookups with a TTL.
//
// Entries are created on demand and stored in a map guarded by a mutex.
// Expired entries are evicted opportunistically during lookups, and the map
// is hard-capped so junk phone-number IDs cannot grow it without bound.
//
// This type is safe for concurrent use.
type Resolver struct {
	lookup LookupFunc
	ttl    time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time // test seam
}

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxEntries = 4096
)

// NewResolver constructs a Resolver around lookup.
//
//   - ttl: how long a resolved (or missed) route stays cached; values <= 0
//     are coerced to the 5-minute default.
//   - Capacity is fixed at defaultMaxEntries; when full after eviction of
//     expired entries, new results are served but not cached.
func NewResolver(lookup LookupFunc, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Resolver{
		lookup:  lookup,
		ttl:     ttl,
		max:     defaultMaxEntries,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Resolve returns the tenant route for phoneNumberID, consulting the cache
// first. A nil Route with a nil error means no active route exists; callers
// are expected to drop the delivery silently.
func (r *Resolver) Resolve(ctx context.Context, phoneNumberID string) (*Route, error) {
	if phoneNumberID == "" {
		return nil, nil
	}
	now := r.now()

	r.mu.Lock()
	if e, ok := r.entries[phoneNumberID]; ok && now.Before(e.expiresAt) {
		rt := e.route
		r.mu.Unlock()
		return rt, nil
	}
	r.mu.Unlock()

	ch, err := r.lookup(ctx, phoneNumberID)
	if err != nil {
		// Errors are not cached; the next delivery retries the lookup.
		return nil, err
	}

	var rt *Route
	if ch != nil {
		rt = &Route{Tenant: &ch.Tenant, Channel: ch}
	}

	r.mu.Lock()
	r.store(phoneNumberID, rt, now)
	r.mu.Unlock()
	return rt, nil
}

// Invalidate drops the cached route for phoneNumberID, if any. Call it after
// updating or deactivating a channel so the change takes effect before the
// TTL elapses.
func (r *Resolver) Invalidate(phoneNumberID string) {
	r.mu.Lock()
	delete(r.entries, phoneNumberID)
	r.mu.Unlock()
}

// store inserts a result, evicting expired entries first when at capacity.
// Caller must hold r.mu.
func (r *Resolver) store(key string, rt *Route, now time.Time) {
	if len(r.entries) >= r.max {
		for k, e := range r.entries {
			if !now.Before(e.expiresAt) {
				delete(r.entries, k)
			}
		}
		if len(r.entries) >= r.max {
			return // still full of live entries; serve uncached
		}
	}
	r.entries[key] = &entry{route: rt, expiresAt: now.Add(r.ttl)}
}
