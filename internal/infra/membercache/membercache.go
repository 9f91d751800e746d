// Package membercache is an in-memory read-through cache in front of the
// external member store. The dispatcher loads one target profile per send
// through GetMember; GetMembersBatch has no caller in this repository.
// Member data is explicitly not required to be durable (spec.md §5,
// Durability), so unlike the fingerprint/quarantine/message stores this
// cache is stdlib-only: an RWMutex-guarded map, the same shape the teacher
// uses for its (durable) peer cache, minus the bbolt layer.
package membercache

import (
	"context"
	"sync"
	"time"

	"tgfleet/internal/domain/telegramclient"
	"tgfleet/internal/infra/clock"
)

// entry pairs a cached member with the time it was fetched, so stale
// entries can be evicted without a background sweeper.
type entry struct {
	member   telegramclient.Member
	cachedAt time.Time
}

// Source is the external, out-of-scope member store this cache sits in
// front of.
type Source interface {
	GetMember(ctx context.Context, targetID string) (telegramclient.Member, error)
	GetMembersBatch(ctx context.Context, targetIDs []string) ([]telegramclient.Member, error)
}

// Cache wraps a Source with an in-memory TTL cache, implementing
// telegramclient.MemberStore itself so it can be dropped in wherever the
// dispatcher expects one.
type Cache struct {
	source Source
	clk    clock.Clock
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]entry
}

// New wraps source with a cache whose entries are considered fresh for
// ttl. A zero ttl disables expiry (entries never go stale until evicted
// by Invalidate).
func New(source Source, clk clock.Clock, ttl time.Duration) *Cache {
	if clk == nil {
		clk = clock.Real
	}
	return &Cache{source: source, clk: clk, ttl: ttl, entries: make(map[string]entry)}
}

// GetMember returns targetID's profile from cache if fresh, otherwise
// fetches, caches, and returns it. Implements telegramclient.MemberStore.
func (c *Cache) GetMember(ctx context.Context, targetID string) (telegramclient.Member, error) {
	if m, ok := c.lookup(targetID); ok {
		return m, nil
	}
	m, err := c.source.GetMember(ctx, targetID)
	if err != nil {
		return telegramclient.Member{}, err
	}
	c.store(targetID, m)
	return m, nil
}

// GetMembersBatch resolves every id from cache where fresh and fetches the
// remainder from the source in one batch call, preserving the requested
// order. Implements telegramclient.MemberStore.
func (c *Cache) GetMembersBatch(ctx context.Context, targetIDs []string) ([]telegramclient.Member, error) {
	out := make([]telegramclient.Member, len(targetIDs))
	var missIdx []int
	var missIDs []string

	for i, id := range targetIDs {
		if m, ok := c.lookup(id); ok {
			out[i] = m
			continue
		}
		missIdx = append(missIdx, i)
		missIDs = append(missIDs, id)
	}
	if len(missIDs) == 0 {
		return out, nil
	}

	fetched, err := c.source.GetMembersBatch(ctx, missIDs)
	if err != nil {
		return nil, err
	}
	for j, m := range fetched {
		if j >= len(missIdx) {
			break
		}
		out[missIdx[j]] = m
		c.store(missIDs[j], m)
	}
	return out, nil
}

// Invalidate drops targetID's cached entry, if any, forcing the next
// lookup to re-fetch. Used when a send outcome reveals a stale profile
// (e.g. the member deactivated their account).
func (c *Cache) Invalidate(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, targetID)
}

func (c *Cache) lookup(targetID string) (telegramclient.Member, bool) {
	c.mu.RLock()
	e, ok := c.entries[targetID]
	c.mu.RUnlock()
	if !ok {
		return telegramclient.Member{}, false
	}
	if c.ttl > 0 && c.clk.Now().Sub(e.cachedAt) >= c.ttl {
		return telegramclient.Member{}, false
	}
	return e.member, true
}

func (c *Cache) store(targetID string, m telegramclient.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[targetID] = entry{member: m, cachedAt: c.clk.Now()}
}
