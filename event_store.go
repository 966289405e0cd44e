package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
	"nostr-timeline/internal/util"
)

// EventStore is the two-tier in-memory event cache: a bounded per-event
// map keyed by id, and a replaceable-event map keyed by coordinate where
// only the newest version survives. Misses are backfilled from relays
// through a batched, singleflight-deduplicated loader.
type EventStore struct {
	mu           sync.RWMutex
	events       map[string]*types.Event
	order        []string // insertion order for eviction
	byCoordinate map[string]*types.Event
	maxEvents    int

	pool         *RelayPool
	relays       func() []string
	loader       *Batcher[*types.Event]
	fetchGroup   singleflight.Group
	fetchTimeout time.Duration
}

// NewEventStore creates an event store backed by the given pool. relays
// supplies the relay set used for miss backfill.
func NewEventStore(pool *RelayPool, relays func() []string, maxEvents int, batchWindow time.Duration, maxBatch int, fetchTimeout time.Duration) *EventStore {
	s := &EventStore{
		events:       make(map[string]*types.Event),
		byCoordinate: make(map[string]*types.Event),
		maxEvents:    maxEvents,
		pool:         pool,
		relays:       relays,
		fetchTimeout: fetchTimeout,
	}
	s.loader = NewBatcher("events", s.fetchByIDs, batchWindow, maxBatch)
	return s
}

// Put caches an event. Replaceable kinds additionally update the
// coordinate tier, overwrite-by-newer only.
func (s *EventStore) Put(evt types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[evt.ID]; !exists {
		s.events[evt.ID] = &evt
		s.order = append(s.order, evt.ID)
		s.evictLocked()
	}

	if nostr.IsReplaceable(evt.Kind) {
		coord := nostr.Coordinate(&evt)
		current, ok := s.byCoordinate[coord]
		if !ok || evt.CreatedAt > current.CreatedAt {
			s.byCoordinate[coord] = &evt
		}
	}
}

// evictLocked drops the oldest inserted events above capacity
func (s *EventStore) evictLocked() {
	for len(s.events) > s.maxEvents && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.events, oldest)
	}
}

// Get returns a cached event by id
func (s *EventStore) Get(id string) (*types.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	return evt, ok
}

// GetByCoordinate returns the newest cached version of a replaceable event
func (s *EventStore) GetByCoordinate(coord string) (*types.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.byCoordinate[coord]
	return evt, ok
}

// Load resolves events by id, serving from cache and backfilling misses
// from relays in one batched query. Unresolvable ids are absent from the
// result; the call itself never fails on partial data.
func (s *EventStore) Load(ctx context.Context, ids []string) map[string]*types.Event {
	result := make(map[string]*types.Event, len(ids))
	var missing []string

	s.mu.RLock()
	for _, id := range ids {
		if evt, ok := s.events[id]; ok {
			result[id] = evt
		} else {
			missing = append(missing, id)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		IncrementCacheHit()
		return result
	}
	IncrementCacheMiss()

	fetched := s.loader.GetMultiple(missing)
	for id, evt := range fetched {
		if evt != nil {
			result[id] = evt
		}
	}
	return result
}

// fetchByIDs is the loader's batch function: one relay query for the whole
// id set. Concurrent identical batches share a single flight.
func (s *EventStore) fetchByIDs(ids []string) map[string]*types.Event {
	key := strings.Join(util.SortedCopy(ids), ",")

	v, _, _ := s.fetchGroup.Do(key, func() (interface{}, error) {
		filter := types.Filter{
			IDs:   ids,
			Limit: len(ids),
		}
		events, _ := s.pool.FetchEvents(context.Background(), s.relays(), filter, s.fetchTimeout)

		found := make(map[string]*types.Event, len(events))
		for i := range events {
			s.Put(events[i])
			found[events[i].ID] = &events[i]
		}
		return found, nil
	})

	return v.(map[string]*types.Event)
}

// Len returns the number of cached events
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Clear empties both cache tiers
func (s *EventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]*types.Event)
	s.order = nil
	s.byCoordinate = make(map[string]*types.Event)
}
