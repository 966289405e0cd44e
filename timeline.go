package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
	"nostr-timeline/internal/util"
)

// TimelineRequest pairs a relay set with a filter: one logical timeline
// constituent (e.g. the "following" feed on the user's read relays).
type TimelineRequest struct {
	Relays []string
	Filter types.Filter
}

// TimelineCallbacks receives the merged timeline stream.
type TimelineCallbacks struct {
	// OnEvents delivers the merged page. eosed=false marks a cached
	// fast-first-paint emission; eosed=true fires exactly once, when the
	// EOSE threshold across constituents is reached.
	OnEvents func(events []types.Event, eosed bool)
	// OnNew delivers individual live events arriving after the merged
	// page was emitted.
	OnNew func(evt types.Event)
	// OnClose fires once every constituent has closed, with all
	// collected close reasons.
	OnClose func(reasons []string)
}

// SubscribeOptions tunes a timeline subscription.
type SubscribeOptions struct {
	Limit     int
	SkipCache bool
}

// TimelineHandle cancels a timeline subscription. Close is idempotent and
// safe after the subscription has completed.
type TimelineHandle struct {
	Key     string
	cancel  context.CancelFunc
	closers []*GroupCloser
	once    sync.Once
}

// Close cancels all constituent subscriptions
func (h *TimelineHandle) Close() {
	h.once.Do(func() {
		h.cancel()
		for _, c := range h.closers {
			c.Close()
		}
	})
}

// GenerateTimelineKey derives the deterministic cache key for a
// (relay set, filter) pair. The key is stable under reordering of the
// URL array and of any array-valued filter field.
func GenerateTimelineKey(urls []string, filter types.Filter) string {
	var sb strings.Builder
	sb.WriteString("relays:")
	sb.WriteString(strings.Join(util.SortedCopy(urls), ","))
	sb.WriteString("|filter:")
	sb.WriteString(nostr.CanonicalFilterJSON(filter))

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:16])
}

// mergedTimelineKey combines constituent keys into the key of the merged
// timeline. A single-request timeline keeps its constituent key.
func mergedTimelineKey(keys []string) string {
	if len(keys) == 1 {
		return keys[0]
	}
	joined := strings.Join(util.SortedCopy(keys), "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:16])
}

// TimelineService orchestrates multi-relay timeline subscriptions: it
// merges and deduplicates constituent streams, applies the partial
// completion threshold, caches ref indexes per timeline key, and serves
// pagination from the event store.
type TimelineService struct {
	pool  *RelayPool
	store *EventStore

	mu       sync.RWMutex
	refs     map[string][]types.TimelineRef
	requests map[string][]TimelineRequest

	defaultLimit int
	fetchTimeout time.Duration
}

// NewTimelineService creates a timeline service on top of the pool and store
func NewTimelineService(pool *RelayPool, store *EventStore, defaultLimit int, fetchTimeout time.Duration) *TimelineService {
	return &TimelineService{
		pool:         pool,
		store:        store,
		refs:         make(map[string][]types.TimelineRef),
		requests:     make(map[string][]TimelineRequest),
		defaultLimit: defaultLimit,
		fetchTimeout: fetchTimeout,
	}
}

// Refs returns a copy of the cached ref index for a timeline key
func (s *TimelineService) Refs(key string) []types.TimelineRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.refs[key]
	if refs == nil {
		return nil
	}
	out := make([]types.TimelineRef, len(refs))
	copy(out, refs)
	return out
}

func (s *TimelineService) storeRefs(key string, refs []types.TimelineRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[key] = refs
}

// mergeRefs unions new refs into the cached index, keeping descending
// created_at order. Pagination extends an index beyond the live limit.
func (s *TimelineService) mergeRefs(key string, newRefs []types.TimelineRef) {
	if len(newRefs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.refs[key]
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.ID] = struct{}{}
	}
	merged := existing
	for _, r := range newRefs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		merged = append(merged, r)
	}
	sortRefsDesc(merged)
	s.refs[key] = merged
}

func sortRefsDesc(refs []types.TimelineRef) {
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && lessRefDesc(refs[j], refs[j-1]); j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}

func lessRefDesc(a, b types.TimelineRef) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

func refsOf(events []types.Event) []types.TimelineRef {
	refs := make([]types.TimelineRef, len(events))
	for i, evt := range events {
		refs[i] = types.TimelineRef{ID: evt.ID, CreatedAt: evt.CreatedAt}
	}
	return refs
}

// cachedEvents resolves refs against the event store only; no network.
func (s *TimelineService) cachedEvents(refs []types.TimelineRef) []types.Event {
	events := make([]types.Event, 0, len(refs))
	for _, ref := range refs {
		if evt, ok := s.store.Get(ref.ID); ok {
			events = append(events, *evt)
		}
	}
	return events
}

// constituentState tracks one constituent timeline's own event set so its
// ref index can be re-derived on EOSE.
type constituentState struct {
	key    string
	limit  int
	mu     sync.Mutex
	events []types.Event
}

func (c *constituentState) add(evt types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *constituentState) snapshotRefs() []types.TimelineRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	sortEventsDesc(c.events)
	if c.limit > 0 && len(c.events) > c.limit {
		c.events = c.events[:c.limit]
	}
	return refsOf(c.events)
}

// timelineMerge is the shared state of one multi-constituent subscription.
type timelineMerge struct {
	svc       *TimelineService
	cb        TimelineCallbacks
	mergedKey string
	limit     int

	mu         sync.Mutex
	ids        map[string]struct{}
	newIDs     map[string]struct{}
	events     []types.Event
	accounted  map[*constituentState]struct{}
	eosedCount int
	active     int // constituents that can still EOSE
	threshold  int
	emitted    bool
	closed     int
	total      int
	reasons    []string
}

func (m *timelineMerge) preparePageLocked() []types.Event {
	sortEventsDesc(m.events)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[:m.limit]
	}
	page := make([]types.Event, len(m.events))
	copy(page, m.events)
	return page
}

func (m *timelineMerge) emitPage(page []types.Event) {
	m.svc.mergeRefs(m.mergedKey, refsOf(page))
	timelinesEmittedTotal.Add(1)
	if m.cb.OnEvents != nil {
		m.cb.OnEvents(page, true)
	}
}

func (m *timelineMerge) addEvent(c *constituentState, evt types.Event) {
	c.add(evt)

	m.mu.Lock()
	if !m.emitted {
		if _, dup := m.ids[evt.ID]; !dup {
			m.ids[evt.ID] = struct{}{}
			m.events = append(m.events, evt)
		}
		m.mu.Unlock()
		return
	}

	// Live phase: events after the merged emission are surfaced
	// individually, deduplicated against both the batch and prior
	// live deliveries.
	if _, dup := m.ids[evt.ID]; dup {
		m.mu.Unlock()
		return
	}
	if _, dup := m.newIDs[evt.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.newIDs[evt.ID] = struct{}{}
	m.mu.Unlock()

	m.svc.mergeRefs(m.mergedKey, []types.TimelineRef{{ID: evt.ID, CreatedAt: evt.CreatedAt}})
	if m.cb.OnNew != nil {
		m.cb.OnNew(evt)
	}
}

func (m *timelineMerge) constituentEosed(c *constituentState) {
	// Re-derive the constituent's own ref index on every EOSE
	m.svc.storeRefs(c.key, c.snapshotRefs())

	m.mu.Lock()
	if _, dup := m.accounted[c]; dup {
		m.mu.Unlock()
		return
	}
	m.accounted[c] = struct{}{}
	m.eosedCount++
	fire := !m.emitted && m.eosedCount >= m.threshold
	var page []types.Event
	if fire {
		m.emitted = true
		page = m.preparePageLocked()
	}
	m.mu.Unlock()

	if fire {
		m.emitPage(page)
	}
}

// constituentClosed handles a constituent whose every relay has closed.
// One that dies before its EOSE drops out of the threshold instead of
// counting toward it, mirroring the per-relay accounting inside a group.
func (m *timelineMerge) constituentClosed(c *constituentState, reasons []string) {
	m.mu.Lock()
	fire := false
	var page []types.Event
	if _, dup := m.accounted[c]; !dup {
		m.accounted[c] = struct{}{}
		m.active--
		if m.active > 0 {
			m.threshold = groupThreshold(m.active)
			fire = !m.emitted && m.eosedCount >= m.threshold
			if fire {
				m.emitted = true
				page = m.preparePageLocked()
			}
		}
	}
	m.closed++
	m.reasons = append(m.reasons, reasons...)
	all := m.closed == m.total
	collected := m.reasons
	m.mu.Unlock()

	if fire {
		m.emitPage(page)
	}
	if all && m.cb.OnClose != nil {
		m.cb.OnClose(collected)
	}
}

// SubscribeTimeline opens one subscription per request and merges them
// into a single deduplicated, sorted, limit-truncated stream. When a
// cached ref index exists for a constituent, the cached page is emitted
// immediately (eosed=false) and the live filter is narrowed to
// since = newestCached+1 so only the gap is re-fetched.
func (s *TimelineService) SubscribeTimeline(requests []TimelineRequest, cb TimelineCallbacks, opts SubscribeOptions) (*TimelineHandle, string) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := len(requests)
	keys := make([]string, n)
	liveFilters := make([]types.Filter, n)
	constituents := make([]*constituentState, n)
	var cached []types.Event
	cachedIDs := make(map[string]struct{})

	for i, req := range requests {
		key := GenerateTimelineKey(req.Relays, req.Filter)
		keys[i] = key

		liveFilter := req.Filter
		if liveFilter.Limit <= 0 {
			liveFilter.Limit = limit
		}

		c := &constituentState{key: key, limit: limit}

		if !opts.SkipCache {
			if refs := s.Refs(key); len(refs) > 0 {
				evts := s.cachedEvents(refs)
				if len(evts) > 0 {
					c.mu.Lock()
					c.events = append(c.events, evts...)
					c.mu.Unlock()

					for _, evt := range evts {
						if _, dup := cachedIDs[evt.ID]; !dup {
							cachedIDs[evt.ID] = struct{}{}
							cached = append(cached, evt)
						}
					}

					// Incremental catch-up instead of re-fetching everything
					since := evts[0].CreatedAt + 1
					if liveFilter.Since == nil || *liveFilter.Since < since {
						liveFilter.Since = &since
					}
				}
			}
		}

		liveFilters[i] = liveFilter
		constituents[i] = c
	}

	mergedKey := mergedTimelineKey(keys)

	s.mu.Lock()
	s.requests[mergedKey] = requests
	s.mu.Unlock()

	m := &timelineMerge{
		svc:       s,
		cb:        cb,
		mergedKey: mergedKey,
		limit:     limit,
		ids:       make(map[string]struct{}, len(cached)),
		newIDs:    make(map[string]struct{}),
		accounted: make(map[*constituentState]struct{}),
		active:    n,
		threshold: groupThreshold(n),
		total:     n,
	}

	if len(cached) > 0 {
		sortEventsDesc(cached)
		if len(cached) > limit {
			cached = cached[:limit]
		}
		for _, evt := range cached {
			m.ids[evt.ID] = struct{}{}
		}
		m.events = append(m.events, cached...)

		if cb.OnEvents != nil {
			page := make([]types.Event, len(cached))
			copy(page, cached)
			cb.OnEvents(page, false)
		}
	}

	handle := &TimelineHandle{Key: mergedKey, cancel: cancel}

	for i := range requests {
		c := constituents[i]
		closer := s.pool.SubscribeGroup(ctx, requests[i].Relays, liveFilters[i], GroupHandlers{
			OnEvent: func(evt types.Event, relayURL string) {
				s.store.Put(evt)
				m.addEvent(c, evt)
			},
			OnEoseAll: func(eosed bool) {
				m.constituentEosed(c)
			},
			OnAllClosed: func(reasons []string) {
				m.constituentClosed(c, reasons)
			},
		})
		handle.closers = append(handle.closers, closer)
	}

	slog.Debug("timeline: subscribed",
		"key", mergedKey,
		"constituents", n,
		"cached", len(cached),
		"limit", limit)

	return handle, mergedKey
}

// LoadMoreTimeline pages backwards through a timeline: refs older than
// until are resolved through the event store, and relays are re-queried
// only when the cached ref index cannot fill the page.
func (s *TimelineService) LoadMoreTimeline(ctx context.Context, key string, until int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}

	refs := s.Refs(key)
	s.mu.RLock()
	requests := s.requests[key]
	s.mu.RUnlock()

	if refs == nil && requests == nil {
		return nil, fmt.Errorf("unknown timeline key %s", key)
	}

	var pageRefs []types.TimelineRef
	for _, ref := range refs {
		if ref.CreatedAt < until {
			pageRefs = append(pageRefs, ref)
			if len(pageRefs) == limit {
				break
			}
		}
	}

	ids := make([]string, len(pageRefs))
	for i, ref := range pageRefs {
		ids[i] = ref.ID
	}
	loaded := s.store.Load(ctx, ids)

	events := make([]types.Event, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, ref := range pageRefs {
		if evt, ok := loaded[ref.ID]; ok {
			events = append(events, *evt)
			seen[evt.ID] = struct{}{}
		}
	}

	if len(events) >= limit || requests == nil {
		return events, nil
	}

	// Ref cache insufficient: fall through to a relay re-query.
	upper := until - 1
	for _, req := range requests {
		f := req.Filter
		f.Until = &upper
		f.Limit = limit

		fetched, _ := s.pool.FetchEvents(ctx, req.Relays, f, s.fetchTimeout)
		for _, evt := range fetched {
			if evt.CreatedAt >= until {
				continue
			}
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			s.store.Put(evt)
			events = append(events, evt)
		}
	}

	sortEventsDesc(events)
	events = util.LimitSlice(events, limit)

	s.mergeRefs(key, refsOf(events))
	return events, nil
}

// FetchTimelinePage is the synchronous convenience used by the HTTP
// surface: subscribe, wait for the threshold emission (or the context
// deadline, returning whatever merged so far), then close.
func (s *TimelineService) FetchTimelinePage(ctx context.Context, requests []TimelineRequest, limit int) ([]types.Event, string, error) {
	var (
		mu     sync.Mutex
		latest []types.Event
	)
	done := make(chan struct{})
	failed := make(chan struct{})
	var doneOnce, failOnce sync.Once
	var closeReasons []string

	cb := TimelineCallbacks{
		OnEvents: func(events []types.Event, eosed bool) {
			mu.Lock()
			latest = events
			mu.Unlock()
			if eosed {
				doneOnce.Do(func() { close(done) })
			}
		},
		OnClose: func(reasons []string) {
			mu.Lock()
			closeReasons = reasons
			mu.Unlock()
			failOnce.Do(func() { close(failed) })
		},
	}

	handle, key := s.SubscribeTimeline(requests, cb, SubscribeOptions{Limit: limit})
	defer handle.Close()

	select {
	case <-done:
	case <-failed:
		mu.Lock()
		events := latest
		reasons := closeReasons
		mu.Unlock()
		if len(events) == 0 {
			return nil, key, fmt.Errorf("all relays failed: %s", strings.Join(reasons, "; "))
		}
		return events, key, nil
	case <-ctx.Done():
		// Degrade gracefully: return what arrived before the deadline
	}

	mu.Lock()
	events := latest
	mu.Unlock()
	return events, key, nil
}
