package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nostr-timeline/internal/cache"
	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
	"nostr-timeline/internal/util"
)

// ProfileService resolves kind 0 profile metadata. Concurrent lookups are
// coalesced through the batch loader into a single REQ with all pubkeys in
// the authors field, and results are cached with positive and negative
// TTLs so repeat lookups skip the relays entirely.
type ProfileService struct {
	pool    *RelayPool
	backend cache.Backend
	cfg     cache.Config
	relays  func() []string
	timeout time.Duration

	batcher *Batcher[*types.ProfileData]

	mu    sync.Mutex
	known map[string]struct{}
}

// NewProfileService creates a profile service backed by the pool and cache
func NewProfileService(pool *RelayPool, backend cache.Backend, cfg cache.Config, relays func() []string, batchWindow time.Duration, maxBatch int, timeout time.Duration) *ProfileService {
	s := &ProfileService{
		pool:    pool,
		backend: backend,
		cfg:     cfg,
		relays:  relays,
		timeout: timeout,
		known:   make(map[string]struct{}),
	}
	s.batcher = NewBatcher("profiles", s.fetchBatch, batchWindow, maxBatch)
	return s
}

func profileCacheKey(pubkey string) string {
	return "profile:" + pubkey
}

// fetchBatch resolves one flushed batch of pubkeys with a single REQ.
// Every requested pubkey gets an entry; pubkeys with no kind 0 event on
// any relay resolve to an empty ProfileData.
func (s *ProfileService) fetchBatch(pubkeys []string) map[string]*types.ProfileData {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	filter := types.Filter{
		Kinds:   []int{nostr.KindProfile},
		Authors: pubkeys,
		Limit:   len(pubkeys),
	}

	events, _ := s.pool.FetchEvents(ctx, s.relays(), filter, s.timeout)

	// Keep only the newest kind 0 per author
	newest := make(map[string]types.Event, len(events))
	for _, evt := range events {
		if evt.Kind != nostr.KindProfile {
			continue
		}
		if cur, ok := newest[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
			newest[evt.PubKey] = evt
		}
	}

	results := make(map[string]*types.ProfileData, len(pubkeys))
	for _, pk := range pubkeys {
		evt, found := newest[pk]
		if !found {
			results[pk] = &types.ProfileData{}
			s.cacheProfile(pk, types.CachedProfile{NotFound: true, FetchedAt: time.Now().Unix()})
			continue
		}

		data := parseProfileEvent(evt)
		results[pk] = data
		s.cacheProfile(pk, types.CachedProfile{
			Event:     data.Event,
			Metadata:  data.Metadata,
			FetchedAt: time.Now().Unix(),
		})
	}

	s.mu.Lock()
	for _, pk := range pubkeys {
		s.known[pk] = struct{}{}
	}
	s.mu.Unlock()

	return results
}

// parseProfileEvent decodes the JSON content of a kind 0 event. Malformed
// content keeps the raw event and leaves Metadata nil.
func parseProfileEvent(evt types.Event) *types.ProfileData {
	data := &types.ProfileData{Event: &evt}

	var info types.ProfileInfo
	if err := json.Unmarshal([]byte(evt.Content), &info); err != nil {
		slog.Debug("profiles: malformed kind 0 content", "pubkey", nostr.ShortID(evt.PubKey), "err", err)
		return data
	}
	data.Metadata = &info
	return data
}

func (s *ProfileService) cacheProfile(pubkey string, cached types.CachedProfile) {
	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}
	ttl := s.cfg.ProfileTTL
	if cached.NotFound {
		ttl = s.cfg.ProfileNotFoundTTL
	}
	if err := s.backend.Set(context.Background(), profileCacheKey(pubkey), raw, ttl); err != nil {
		slog.Warn("profiles: cache write failed", "pubkey", nostr.ShortID(pubkey), "err", err)
	}
}

func (s *ProfileService) cachedProfile(ctx context.Context, pubkey string) (*types.ProfileData, bool) {
	raw, found, err := s.backend.Get(ctx, profileCacheKey(pubkey))
	if err != nil || !found {
		return nil, false
	}
	var cached types.CachedProfile
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	if cached.NotFound {
		return &types.ProfileData{}, true
	}
	return &types.ProfileData{Event: cached.Event, Metadata: cached.Metadata}, true
}

// FetchProfile returns profile data for a pubkey. Never returns an error:
// unknown or unreachable profiles yield an empty ProfileData.
func (s *ProfileService) FetchProfile(ctx context.Context, pubkey string, skipCache bool) *types.ProfileData {
	if !skipCache {
		if data, found := s.cachedProfile(ctx, pubkey); found {
			IncrementCacheHit()
			return data
		}
		IncrementCacheMiss()
	} else {
		s.batcher.Clear(pubkey)
	}

	data := s.batcher.Get(pubkey)
	if data == nil {
		return &types.ProfileData{}
	}
	return data
}

// FetchProfiles resolves many pubkeys at once. Cached entries are served
// directly; the rest go through the batcher as a single flush.
func (s *ProfileService) FetchProfiles(ctx context.Context, pubkeys []string) map[string]*types.ProfileData {
	results := make(map[string]*types.ProfileData, len(pubkeys))
	var missing []string
	for _, pk := range pubkeys {
		if data, found := s.cachedProfile(ctx, pk); found {
			IncrementCacheHit()
			results[pk] = data
			continue
		}
		IncrementCacheMiss()
		missing = append(missing, pk)
	}

	if len(missing) > 0 {
		for pk, data := range s.batcher.GetMultiple(missing) {
			if data == nil {
				data = &types.ProfileData{}
			}
			results[pk] = data
		}
	}
	return results
}

// PrimeFromEvent seeds the caches from a kind 0 event that arrived over
// another subscription, avoiding a redundant relay round trip.
func (s *ProfileService) PrimeFromEvent(evt types.Event) {
	if evt.Kind != nostr.KindProfile {
		return
	}

	if cached, found := s.cachedProfile(context.Background(), evt.PubKey); found && cached.Event != nil && cached.Event.CreatedAt >= evt.CreatedAt {
		return
	}

	data := parseProfileEvent(evt)
	s.batcher.Prime(evt.PubKey, data)
	s.cacheProfile(evt.PubKey, types.CachedProfile{
		Event:     data.Event,
		Metadata:  data.Metadata,
		FetchedAt: time.Now().Unix(),
	})

	s.mu.Lock()
	s.known[evt.PubKey] = struct{}{}
	s.mu.Unlock()
}

// InvalidateProfile drops one pubkey so the next lookup refetches
func (s *ProfileService) InvalidateProfile(pubkey string) {
	s.batcher.Clear(pubkey)
	if err := s.backend.Delete(context.Background(), profileCacheKey(pubkey)); err != nil {
		slog.Warn("profiles: cache delete failed", "pubkey", nostr.ShortID(pubkey), "err", err)
	}
}

// ClearCache drops all cached profiles
func (s *ProfileService) ClearCache() {
	s.batcher.ClearAll()

	s.mu.Lock()
	known := util.MapKeys(s.known)
	s.known = make(map[string]struct{})
	s.mu.Unlock()

	for _, pk := range known {
		if err := s.backend.Delete(context.Background(), profileCacheKey(pk)); err != nil {
			slog.Warn("profiles: cache delete failed", "pubkey", nostr.ShortID(pk), "err", err)
		}
	}
}
