package main

import (
	"sort"
	"sync"
)

// SeenOnIndex tracks which relays delivered which event. It grows
// monotonically and is only emptied by an explicit Clear. The index backs
// relay-quality hints: a relay known to carry an event is the best place
// to re-fetch it from.
type SeenOnIndex struct {
	mu     sync.RWMutex
	relays map[string]map[string]struct{}
}

// NewSeenOnIndex creates an empty index
func NewSeenOnIndex() *SeenOnIndex {
	return &SeenOnIndex{
		relays: make(map[string]map[string]struct{}),
	}
}

// Add records that relayURL delivered eventID
func (s *SeenOnIndex) Add(eventID, relayURL string) {
	if eventID == "" || relayURL == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.relays[eventID]
	if !ok {
		set = make(map[string]struct{})
		s.relays[eventID] = set
	}
	set[relayURL] = struct{}{}
}

// Hints returns the relay URLs known to carry the event, sorted for
// deterministic output. Returns nil for unknown events.
func (s *SeenOnIndex) Hints(eventID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.relays[eventID]
	if !ok {
		return nil
	}

	hints := make([]string, 0, len(set))
	for relay := range set {
		hints = append(hints, relay)
	}
	sort.Strings(hints)
	return hints
}

// Len returns the number of tracked events
func (s *SeenOnIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relays)
}

// Clear drops the whole index
func (s *SeenOnIndex) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays = make(map[string]map[string]struct{})
}
