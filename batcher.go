package main

import (
	"log/slog"
	"sync"
	"time"
)

// Batcher collects key lookups over a time window and executes them in one
// batched fetch. Overlapping (not just identical) concurrent requests are
// merged: requests for [a,b,c], [a,d] and [b,e] within one window become a
// single fetch for [a,b,c,d,e].
type Batcher[V any] struct {
	name     string
	batchFn  func(keys []string) map[string]V
	window   time.Duration
	maxBatch int

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	inflight map[string]*inflightBatch[V]
	primed   map[string]V
	timer    *time.Timer
	timerSet bool
}

// batchWaiter represents a caller waiting for results
type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

// inflightBatch is a batch whose fetch is currently executing. Lookups
// for its keys arriving mid-execution join it instead of scheduling a
// second fetch. results is written before done closes.
type inflightBatch[V any] struct {
	done    chan struct{}
	results map[string]V
}

// NewBatcher creates a batcher. window is the coalescing delay before a
// batch executes; maxBatch (0 = unlimited) flushes early when the pending
// key set grows that large.
func NewBatcher[V any](name string, batchFn func(keys []string) map[string]V, window time.Duration, maxBatch int) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		batchFn:  batchFn,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(map[string][]*batchWaiter[V]),
		inflight: make(map[string]*inflightBatch[V]),
		primed:   make(map[string]V),
	}
}

// Get fetches a single value, batching with other concurrent requests.
func (b *Batcher[V]) Get(key string) V {
	result := b.GetMultiple([]string{key})
	return result[key]
}

// GetMultiple fetches multiple values, batching with other concurrent
// requests. The result carries one entry per requested key; keys the
// batch fetch could not resolve map to the zero value.
func (b *Batcher[V]) GetMultiple(keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	result := make(map[string]V, len(keys))

	b.mu.Lock()

	// Primed values short-circuit, and keys whose fetch is already
	// executing join that flight: no duplicate network work either way.
	var missing []string
	joined := make(map[string]*inflightBatch[V])
	for _, key := range keys {
		if val, ok := b.primed[key]; ok {
			result[key] = val
		} else if flight, ok := b.inflight[key]; ok {
			joined[key] = flight
		} else {
			missing = append(missing, key)
		}
	}

	var waiter *batchWaiter[V]
	if len(missing) > 0 {
		waiter = &batchWaiter[V]{
			keys:   missing,
			result: make(chan map[string]V, 1),
		}

		for _, key := range missing {
			b.pending[key] = append(b.pending[key], waiter)
		}

		if !b.timerSet {
			b.timerSet = true
			b.timer = time.AfterFunc(b.window, b.executeBatch)
		}
	}

	if waiter != nil && b.maxBatch > 0 && len(b.pending) >= b.maxBatch {
		b.timer.Stop()
		b.mu.Unlock()
		b.executeBatch()
	} else {
		b.mu.Unlock()
	}

	for key, flight := range joined {
		<-flight.done
		if val, ok := flight.results[key]; ok {
			result[key] = val
		} else {
			var zero V
			result[key] = zero
		}
	}

	if waiter != nil {
		fetched := <-waiter.result
		for k, v := range fetched {
			result[k] = v
		}
	}
	return result
}

// Prime seeds the batcher with an already-known value (e.g. an event that
// arrived over a live subscription) so a later Get short-circuits.
func (b *Batcher[V]) Prime(key string, value V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primed[key] = value
}

// Clear drops a primed value. In-flight batches are unaffected.
func (b *Batcher[V]) Clear(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.primed, key)
}

// ClearAll drops all primed values. In-flight batches are unaffected.
func (b *Batcher[V]) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primed = make(map[string]V)
}

// Flush forces the pending batch to execute immediately
func (b *Batcher[V]) Flush() {
	b.mu.Lock()
	if b.timerSet {
		b.timer.Stop()
	}
	b.mu.Unlock()
	b.executeBatch()
}

// executeBatch runs the batch function and distributes results to waiters.
// The batch's keys stay registered as in-flight for the duration of the
// fetch so lookups arriving mid-execution share its result.
func (b *Batcher[V]) executeBatch() {
	b.mu.Lock()

	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	flight := &inflightBatch[V]{done: make(chan struct{})}
	for _, key := range keys {
		b.inflight[key] = flight
	}

	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false

	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher: executing batch",
		"name", b.name,
		"keys", len(keys),
		"waiters", len(waiterSet))
	batchFlushesTotal.Add(1)
	batchedKeysTotal.Add(int64(len(keys)))

	results := b.batchFn(keys)

	b.mu.Lock()
	for _, key := range keys {
		if b.inflight[key] == flight {
			delete(b.inflight, key)
		}
	}
	b.mu.Unlock()

	flight.results = results
	close(flight.done)

	// Each waiter receives exactly one entry per key it asked for;
	// unresolved keys get the zero value, never an absent entry.
	for waiter := range waiterSet {
		waiterResult := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				waiterResult[key] = val
			} else {
				var zero V
				waiterResult[key] = zero
			}
		}
		waiter.result <- waiterResult
	}
}

// Stats returns current batcher statistics
func (b *Batcher[V]) Stats() (pendingKeys int, pendingWaiters int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	return len(b.pending), len(waiterSet)
}
