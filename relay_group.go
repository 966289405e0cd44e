package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
	"nostr-timeline/internal/util"
)

// GroupHandlers receives the merged stream of a multi-relay subscription.
// All callbacks are invoked from pool goroutines; handlers must be
// goroutine-safe. Any handler may be nil.
type GroupHandlers struct {
	// OnEvent delivers each event exactly once per group, regardless of
	// how many relays carried it.
	OnEvent func(evt types.Event, relayURL string)
	// OnEoseAll fires once, when the EOSE count reaches the majority
	// threshold floor(liveRelayCount/2). Relays that fail to connect or
	// die before their EOSE drop out of the threshold, so a dead relay
	// never blocks the signal and never substitutes for live data.
	OnEoseAll func(eosed bool)
	// OnClose reports each relay's terminal close with its reason.
	OnClose func(relayURL, reason string)
	// OnAllClosed fires once every relay in the group has closed,
	// with all collected close reasons.
	OnAllClosed func(reasons []string)
}

// GroupCloser cancels a group subscription. Safe to invoke multiple
// times and after the subscription has completed.
type GroupCloser struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Close cancels the group subscription
func (c *GroupCloser) Close() {
	c.once.Do(c.cancel)
}

type groupState struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	accounted map[string]bool // relays whose EOSE bookkeeping is settled
	eoseCount int
	eoseFired bool
	active    int // relays that can still EOSE
	threshold int
	closed    int
	total     int
	reasons   []string
	handlers  GroupHandlers
}

// groupThreshold is the majority threshold over n live relays, floored
// at 1 so the aggregate never fires before at least one real EOSE.
func groupThreshold(n int) int {
	t := n / 2
	if t < 1 {
		t = 1
	}
	return t
}

// markEose counts one relay's EOSE and fires the aggregate signal once
// the threshold is met.
func (g *groupState) markEose(relayURL string) {
	g.mu.Lock()
	if g.accounted[relayURL] {
		g.mu.Unlock()
		return
	}
	g.accounted[relayURL] = true
	g.eoseCount++
	fire := !g.eoseFired && g.eoseCount >= g.threshold
	if fire {
		g.eoseFired = true
	}
	g.mu.Unlock()

	if fire && g.handlers.OnEoseAll != nil {
		g.handlers.OnEoseAll(true)
	}
}

func (g *groupState) markClosed(relayURL, reason string) {
	g.mu.Lock()
	fire := false
	if !g.accounted[relayURL] {
		// A relay that dies before its EOSE drops out of the threshold
		// instead of counting toward it: the remaining live relays must
		// still deliver before the aggregate fires, so a fast-failing
		// dead relay can never force out an empty result.
		g.accounted[relayURL] = true
		g.active--
		if g.active > 0 {
			g.threshold = groupThreshold(g.active)
			fire = !g.eoseFired && g.eoseCount >= g.threshold
			if fire {
				g.eoseFired = true
			}
		}
	}
	g.closed++
	if reason != "" {
		g.reasons = append(g.reasons, relayURL+": "+reason)
	}
	allClosed := g.closed == g.total
	reasons := g.reasons
	g.mu.Unlock()

	if fire && g.handlers.OnEoseAll != nil {
		g.handlers.OnEoseAll(true)
	}
	if g.handlers.OnClose != nil {
		g.handlers.OnClose(relayURL, reason)
	}
	if allClosed && g.handlers.OnAllClosed != nil {
		g.handlers.OnAllClosed(reasons)
	}
}

// firstDelivery reports whether this is the first time the group sees
// the event id, suppressing duplicate delivery across relays.
func (g *groupState) firstDelivery(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.seen[eventID]; dup {
		eventsDedupedTotal.Add(1)
		return false
	}
	g.seen[eventID] = struct{}{}
	return true
}

// SubscribeGroup opens one subscription per URL in parallel and merges
// their streams, deduplicating by event id. The returned closer cancels
// all constituent subscriptions.
func (p *RelayPool) SubscribeGroup(ctx context.Context, urls []string, filter types.Filter, handlers GroupHandlers) *GroupCloser {
	gctx, cancel := context.WithCancel(ctx)
	closer := &GroupCloser{cancel: cancel}

	g := &groupState{
		seen:      make(map[string]struct{}),
		accounted: make(map[string]bool),
		active:    len(urls),
		threshold: groupThreshold(len(urls)),
		total:     len(urls),
		handlers:  handlers,
	}

	reqFilter := nostr.BuildReqFilter(filter)

	for _, u := range urls {
		go func(relayURL string) {
			p.runGroupSubscription(gctx, relayURL, reqFilter, g)
		}(u)
	}

	return closer
}

func (p *RelayPool) runGroupSubscription(ctx context.Context, relayURL string, reqFilter map[string]interface{}, g *groupState) {
	sub, err := p.Subscribe(ctx, relayURL, newSubID("sub"), reqFilter)
	if err != nil {
		// Fail-open: an unreachable relay drops out of the threshold so
		// it cannot block the aggregate signal.
		g.markClosed(relayURL, err.Error())
		return
	}
	defer p.Unsubscribe(relayURL, sub)

	for {
		select {
		case <-ctx.Done():
			g.markClosed(relayURL, "")
			return
		case evt := <-sub.EventChan:
			if !g.firstDelivery(evt.ID) {
				continue
			}
			if g.handlers.OnEvent != nil {
				g.handlers.OnEvent(evt, relayURL)
			}
		case <-sub.EOSEChan:
			g.markEose(relayURL)
			// Keep listening for live events after EOSE
		case <-sub.Done:
			g.markClosed(relayURL, sub.CloseReason())
			return
		}
	}
}

// FetchEvents runs a one-shot query against the given relays: subscribe,
// collect until the aggregate EOSE, every relay closing, or the timeout,
// then close. On timeout the events gathered so far are returned rather
// than an error. The bool result reports whether the EOSE threshold was
// reached.
func (p *RelayPool) FetchEvents(ctx context.Context, urls []string, filter types.Filter, timeout time.Duration) ([]types.Event, bool) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eventCh := make(chan types.Event, 1000)
	eoseCh := make(chan bool, 1)
	allClosed := make(chan struct{})

	closer := p.SubscribeGroup(fctx, urls, filter, GroupHandlers{
		OnEvent: func(evt types.Event, relayURL string) {
			select {
			case eventCh <- evt:
			case <-fctx.Done():
			}
		},
		OnEoseAll: func(eosed bool) {
			select {
			case eoseCh <- eosed:
			default:
			}
		},
		OnAllClosed: func(reasons []string) {
			close(allClosed)
		},
	})
	defer closer.Close()

	var events []types.Event
	eosed := false

	// After the threshold EOSE, drain briefly so events racing the
	// signal still make the page.
	var linger <-chan time.Time

collectLoop:
	for {
		select {
		case evt := <-eventCh:
			events = append(events, evt)
			if filter.Limit > 0 && len(events) >= filter.Limit*2 {
				break collectLoop
			}
		case <-eoseCh:
			eosed = true
			timer := time.NewTimer(100 * time.Millisecond)
			defer timer.Stop()
			linger = timer.C
		case <-linger:
			break collectLoop
		case <-allClosed:
			break collectLoop
		case <-fctx.Done():
			break collectLoop
		}
	}

	// Events already buffered when the loop broke still make the page.
drainLoop:
	for {
		select {
		case evt := <-eventCh:
			events = append(events, evt)
		default:
			break drainLoop
		}
	}

	sortEventsDesc(events)
	events = util.LimitSlice(events, filter.Limit)

	return events, eosed
}

// sortEventsDesc sorts by created_at descending with id as the
// deterministic tie-break.
func sortEventsDesc(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}
