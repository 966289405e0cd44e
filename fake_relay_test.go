package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostr-timeline/internal/types"
)

// fakeRelay speaks enough of the relay protocol to exercise the pool:
// REQ is answered with matching stored events followed by EOSE, the
// subscription then stays open for live pushes, EVENT and AUTH frames
// are acknowledged with OK. An authRequired relay rejects REQ with a
// CLOSED auth-required reason until a client AUTH succeeds.
type fakeRelay struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	events       []types.Event
	delay        time.Duration
	silent       bool
	authRequired bool
	rejectAuth   bool
	challenge    string
	authed       bool
	reqFilters   []map[string]interface{}
	conns        []*fakeConn
}

type fakeConn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn

	mu   sync.Mutex
	subs map[string]bool
}

func (c *fakeConn) write(msg []interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteJSON(msg)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	fr := &fakeRelay{t: t, challenge: "challenge-" + fmt.Sprint(time.Now().UnixNano())}
	fr.server = httptest.NewServer(http.HandlerFunc(fr.handle))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) URL() string {
	return "ws://" + strings.TrimPrefix(fr.server.URL, "http://")
}

func (fr *fakeRelay) store(events ...types.Event) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.events = append(fr.events, events...)
}

// push broadcasts a live event to every open subscription
func (fr *fakeRelay) push(evt types.Event) {
	fr.mu.Lock()
	conns := append([]*fakeConn(nil), fr.conns...)
	fr.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		subIDs := make([]string, 0, len(c.subs))
		for id := range c.subs {
			subIDs = append(subIDs, id)
		}
		c.mu.Unlock()
		for _, id := range subIDs {
			c.write([]interface{}{"EVENT", id, evt})
		}
	}
}

func (fr *fakeRelay) recordedFilters() []map[string]interface{} {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]map[string]interface{}(nil), fr.reqFilters...)
}

var fakeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (fr *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := fakeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &fakeConn{ws: ws, subs: make(map[string]bool)}

	fr.mu.Lock()
	fr.conns = append(fr.conns, c)
	authRequired := fr.authRequired
	fr.mu.Unlock()

	if authRequired {
		c.write([]interface{}{"AUTH", fr.challenge})
	}

	defer ws.Close()
	for {
		var msg []interface{}
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		frame, _ := msg[0].(string)

		switch frame {
		case "REQ":
			subID, _ := msg[1].(string)
			var filter map[string]interface{}
			if len(msg) >= 3 {
				filter, _ = msg[2].(map[string]interface{})
			}

			fr.mu.Lock()
			fr.reqFilters = append(fr.reqFilters, filter)
			silent := fr.silent
			needsAuth := fr.authRequired && !fr.authed
			delay := fr.delay
			stored := append([]types.Event(nil), fr.events...)
			fr.mu.Unlock()

			if silent {
				continue
			}
			if needsAuth {
				c.write([]interface{}{"CLOSED", subID, "auth-required: subscription requires auth"})
				continue
			}
			if delay > 0 {
				time.Sleep(delay)
			}

			matched := matchStoredEvents(stored, filter)
			for _, evt := range matched {
				c.write([]interface{}{"EVENT", subID, evt})
			}
			c.write([]interface{}{"EOSE", subID})

			c.mu.Lock()
			c.subs[subID] = true
			c.mu.Unlock()

		case "CLOSE":
			subID, _ := msg[1].(string)
			c.mu.Lock()
			delete(c.subs, subID)
			c.mu.Unlock()

		case "EVENT":
			evt, _ := msg[1].(map[string]interface{})
			id, _ := evt["id"].(string)

			fr.mu.Lock()
			needsAuth := fr.authRequired && !fr.authed
			fr.mu.Unlock()
			if needsAuth {
				c.write([]interface{}{"OK", id, false, "auth-required: publishing requires auth"})
				continue
			}
			c.write([]interface{}{"OK", id, true, ""})

		case "AUTH":
			evt, _ := msg[1].(map[string]interface{})
			id, _ := evt["id"].(string)

			fr.mu.Lock()
			reject := fr.rejectAuth
			fr.mu.Unlock()
			if reject {
				c.write([]interface{}{"OK", id, false, "auth-required: rejected"})
				continue
			}
			if challengeTag(evt) != fr.challenge {
				c.write([]interface{}{"OK", id, false, "auth-required: challenge mismatch"})
				continue
			}
			fr.mu.Lock()
			fr.authed = true
			fr.mu.Unlock()
			c.write([]interface{}{"OK", id, true, ""})
		}
	}
}

func challengeTag(evt map[string]interface{}) string {
	tags, _ := evt["tags"].([]interface{})
	for _, raw := range tags {
		tag, _ := raw.([]interface{})
		if len(tag) >= 2 {
			if name, _ := tag[0].(string); name == "challenge" {
				val, _ := tag[1].(string)
				return val
			}
		}
	}
	return ""
}

// matchStoredEvents applies the wire filter to stored events, newest first
func matchStoredEvents(events []types.Event, filter map[string]interface{}) []types.Event {
	var out []types.Event
	for _, evt := range events {
		if matchesWireFilter(evt, filter) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })

	if limit, ok := filter["limit"].(float64); ok && int(limit) > 0 && len(out) > int(limit) {
		out = out[:int(limit)]
	}
	return out
}

func matchesWireFilter(evt types.Event, filter map[string]interface{}) bool {
	if filter == nil {
		return true
	}
	if ids, ok := filter["ids"].([]interface{}); ok && !containsString(ids, evt.ID) {
		return false
	}
	if authors, ok := filter["authors"].([]interface{}); ok && !containsString(authors, evt.PubKey) {
		return false
	}
	if kinds, ok := filter["kinds"].([]interface{}); ok {
		found := false
		for _, k := range kinds {
			if n, ok := k.(float64); ok && int(n) == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if since, ok := filter["since"].(float64); ok && evt.CreatedAt < int64(since) {
		return false
	}
	if until, ok := filter["until"].(float64); ok && evt.CreatedAt > int64(until) {
		return false
	}
	return true
}

func containsString(raw []interface{}, want string) bool {
	for _, v := range raw {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}

// makeEventID produces a distinct, well-formed 64-char hex id
func makeEventID(n int) string {
	return fmt.Sprintf("%064x", n)
}

// testEvent builds a well-formed event with a distinct id. The signature
// is left empty: the pool only validates signatures when one is present,
// same as for locally constructed events.
func testEvent(n int, pubkey string, kind int, createdAt int64) types.Event {
	return types.Event{
		ID:        makeEventID(n),
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      [][]string{},
		Content:   fmt.Sprintf("note %d", n),
	}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
