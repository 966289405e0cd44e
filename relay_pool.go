package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
	"nostr-timeline/internal/util"
)

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if util.IsLoopbackHost(host) {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable hosts may still be valid external relays, but
		// obvious internal names are blocked.
		if host[len(host)-1] == '.' ||
			strings.Contains(host, ".local") || strings.Contains(host, ".internal") {
			return false
		}
		return true
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}

	return true
}

// isRelayIPSafe checks if an IP is safe for relay connections.
// Loopback stays allowed; private, link-local, metadata and multicast
// ranges are blocked.
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}

// newSubID generates a fresh subscription identifier
func newSubID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Subscription represents an active subscription on a relay connection
type Subscription struct {
	ID        string
	EventChan chan types.Event
	EOSEChan  chan bool
	Done      chan struct{}

	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string
}

// Close closes the Done channel exactly once
func (s *Subscription) Close() {
	s.CloseWithReason("")
}

// CloseWithReason records the close reason, then closes Done. The reason
// is safe to read after Done is closed.
func (s *Subscription) CloseWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.Done)
	})
}

// CloseReason returns the reason recorded at close time
func (s *Subscription) CloseReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

type okResult struct {
	accepted bool
	reason   string
}

// RelayConn manages a single websocket connection with multiplexed
// subscriptions and pending publish acknowledgements.
type RelayConn struct {
	conn          *websocket.Conn
	relayURL      string
	pool          *RelayPool
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	pendingOK     map[string]chan okResult
	closed        bool
	lastActivity  time.Time
}

// RelayPool manages connections to multiple relays. Every delivered event
// updates the SeenOnIndex as a side effect.
type RelayPool struct {
	mu          sync.RWMutex
	connections map[string]*RelayConn
	seenOn      *SeenOnIndex

	challengeMu sync.RWMutex
	onChallenge func(relayURL, challenge string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRelayPool creates a new connection pool
func NewRelayPool(seenOn *SeenOnIndex) *RelayPool {
	pool := &RelayPool{
		connections: make(map[string]*RelayConn),
		seenOn:      seenOn,
		stopCh:      make(chan struct{}),
	}
	go pool.cleanupLoop()
	return pool
}

// SetChallengeListener registers the callback invoked when a relay issues
// an AUTH challenge or rejects an operation with auth-required.
func (p *RelayPool) SetChallengeListener(fn func(relayURL, challenge string)) {
	p.challengeMu.Lock()
	defer p.challengeMu.Unlock()
	p.onChallenge = fn
}

func (p *RelayPool) notifyChallenge(relayURL, challenge string) {
	p.challengeMu.RLock()
	fn := p.onChallenge
	p.challengeMu.RUnlock()
	if fn != nil {
		fn(relayURL, challenge)
	}
}

// getOrCreateConn gets an existing connection or dials a new one
func (p *RelayPool) getOrCreateConn(ctx context.Context, relayURL string) (*RelayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	slog.Debug("pool: dialing relay", "relay", relayURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &RelayConn{
		conn:          conn,
		relayURL:      relayURL,
		pool:          p,
		subscriptions: make(map[string]*Subscription),
		pendingOK:     make(map[string]chan okResult),
		lastActivity:  time.Now(),
	}

	p.connections[relayURL] = rc
	relayConnectionsTotal.Add(1)

	go rc.readLoop()

	return rc, nil
}

func (rc *RelayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// Subscribe creates a new subscription on the relay
func (p *RelayPool) Subscribe(ctx context.Context, relayURL string, subID string, filter map[string]interface{}) (*Subscription, error) {
	const maxRetries = 3
	var rc *RelayConn
	var err error
	var connected bool

	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err = p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			// Connection died underneath us, drop and retry
			p.mu.Lock()
			delete(p.connections, relayURL)
			p.mu.Unlock()
			continue
		}
		connected = true
		break
	}

	if !connected {
		return nil, errors.New("failed to establish connection after retries")
	}

	sub := &Subscription{
		ID:        subID,
		EventChan: make(chan types.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	// rc.mu is still held from the loop above
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter}
	rc.writeMu.Lock()
	err = rc.conn.WriteJSON(req)
	rc.writeMu.Unlock()

	if err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}

	rc.touch()
	return sub, nil
}

// Unsubscribe closes a subscription, sending CLOSE best-effort
func (p *RelayPool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc == nil {
		sub.Close()
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.ID)
	}
	rc.mu.Unlock()

	if shouldSendClose {
		closeMsg := []interface{}{"CLOSE", sub.ID}
		rc.writeMu.Lock()
		rc.conn.WriteJSON(closeMsg)
		rc.writeMu.Unlock()
	}

	sub.Close()
}

// Publish sends an event and waits for the relay's OK acknowledgement.
// An auth-required rejection is returned wrapped in ErrAuthRequired so
// callers can run the challenge dance and retry.
func (p *RelayPool) Publish(ctx context.Context, relayURL string, evt types.Event) error {
	return p.sendAndAwaitOK(ctx, relayURL, "EVENT", evt)
}

// SendAuth submits a signed NIP-42 AUTH event and waits for OK
func (p *RelayPool) SendAuth(ctx context.Context, relayURL string, evt types.Event) error {
	return p.sendAndAwaitOK(ctx, relayURL, "AUTH", evt)
}

func (p *RelayPool) sendAndAwaitOK(ctx context.Context, relayURL string, frame string, evt types.Event) error {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return err
	}

	resultCh := make(chan okResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return errors.New("connection closed")
	}
	rc.pendingOK[evt.ID] = resultCh
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.pendingOK, evt.ID)
		rc.mu.Unlock()
	}()

	msg := []interface{}{frame, evt}
	rc.writeMu.Lock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = rc.conn.WriteJSON(msg)
	rc.conn.SetWriteDeadline(time.Time{})
	rc.writeMu.Unlock()
	if err != nil {
		rc.markClosed()
		return err
	}

	select {
	case res := <-resultCh:
		if !res.accepted {
			if isAuthRequiredReason(res.reason) {
				// The challenge itself arrives on a separate AUTH frame;
				// this only flags the relay as unauthenticated.
				p.notifyChallenge(relayURL, "")
				return authRequiredError(relayURL, res.reason)
			}
			return fmt.Errorf("relay %s rejected event: %s", relayURL, res.reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop continuously reads from the connection and routes messages
func (rc *RelayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		err := rc.conn.ReadJSON(&msg)
		if err != nil {
			if !rc.isClosed() {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.touch()

		if len(msg) < 2 {
			continue
		}

		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}
			rc.pool.seenOn.Add(evt.ID, rc.relayURL)
			eventsReceivedTotal.Add(1)

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
					// Channel full, drop event
					eventsDroppedTotal.Add(1)
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			eoseSignalsTotal.Add(1)

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			reason := ""
			if len(msg) >= 3 {
				reason, _ = msg[2].(string)
			}

			// An auth-required close is a challenge, not a terminal
			// failure: notify the auth layer before closing the sub.
			if isAuthRequiredReason(reason) {
				rc.pool.notifyChallenge(rc.relayURL, "")
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			if sub != nil {
				delete(rc.subscriptions, subID)
			}
			rc.mu.Unlock()
			if sub != nil {
				sub.CloseWithReason(reason)
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			reason := ""
			if len(msg) >= 4 {
				reason, _ = msg[3].(string)
			}

			rc.mu.Lock()
			ch := rc.pendingOK[eventID]
			rc.mu.Unlock()

			if ch != nil {
				select {
				case ch <- okResult{accepted: accepted, reason: reason}:
				default:
				}
			}

		case "AUTH":
			challenge, _ := msg[1].(string)
			if challenge != "" {
				authChallengesTotal.Add(1)
				rc.pool.notifyChallenge(rc.relayURL, challenge)
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Debug("pool: NOTICE", "relay", rc.relayURL, "notice", notice)
		}
	}
}

func (rc *RelayConn) touch() {
	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
}

// markClosed marks the connection as closed and releases subscriptions
func (rc *RelayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}

	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subscriptions {
		sub.CloseWithReason("connection closed")
	}
	rc.subscriptions = make(map[string]*Subscription)
	for _, ch := range rc.pendingOK {
		select {
		case ch <- okResult{accepted: false, reason: "connection closed"}:
		default:
		}
	}
	rc.pendingOK = make(map[string]chan okResult)
}

// cleanupLoop periodically removes stale connections
func (p *RelayPool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle too long
func (p *RelayPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && len(rc.pendingOK) == 0 &&
			now.Sub(rc.lastActivity) > 2*time.Minute
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed()
			}
			delete(p.connections, url)
		}
	}
}

// CloseRelay closes a specific relay connection
func (p *RelayPool) CloseRelay(relayURL string) {
	p.mu.Lock()
	rc := p.connections[relayURL]
	delete(p.connections, relayURL)
	p.mu.Unlock()

	if rc != nil {
		rc.markClosed()
	}
}

// Close shuts the pool down, closing every connection
func (p *RelayPool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	conns := make([]*RelayConn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.connections = make(map[string]*RelayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// GetConnectionStats returns current connection pool statistics
func (p *RelayPool) GetConnectionStats() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}
