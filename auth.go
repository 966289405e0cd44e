package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
)

// ErrAuthRequired marks an operation rejected by a relay with an
// auth-required close reason. Callers retry through WithAuthRetry.
var ErrAuthRequired = errors.New("relay requires auth")

// isAuthRequiredReason reports whether a relay close/OK reason is the
// NIP-42 machine-readable auth-required prefix.
func isAuthRequiredReason(reason string) bool {
	return strings.HasPrefix(reason, "auth-required")
}

func authRequiredError(relayURL, reason string) error {
	return fmt.Errorf("%s: %s: %w", relayURL, reason, ErrAuthRequired)
}

// Signer produces NIP-42 auth event signatures. The local implementation
// holds a key in process; remote signers (NIP-46) satisfy the same
// interface.
type Signer interface {
	Sign(ctx context.Context, evt *types.Event) error
}

// LocalSigner signs with an in-process secp256k1 key
type LocalSigner struct {
	privKey *btcec.PrivateKey
}

// NewLocalSigner parses a 32-byte hex secret key
func NewLocalSigner(secretHex string) (*LocalSigner, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil {
		return nil, fmt.Errorf("invalid secret key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &LocalSigner{privKey: priv}, nil
}

func (s *LocalSigner) Sign(ctx context.Context, evt *types.Event) error {
	return nostr.SignEvent(evt, s.privKey)
}

// AuthState tracks the NIP-42 handshake status for one relay
type AuthState struct {
	Authenticated bool
	RetryCount    int
	LastChallenge string
}

// AuthChallengeHandler performs NIP-42 handshakes on behalf of the pool.
// It listens for AUTH challenge frames, signs kind 22242 events, and caps
// retries per relay so a misbehaving relay cannot cause a signing loop.
type AuthChallengeHandler struct {
	pool       *RelayPool
	signer     Signer
	maxRetries int

	mu     sync.Mutex
	states map[string]*AuthState
}

// NewAuthChallengeHandler wires the handler into the pool's challenge
// notifications. signer may be nil, in which case Authenticate fails and
// auth-required relays are simply skipped.
func NewAuthChallengeHandler(pool *RelayPool, signer Signer, maxRetries int) *AuthChallengeHandler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	h := &AuthChallengeHandler{
		pool:       pool,
		signer:     signer,
		maxRetries: maxRetries,
		states:     make(map[string]*AuthState),
	}
	pool.SetChallengeListener(h.noteChallenge)
	return h
}

func (h *AuthChallengeHandler) state(relayURL string) *AuthState {
	st, ok := h.states[relayURL]
	if !ok {
		st = &AuthState{}
		h.states[relayURL] = st
	}
	return st
}

// noteChallenge records the most recent challenge for a relay. A new
// challenge invalidates any previous authentication.
func (h *AuthChallengeHandler) noteChallenge(relayURL, challenge string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(relayURL)
	if challenge != "" {
		st.LastChallenge = challenge
	}
	st.Authenticated = false
}

// Authenticated reports whether the handshake with a relay has completed
func (h *AuthChallengeHandler) Authenticated(relayURL string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[relayURL]
	return ok && st.Authenticated
}

// ResetRetries clears the retry counter for a relay, e.g. after reconnect
func (h *AuthChallengeHandler) ResetRetries(relayURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[relayURL]; ok {
		st.RetryCount = 0
	}
}

// Authenticate performs one NIP-42 handshake with a relay. It builds the
// kind 22242 event carrying relay and challenge tags, signs it, and
// submits it as an AUTH frame. fallbackChallenge is used when no
// challenge frame has been recorded yet (inline challenges from close
// reasons).
func (h *AuthChallengeHandler) Authenticate(ctx context.Context, relayURL, fallbackChallenge string) error {
	if h.signer == nil {
		return fmt.Errorf("no signer configured for %s: %w", relayURL, ErrAuthRequired)
	}

	h.mu.Lock()
	st := h.state(relayURL)
	if st.RetryCount >= h.maxRetries {
		h.mu.Unlock()
		authFailuresTotal.Add(1)
		// Cap reached: drop the connection so the relay gets a fresh
		// handshake on the next reconnect.
		h.pool.CloseRelay(relayURL)
		return fmt.Errorf("auth retry cap reached for %s after %d attempts: %w", relayURL, h.maxRetries, ErrAuthRequired)
	}
	st.RetryCount++
	challenge := st.LastChallenge
	h.mu.Unlock()

	if challenge == "" {
		challenge = fallbackChallenge
	}
	if challenge == "" {
		return fmt.Errorf("no challenge received from %s: %w", relayURL, ErrAuthRequired)
	}

	authRetriesTotal.Add(1)

	evt := types.Event{
		Kind:      nostr.KindClientAuth,
		CreatedAt: time.Now().Unix(),
		Tags: [][]string{
			{"relay", relayURL},
			{"challenge", challenge},
		},
	}
	if err := h.signer.Sign(ctx, &evt); err != nil {
		return fmt.Errorf("signing auth event for %s: %w", relayURL, err)
	}

	if err := h.pool.SendAuth(ctx, relayURL, evt); err != nil {
		slog.Warn("auth: handshake rejected", "relay", relayURL, "err", err)
		return err
	}

	h.mu.Lock()
	st = h.state(relayURL)
	st.Authenticated = true
	h.mu.Unlock()

	// RetryCount stays: a relay that ACKs the handshake but keeps
	// rejecting operations must still run out of budget. The counter is
	// cleared only once an operation actually succeeds.
	slog.Info("auth: authenticated", "relay", relayURL)
	return nil
}

// WithAuthRetry runs op, and on an auth-required rejection performs the
// handshake and retries. It terminates when op succeeds, fails with a
// non-auth error, or the retry cap is hit — the loop itself is bounded
// so a relay that ACKs every handshake yet keeps rejecting operations
// cannot trap a caller.
func (h *AuthChallengeHandler) WithAuthRetry(ctx context.Context, relayURL string, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		err = op(ctx)
		if err == nil {
			if attempt > 0 {
				h.ResetRetries(relayURL)
			}
			return nil
		}
		if !errors.Is(err, ErrAuthRequired) {
			return err
		}

		if authErr := h.Authenticate(ctx, relayURL, ""); authErr != nil {
			return authErr
		}
	}
	return err
}
