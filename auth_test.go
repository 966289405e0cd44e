package main

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"nostr-timeline/internal/types"
)

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	signer, err := NewLocalSigner(hex.EncodeToString(priv.Serialize()))
	if err != nil {
		t.Fatalf("signer construction failed: %v", err)
	}
	return signer
}

func TestAuthHandshakeUnlocksRelay(t *testing.T) {
	fr := newFakeRelay(t)
	fr.authRequired = true
	fr.store(testEvent(1, "alice", 1, 100))

	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	handler := NewAuthChallengeHandler(pool, newTestSigner(t), 3)

	// First fetch is rejected with auth-required; it still opens the
	// connection, which delivers the AUTH challenge frame.
	events, _ := pool.FetchEvents(context.Background(), []string{fr.URL()}, types.Filter{Kinds: []int{1}}, time.Second)
	if len(events) != 0 {
		t.Fatalf("expected no events before auth, got %d", len(events))
	}

	if !waitFor(t, 2*time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		st := handler.states[fr.URL()]
		return st != nil && st.LastChallenge != ""
	}) {
		t.Fatal("challenge never recorded")
	}

	if err := handler.Authenticate(context.Background(), fr.URL(), ""); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if !handler.Authenticated(fr.URL()) {
		t.Fatal("relay should be marked authenticated")
	}

	events, eosed := pool.FetchEvents(context.Background(), []string{fr.URL()}, types.Filter{Kinds: []int{1}}, 2*time.Second)
	if !eosed {
		t.Fatal("authenticated fetch should reach EOSE")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after auth, got %d", len(events))
	}
}

func TestAuthRetryCap(t *testing.T) {
	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	handler := NewAuthChallengeHandler(pool, newTestSigner(t), 2)

	// A relay that rejects every AUTH event, regardless of challenge
	fr := newFakeRelay(t)
	fr.authRequired = true
	fr.rejectAuth = true
	url := fr.URL()

	handler.noteChallenge(url, "some-challenge")

	var lastErr error
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		lastErr = handler.Authenticate(ctx, url, "")
		cancel()
		if lastErr == nil {
			t.Fatal("handshake with a stale challenge should fail")
		}
	}

	if !errors.Is(lastErr, ErrAuthRequired) {
		t.Fatalf("cap error should wrap ErrAuthRequired, got %v", lastErr)
	}
	if handler.Authenticated(url) {
		t.Fatal("relay must not be marked authenticated")
	}
}

func TestAuthWithoutSignerFails(t *testing.T) {
	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	handler := NewAuthChallengeHandler(pool, nil, 3)

	err := handler.Authenticate(context.Background(), "wss://relay.example", "challenge")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired without a signer, got %v", err)
	}
}

func TestWithAuthRetry(t *testing.T) {
	fr := newFakeRelay(t)
	fr.authRequired = true

	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	handler := NewAuthChallengeHandler(pool, newTestSigner(t), 3)

	// Open the connection so the AUTH challenge frame arrives.
	pool.FetchEvents(context.Background(), []string{fr.URL()}, types.Filter{Kinds: []int{1}}, time.Second)
	if !waitFor(t, 2*time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		st := handler.states[fr.URL()]
		return st != nil && st.LastChallenge != ""
	}) {
		t.Fatal("challenge never recorded")
	}

	calls := 0
	err := handler.WithAuthRetry(context.Background(), fr.URL(), func(ctx context.Context) error {
		calls++
		if !handler.Authenticated(fr.URL()) {
			return authRequiredError(fr.URL(), "auth-required: not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry loop failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected op to run twice (reject, then authed), got %d", calls)
	}
}

func TestPublishWithAuthRetry(t *testing.T) {
	fr := newFakeRelay(t)
	fr.authRequired = true

	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	signer := newTestSigner(t)
	handler := NewAuthChallengeHandler(pool, signer, 3)

	evt := types.Event{Kind: 1, CreatedAt: time.Now().Unix(), Tags: [][]string{}, Content: "hello"}
	if err := signer.Sign(context.Background(), &evt); err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First publish is rejected auth-required; the retry loop performs
	// the handshake with the challenge delivered on connect, then the
	// republish succeeds.
	err := handler.WithAuthRetry(ctx, fr.URL(), func(ctx context.Context) error {
		return pool.Publish(ctx, fr.URL(), evt)
	})
	if err != nil {
		t.Fatalf("publish through auth retry failed: %v", err)
	}
	if !handler.Authenticated(fr.URL()) {
		t.Fatal("handshake should have completed")
	}
}

func TestWithAuthRetryBoundedWhenRelayKeepsRejecting(t *testing.T) {
	// A broken relay that ACKs every AUTH event yet keeps rejecting the
	// operation with auth-required. Each handshake succeeding must not
	// refill the retry budget, or the loop would spin forever.
	fr := newFakeRelay(t)
	fr.authRequired = true

	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	handler := NewAuthChallengeHandler(pool, newTestSigner(t), 2)

	// Open the connection so the AUTH challenge frame arrives.
	pool.FetchEvents(context.Background(), []string{fr.URL()}, types.Filter{Kinds: []int{1}}, time.Second)
	if !waitFor(t, 2*time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		st := handler.states[fr.URL()]
		return st != nil && st.LastChallenge != ""
	}) {
		t.Fatal("challenge never recorded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err := handler.WithAuthRetry(ctx, fr.URL(), func(ctx context.Context) error {
		calls++
		return authRequiredError(fr.URL(), "auth-required: still rejected")
	})
	if err == nil {
		t.Fatal("expected the retry loop to give up")
	}
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("cap error should wrap ErrAuthRequired, got %v", err)
	}
	if calls > 3 {
		t.Fatalf("op attempted %d times despite retry cap 2", calls)
	}
}

func TestWithAuthRetryPassesThroughOtherErrors(t *testing.T) {
	pool := NewRelayPool(NewSeenOnIndex())
	t.Cleanup(pool.Close)
	handler := NewAuthChallengeHandler(pool, newTestSigner(t), 3)

	sentinel := errors.New("boom")
	calls := 0
	err := handler.WithAuthRetry(context.Background(), "wss://relay.example", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-auth errors must not retry, got %d calls", calls)
	}
}

func TestLocalSignerValidation(t *testing.T) {
	if _, err := NewLocalSigner("not-hex"); err == nil {
		t.Fatal("expected an error for invalid hex")
	}
	if _, err := NewLocalSigner("abcd"); err == nil {
		t.Fatal("expected an error for a short key")
	}
}
