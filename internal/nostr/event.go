// Package nostr implements NIP-01 event handling: parsing, id computation,
// schnorr signing and verification, filter canonicalization.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-timeline/internal/types"
	"nostr-timeline/internal/util"
)

// KindProfile is the profile metadata event kind (NIP-01)
const KindProfile = 0

// KindClientAuth is the relay authentication event kind (NIP-42)
const KindClientAuth = 22242

// ValidateEventSignature verifies the Schnorr signature of a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ComputeEventID returns the SHA256 of the canonical serialization
// [0, pubkey, created_at, kind, tags, content]. HTML escaping must be
// disabled: relays hash the unescaped form.
func ComputeEventID(evt *types.Event) string {
	serialized := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		evt.Tags,
		evt.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	jsonBytes := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}

// SignEvent fills in ID, PubKey and Sig on the event using the given
// secp256k1 private key.
func SignEvent(evt *types.Event, privKey *btcec.PrivateKey) error {
	if privKey == nil {
		return fmt.Errorf("nil private key")
	}

	evt.PubKey = hex.EncodeToString(privKey.PubKey().SerializeCompressed()[1:])
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return fmt.Errorf("invalid event id: %w", err)
	}

	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return fmt.Errorf("schnorr sign: %w", err)
	}

	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON
// re-encoding). Events with an invalid signature are rejected.
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	if evt.Sig != "" && !ValidateEventSignature(&evt) {
		slog.Warn("event signature validation failed", "event_id", ShortID(evt.ID))
		return types.Event{}, false
	}

	return evt, evt.ID != ""
}

// IsReplaceable reports whether events of the given kind replace older
// events of the same coordinate rather than accumulating.
func IsReplaceable(kind int) bool {
	if kind == 0 || kind == 3 {
		return true
	}
	if kind >= 10000 && kind < 20000 {
		return true
	}
	return kind >= 30000 && kind < 40000
}

// Coordinate returns the stable "kind:pubkey:dtag" identifier used to
// track the latest version of a replaceable event.
func Coordinate(evt *types.Event) string {
	dtag := ""
	if evt.Kind >= 30000 && evt.Kind < 40000 {
		dtag = util.GetTagValue(evt.Tags, "d")
	}
	return fmt.Sprintf("%d:%s:%s", evt.Kind, evt.PubKey, dtag)
}

// ShortID truncates an id/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
