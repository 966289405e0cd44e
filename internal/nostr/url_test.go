package nostr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelayURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"wss://relay.damus.io", "wss://relay.damus.io"},
		{"WSS://Relay.Damus.IO/", "wss://relay.damus.io"},
		{"wss://relay.example.com:7777/sub/path", "wss://relay.example.com:7777/sub/path"},
		{"ws://localhost:8080", "ws://localhost:8080"},
		{"  wss://relay.damus.io  ", "wss://relay.damus.io"},

		{"", ""},
		{"relay.damus.io", ""},
		{"https://relay.damus.io", ""},
		{"wss://wss://double.example", ""},
		{"wss://bad%20host.example", ""},
		{"wss://justaword", ""},
		{"wss://relay.internal", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeRelayURL(tc.in), "input %q", tc.in)
	}
}
