package nostr

import (
	"net/url"
	"strings"

	"nostr-timeline/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL.
// Returns empty string if the URL is invalid or malformed.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick rejects: no protocol, URL-encoded garbage, double protocols
	if !strings.Contains(relayURL, "://") {
		return ""
	}
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	// Block internal/unreachable hosts; localhost stays allowed for development
	if util.IsInternalHost(host) {
		return ""
	}

	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}
