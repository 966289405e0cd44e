package types

// ProfileInfo contains user profile metadata parsed from a kind 0 event
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

// ProfileData pairs the raw kind 0 event with its parsed metadata.
// Metadata is nil when the event content was not valid JSON.
type ProfileData struct {
	Event    *Event       `json:"event,omitempty"`
	Metadata *ProfileInfo `json:"metadata,omitempty"`
}

// CachedProfile is the cache envelope for profile lookups. NotFound entries
// record that no kind 0 event exists so repeated misses stay cheap.
type CachedProfile struct {
	Event     *Event       `json:"event,omitempty"`
	Metadata  *ProfileInfo `json:"metadata,omitempty"`
	FetchedAt int64        `json:"fetched_at"`
	NotFound  bool         `json:"not_found,omitempty"`
}
