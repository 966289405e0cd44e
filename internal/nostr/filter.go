package nostr

import (
	"encoding/json"
	"sort"

	"nostr-timeline/internal/types"
)

// BuildReqFilter converts a Filter to the NIP-01 wire representation for
// a REQ message. Empty fields are omitted entirely.
func BuildReqFilter(f types.Filter) map[string]interface{} {
	req := make(map[string]interface{})

	if len(f.IDs) > 0 {
		req["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		req["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		req["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			req[name] = values
		}
	}
	if f.Since != nil {
		req["since"] = *f.Since
	}
	if f.Until != nil {
		req["until"] = *f.Until
	}
	if f.Limit > 0 {
		req["limit"] = f.Limit
	}

	return req
}

// CanonicalFilterJSON serializes a filter deterministically: object keys
// sorted (json.Marshal sorts map keys) and array-valued fields sorted.
// Two filters are cache-equivalent iff their canonical JSON is identical.
func CanonicalFilterJSON(f types.Filter) string {
	canon := make(map[string]interface{})

	if len(f.IDs) > 0 {
		canon["ids"] = sortedStrings(f.IDs)
	}
	if len(f.Authors) > 0 {
		canon["authors"] = sortedStrings(f.Authors)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]int, len(f.Kinds))
		copy(kinds, f.Kinds)
		sort.Ints(kinds)
		canon["kinds"] = kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			canon[name] = sortedStrings(values)
		}
	}
	if f.Since != nil {
		canon["since"] = *f.Since
	}
	if f.Until != nil {
		canon["until"] = *f.Until
	}
	if f.Limit > 0 {
		canon["limit"] = f.Limit
	}

	data, err := json.Marshal(canon)
	if err != nil {
		return ""
	}
	return string(data)
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
