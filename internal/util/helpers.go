// Package util provides small shared helpers with no domain dependencies.
package util

import (
	"sort"
	"strings"
)

// SortedCopy returns a sorted copy of the given string slice.
func SortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// LimitSlice returns at most n leading elements of the slice.
func LimitSlice[T any](in []T, n int) []T {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[:n]
}

// MapKeys returns the keys of a set-style map in unspecified order.
func MapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// GetTagValue returns the first value for the given tag name, or "" if absent.
func GetTagValue(tags [][]string, tagName string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			return tag[1]
		}
	}
	return ""
}

// IsInternalHost checks if a hostname is internal/private and should not be
// dialed. Used to prevent SSRF via attacker-supplied relay URLs.
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}

// IsLoopbackHost checks if a hostname refers to the local machine.
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		host == "[::1]" ||
		strings.HasPrefix(host, "127.")
}
