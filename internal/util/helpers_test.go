package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedCopy(t *testing.T) {
	in := []string{"c", "a", "b"}
	out := SortedCopy(in)
	assert.Equal(t, []string{"a", "b", "c"}, out)
	assert.Equal(t, []string{"c", "a", "b"}, in, "input must not be mutated")
}

func TestLimitSlice(t *testing.T) {
	in := []int{1, 2, 3, 4}
	assert.Equal(t, []int{1, 2}, LimitSlice(in, 2))
	assert.Equal(t, in, LimitSlice(in, 10))
	assert.Equal(t, in, LimitSlice(in, 0))
}

func TestGetTagValue(t *testing.T) {
	tags := [][]string{{"e", "first"}, {"p", "pk"}, {"e", "second"}, {"broken"}}
	assert.Equal(t, "first", GetTagValue(tags, "e"))
	assert.Equal(t, "pk", GetTagValue(tags, "p"))
	assert.Equal(t, "", GetTagValue(tags, "d"))
}

func TestIsInternalHost(t *testing.T) {
	assert.True(t, IsInternalHost("relay.internal"))
	assert.True(t, IsInternalHost("printer.local"))
	assert.True(t, IsInternalHost("hidden.onion"))
	assert.False(t, IsInternalHost("relay.damus.io"))
	assert.False(t, IsInternalHost("localhost"))
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, IsLoopbackHost("localhost"))
	assert.True(t, IsLoopbackHost("127.0.0.1"))
	assert.True(t, IsLoopbackHost("127.8.8.8"))
	assert.True(t, IsLoopbackHost("::1"))
	assert.False(t, IsLoopbackHost("relay.damus.io"))
}
