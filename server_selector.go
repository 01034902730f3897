package memcache

import (
	"github.com/pior/memcache-binary/internal"
	"github.com/zeebo/xxh3"
)

// ServerSelector picks which server to use for a given key.
// It receives the key and the number of servers and returns an index.
type ServerSelector func(key string, serverCount int) int

// DefaultServerSelector uses Jump Hash for consistent server selection.
// Jump Hash provides better distribution and fewer key movements when servers are added/removed.
func DefaultServerSelector(key string, serverCount int) int {
	return internal.JumpHash(xxh3.HashString(key), serverCount)
}

// staticSelector is used in tests to always select a specific server.
func staticSelector(index int) ServerSelector {
	return func(key string, serverCount int) int {
		return index % serverCount
	}
}
