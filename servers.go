package memcache

import "errors"

var ErrNoServers = errors.New("memcache: no servers available")

// Servers provides the current list of server addresses.
type Servers interface {
	List() []string
}

type staticServers []string

// NewStaticServers returns a fixed list of servers.
func NewStaticServers(addresses ...string) Servers {
	return staticServers(addresses)
}

func (s staticServers) List() []string {
	return s
}
