// Package dnscache implements a Dial function that caches DNS resolutions
// for the single target host a batch crawls. Unlike a general-purpose
// crawler juggling many domains, a batch only ever dials one host for its
// whole run, so the cache exists purely to avoid re-resolving that host on
// every request rather than to bound memory across a large domain set.
package dnscache

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Dial wraps the given dial function with caching of DNS resolutions. When a
// hostname is found in the cache it will call the provided dial with the IP
// address instead of the hostname, so no DNS lookup need be performed. It
// also caches DNS failures for the same refresh window, so a target that
// starts failing DNS mid-batch doesn't get hammered with lookups on every
// interaction.
//
// If the given wrappedDial is nil, net.Dial is used.
func Dial(wrappedDial func(network, addr string) (net.Conn, error), maxEntries int) (func(network, addr string) (net.Conn, error), error) {
	if wrappedDial == nil {
		wrappedDial = net.Dial
	}
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	c := &dnsCache{wrappedDial: wrappedDial, cache: cache}
	return c.cachingDial, nil
}

type dnsCache struct {
	wrappedDial func(network, address string) (net.Conn, error)
	cache       *lru.Cache
	mu          sync.RWMutex
}

type hostrecord struct {
	ipaddr      string
	blacklisted bool
	err         error
	lastQuery   time.Time
}

// refreshWindow bounds how long a cached resolution or failure is trusted
// before cachingDial re-dials to refresh it.
const refreshWindow = 5 * time.Minute

func (c *dnsCache) cachingDial(network, addr string) (net.Conn, error) {
	mapEntryName := network + addr
	c.mu.RLock()
	entry, ok := c.cache.Get(mapEntryName)
	if !ok {
		c.mu.RUnlock()
		return c.cacheHost(network, addr)
	}
	record := entry.(hostrecord)
	if time.Since(record.lastQuery) > refreshWindow {
		c.mu.RUnlock()
		return c.cacheHost(network, addr)
	}
	if record.blacklisted {
		c.mu.RUnlock()
		return nil, record.err
	}
	c.mu.RUnlock()
	return c.wrappedDial(network, record.ipaddr)
}

// cacheHost performs (or retries) the lookup for addr, overwriting any
// previous cache entry.
func (c *dnsCache) cacheHost(network, addr string) (net.Conn, error) {
	mapEntryName := network + addr
	conn, err := c.wrappedDial(network, addr)
	queryTime := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.cache.Add(mapEntryName, hostrecord{blacklisted: true, err: err, lastQuery: queryTime})
		return nil, err
	}
	c.cache.Add(mapEntryName, hostrecord{ipaddr: conn.RemoteAddr().String(), lastQuery: queryTime})
	return conn, nil
}
