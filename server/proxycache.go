/******************************************************************************
 *
 *  Description :
 *
 *    Ownership of Proxy lifetimes. UI sessions use a host-id-keyed map
 *    with guarded concurrent creation; anonymous API traffic uses a
 *    two-bucket time-windowed cache giving approximate LRU eviction with
 *    O(1) bookkeeping per access.
 *
 *****************************************************************************/

package main

import (
	"sync"
	"time"

	"github.com/zarvox/sandstorm/server/logs"
)

// sessionCacheEntry is one slot in the session-keyed cache. The entry is
// inserted as a placeholder before the async session lookup begins, so
// concurrent requests for the same host id share one creation instead of
// racing to create duplicate proxies.
type sessionCacheEntry struct {
	ready chan struct{}
	proxy *Proxy
	err   error
}

// sessionProxyCache maps host ids to live proxies for UI sessions.
type sessionProxyCache struct {
	lock    sync.Mutex
	entries map[string]*sessionCacheEntry
}

func newSessionProxyCache() *sessionProxyCache {
	return &sessionProxyCache{entries: make(map[string]*sessionCacheEntry)}
}

// getOrCreate returns the proxy bound to hostID, creating it via create
// if absent. If a revocation clears the slot while creation is in
// flight, the created proxy is discarded and the caller is told the
// session was concurrently closed.
func (c *sessionProxyCache) getOrCreate(hostID string, create func() (*Proxy, error)) (*Proxy, error) {
	c.lock.Lock()
	if entry, ok := c.entries[hostID]; ok {
		c.lock.Unlock()
		<-entry.ready
		return entry.proxy, entry.err
	}
	entry := &sessionCacheEntry{ready: make(chan struct{})}
	c.entries[hostID] = entry
	c.lock.Unlock()

	proxy, err := create()

	c.lock.Lock()
	if cur, ok := c.entries[hostID]; !ok || cur != entry {
		// The slot was externally cleared while we were creating.
		c.lock.Unlock()
		if proxy != nil {
			proxy.close()
		}
		entry.err = errGone("Session was concurrently closed")
		close(entry.ready)
		return nil, entry.err
	}
	if err != nil {
		delete(c.entries, hostID)
	}
	entry.proxy = proxy
	entry.err = err
	c.lock.Unlock()
	close(entry.ready)

	return proxy, err
}

// get returns the cached proxy for hostID, or nil if absent or still
// being created.
func (c *sessionProxyCache) get(hostID string) *Proxy {
	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.entries[hostID]; ok {
		select {
		case <-entry.ready:
			return entry.proxy
		default:
		}
	}
	return nil
}

// remove clears the slot and returns the evicted proxy, if any. Pending
// creations observe the cleared slot and discard their work.
func (c *sessionProxyCache) remove(hostID string) *Proxy {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.entries[hostID]
	if !ok {
		return nil
	}
	delete(c.entries, hostID)
	select {
	case <-entry.ready:
		return entry.proxy
	default:
		// Still being created; the creator will close it.
		return nil
	}
}

// removeAndClose synchronously evicts and closes the proxy for hostID.
func (c *sessionProxyCache) removeAndClose(hostID string) {
	if proxy := c.remove(hostID); proxy != nil {
		proxy.close()
	}
}

// closeAll evicts everything. Used at shutdown.
func (c *sessionProxyCache) closeAll() {
	c.lock.Lock()
	entries := c.entries
	c.entries = make(map[string]*sessionCacheEntry)
	c.lock.Unlock()

	count := 0
	for _, entry := range entries {
		select {
		case <-entry.ready:
			if entry.proxy != nil {
				entry.proxy.close()
				count++
			}
		default:
		}
	}
	logs.Info.Println("proxy cache: shut down, proxies closed:", count)
}

// keepAliveAll forwards a grain liveness ping through every ready
// proxy. Pings run outside the cache lock; a failing ping is logged and
// left to the GC and revocation paths to clean up.
func (c *sessionProxyCache) keepAliveAll() {
	c.lock.Lock()
	proxies := make([]*Proxy, 0, len(c.entries))
	for _, entry := range c.entries {
		select {
		case <-entry.ready:
			if entry.proxy != nil {
				proxies = append(proxies, entry.proxy)
			}
		default:
		}
	}
	c.lock.Unlock()

	for _, proxy := range proxies {
		if err := proxy.keepAlive(); err != nil {
			logs.Warn.Println("proxy cache: grain keepalive failed", proxy.grainID, err)
		}
	}
}

func (c *sessionProxyCache) size() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// apiCacheKey is the two-level key of the API cache: the token's hash
// plus a hash of the serialized per-connection parameters.
type apiCacheKey struct {
	tokenID    string
	paramsHash string
}

// apiProxyCache holds proxies for bearer-token traffic in two
// time-ordered buckets. Every access promotes an entry into the new
// bucket; a periodic sweep closes old-bucket entries with no live
// websockets, carries live ones forward, then rotates the buckets. An
// idle proxy may outlive its last use by up to two sweep intervals,
// which costs bounded memory, not correctness.
type apiProxyCache struct {
	lock      sync.Mutex
	newBucket map[apiCacheKey]*Proxy
	oldBucket map[apiCacheKey]*Proxy

	interval time.Duration
	stop     chan bool
}

func newAPIProxyCache(sweepInterval time.Duration) *apiProxyCache {
	c := &apiProxyCache{
		newBucket: make(map[apiCacheKey]*Proxy),
		oldBucket: make(map[apiCacheKey]*Proxy),
		interval:  sweepInterval,
		stop:      make(chan bool, 1),
	}
	go c.sweepLoop()
	return c
}

// getOrCreate returns the proxy for key, creating one if absent. A lost
// creation race closes the extra proxy and uses the winner's.
func (c *apiProxyCache) getOrCreate(key apiCacheKey, create func() (*Proxy, error)) (*Proxy, error) {
	if proxy := c.get(key); proxy != nil {
		return proxy, nil
	}

	proxy, err := create()
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	if existing, ok := c.newBucket[key]; ok {
		c.lock.Unlock()
		proxy.close()
		return existing, nil
	}
	c.newBucket[key] = proxy
	c.lock.Unlock()
	return proxy, nil
}

// get fetches and promotes an entry. O(1) per access.
func (c *apiProxyCache) get(key apiCacheKey) *Proxy {
	c.lock.Lock()
	defer c.lock.Unlock()

	if proxy, ok := c.newBucket[key]; ok {
		return proxy
	}
	if proxy, ok := c.oldBucket[key]; ok {
		delete(c.oldBucket, key)
		c.newBucket[key] = proxy
		return proxy
	}
	return nil
}

// sweep closes idle old-bucket entries and rotates the buckets.
func (c *apiProxyCache) sweep() {
	c.lock.Lock()
	retired := c.oldBucket
	c.oldBucket = c.newBucket
	c.newBucket = make(map[apiCacheKey]*Proxy)

	var toClose []*Proxy
	for key, proxy := range retired {
		if proxy.hasLiveWebSockets() {
			// Sockets still open: carry the entry forward.
			c.oldBucket[key] = proxy
		} else {
			toClose = append(toClose, proxy)
		}
	}
	c.lock.Unlock()

	for _, proxy := range toClose {
		proxy.close()
	}
	if len(toClose) > 0 {
		statsInc("ApiProxiesSwept", len(toClose))
	}
}

func (c *apiProxyCache) sweepLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// removeForToken evicts and closes every proxy created from the given
// token. Part of the revocation path.
func (c *apiProxyCache) removeForToken(tokenID string) int {
	c.lock.Lock()
	var victims []*Proxy
	for key, proxy := range c.newBucket {
		if key.tokenID == tokenID {
			delete(c.newBucket, key)
			victims = append(victims, proxy)
		}
	}
	for key, proxy := range c.oldBucket {
		if key.tokenID == tokenID {
			delete(c.oldBucket, key)
			victims = append(victims, proxy)
		}
	}
	c.lock.Unlock()

	for _, proxy := range victims {
		proxy.close()
	}
	return len(victims)
}

// removeForGrain evicts and closes every proxy attached to a grain.
func (c *apiProxyCache) removeForGrain(grainID string) int {
	c.lock.Lock()
	var victims []*Proxy
	for key, proxy := range c.newBucket {
		if proxy.grainID == grainID {
			delete(c.newBucket, key)
			victims = append(victims, proxy)
		}
	}
	for key, proxy := range c.oldBucket {
		if proxy.grainID == grainID {
			delete(c.oldBucket, key)
			victims = append(victims, proxy)
		}
	}
	c.lock.Unlock()

	for _, proxy := range victims {
		proxy.close()
	}
	return len(victims)
}

// shutdown stops the sweeper and closes all entries.
func (c *apiProxyCache) shutdown() {
	select {
	case c.stop <- true:
	default:
	}
	c.lock.Lock()
	var all []*Proxy
	for _, proxy := range c.newBucket {
		all = append(all, proxy)
	}
	for _, proxy := range c.oldBucket {
		all = append(all, proxy)
	}
	c.newBucket = make(map[apiCacheKey]*Proxy)
	c.oldBucket = make(map[apiCacheKey]*Proxy)
	c.lock.Unlock()

	for _, proxy := range all {
		proxy.close()
	}
}

func (c *apiProxyCache) size() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.newBucket) + len(c.oldBucket)
}
