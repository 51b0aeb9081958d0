/******************************************************************************
 *
 *  Description :
 *
 *    Revocation watcher: subscribes to token and grain mutations from
 *    the store and severs live traffic derived from the revoked object.
 *    Revoking a token invalidates its whole derivation subtree, so a
 *    leaked attenuated token cannot outlive its parent.
 *
 *****************************************************************************/

package main

import (
	"github.com/zarvox/sandstorm/server/concurrency"
	"github.com/zarvox/sandstorm/server/logs"
	"github.com/zarvox/sandstorm/server/store"
)

const (
	// Buffer on the subscription channels. Publishes block when full, so
	// a slow watcher backpressures revocation calls instead of dropping
	// them.
	revocationFeedBuffer = 64
	// Goroutines fanning out subtree invalidation.
	revocationWorkers = 4
)

// revocationWatcher owns the background goroutine translating store
// mutations into proxy evictions.
type revocationWatcher struct {
	pool *concurrency.GoRoutinePool
	stop chan bool
}

// startRevocationWatcher subscribes to the store's change feeds and
// begins processing. Must be called after the proxy caches exist.
func startRevocationWatcher() *revocationWatcher {
	w := &revocationWatcher{
		pool: concurrency.NewGoRoutinePool(revocationWorkers),
		stop: make(chan bool, 1),
	}
	tokens := store.SubscribeTokenChanges(revocationFeedBuffer)
	grains := store.SubscribeGrainChanges(revocationFeedBuffer)

	go func() {
		for {
			select {
			case change := <-tokens:
				if change.Invalidated {
					id := change.TokenID
					w.pool.Schedule(func() { invalidateTokenTree(id) })
				}
			case change := <-grains:
				if change.Invalidated {
					id := change.GrainID
					w.pool.Schedule(func() { invalidateGrain(id) })
				}
			case <-w.stop:
				return
			}
		}
	}()
	return w
}

func (w *revocationWatcher) shutdown() {
	select {
	case w.stop <- true:
	default:
	}
	w.pool.Stop()
}

// invalidateTokenTree evicts every proxy and session derived from the
// token or any of its descendants. Breadth-first over the derivation
// tree; the depth bound matches the validation-side chain limit, so
// anything deeper could never have authorized traffic anyway.
func invalidateTokenTree(tokenID string) {
	evicted := 0
	seen := map[string]bool{tokenID: true}
	frontier := []string{tokenID}

	for depth := 0; len(frontier) > 0 && depth < maxTokenChainDepth; depth++ {
		var next []string
		for _, id := range frontier {
			evicted += invalidateToken(id)

			children, err := store.Tokens.Children(id)
			if err != nil {
				logs.Err.Println("revocation: listing children of", id, "failed:", err)
				continue
			}
			for _, child := range children {
				if !seen[child] {
					seen[child] = true
					next = append(next, child)
				}
			}
		}
		frontier = next
	}

	if evicted > 0 {
		statsInc("TokensRevokedLive", evicted)
		logs.Info.Println("revocation: token", tokenID, "severed", evicted, "live proxies")
	}
}

// invalidateToken evicts proxies and sessions tied to one exact token.
func invalidateToken(tokenID string) int {
	evicted := globals.apiProxies.removeForToken(tokenID)

	sessions, err := store.Sessions.ForToken(tokenID)
	if err != nil {
		logs.Err.Println("revocation: listing sessions of token", tokenID, "failed:", err)
		return evicted
	}
	for i := range sessions {
		globals.sessionProxies.removeAndClose(sessions[i].HostID)
		if err = store.Sessions.Delete(sessions[i].ID); err != nil {
			logs.Err.Println("revocation: deleting session", sessions[i].ID, "failed:", err)
		}
		evicted++
	}
	return evicted
}

// invalidateGrain evicts everything attached to a grain, regardless of
// which token authorized it. Used when a grain goes private or is
// deleted.
func invalidateGrain(grainID string) {
	evicted := globals.apiProxies.removeForGrain(grainID)

	sessions, err := store.Sessions.ForGrain(grainID)
	if err != nil {
		logs.Err.Println("revocation: listing sessions of grain", grainID, "failed:", err)
	}
	for i := range sessions {
		globals.sessionProxies.removeAndClose(sessions[i].HostID)
		if err = store.Sessions.Delete(sessions[i].ID); err != nil {
			logs.Err.Println("revocation: deleting session", sessions[i].ID, "failed:", err)
		}
		evicted++
	}

	if evicted > 0 {
		logs.Info.Println("revocation: grain", grainID, "severed", evicted, "live proxies")
	}
}
