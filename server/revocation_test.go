package main

import (
	"testing"
	"time"

	"github.com/zarvox/sandstorm/server/store"
	"github.com/zarvox/sandstorm/server/store/types"
)

// waitFor polls cond until it holds or the deadline passes. The watcher
// works asynchronously off the change feeds, so eviction is eventually
// visible rather than synchronous with the store write.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRevocationSeversTokenSubtree(t *testing.T) {
	sessionCache := newSessionProxyCache()
	apiCache := newAPIProxyCache(time.Hour)
	defer apiCache.shutdown()
	prevSessions, prevAPI := globals.sessionProxies, globals.apiProxies
	globals.sessionProxies, globals.apiProxies = sessionCache, apiCache
	defer func() { globals.sessionProxies, globals.apiProxies = prevSessions, prevAPI }()

	root := seedToken(t, "rev-root", nil)
	child := seedToken(t, "rev-child", func(tok *types.ApiToken) {
		tok.ParentTokenID = root.TokenID
		tok.Provider = types.TokenProvider{Kind: types.ProviderChild}
	})
	bystander := seedToken(t, "rev-bystander", nil)

	sess := &types.Session{HostID: "host-rev", GrainID: "grain-1", TokenID: child.TokenID}
	if err := store.Sessions.Create(sess); err != nil {
		t.Fatal(err)
	}

	childKey := apiCacheKey{tokenID: child.TokenID, paramsHash: "p1"}
	bystanderKey := apiCacheKey{tokenID: bystander.TokenID, paramsHash: "p1"}
	apiCache.getOrCreate(childKey, func() (*Proxy, error) { return testProxy("grain-1", child.TokenID), nil })
	apiCache.getOrCreate(bystanderKey, func() (*Proxy, error) { return testProxy("grain-1", bystander.TokenID), nil })
	sessionCache.getOrCreate("host-rev", func() (*Proxy, error) { return testProxy("grain-1", child.TokenID), nil })

	watcher := startRevocationWatcher()
	defer watcher.shutdown()

	// Revoking the root must sever everything derived from it, including
	// the grandchild session opened through the attenuated child token.
	if err := store.Tokens.Revoke(root.TokenID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "child api proxy eviction", func() bool { return apiCache.get(childKey) == nil })
	waitFor(t, "session proxy eviction", func() bool { return sessionCache.size() == 0 })
	waitFor(t, "session record deletion", func() bool {
		_, err := store.Sessions.Get(sess.ID)
		return err != nil
	})

	if apiCache.get(bystanderKey) == nil {
		t.Error("unrelated token's proxy was evicted")
	}
}

func TestRevocationOnGrainPrivate(t *testing.T) {
	sessionCache := newSessionProxyCache()
	apiCache := newAPIProxyCache(time.Hour)
	defer apiCache.shutdown()
	prevSessions, prevAPI := globals.sessionProxies, globals.apiProxies
	globals.sessionProxies, globals.apiProxies = sessionCache, apiCache
	defer func() { globals.sessionProxies, globals.apiProxies = prevSessions, prevAPI }()

	grain := &types.Grain{ID: "grain-priv", Title: "Soon Private"}
	if err := store.Grains.Upsert(grain); err != nil {
		t.Fatal(err)
	}
	sess := &types.Session{HostID: "host-priv", GrainID: grain.ID}
	if err := store.Sessions.Create(sess); err != nil {
		t.Fatal(err)
	}
	key := apiCacheKey{tokenID: "tok-priv", paramsHash: "p1"}
	apiCache.getOrCreate(key, func() (*Proxy, error) { return testProxy(grain.ID, "tok-priv"), nil })
	sessionCache.getOrCreate("host-priv", func() (*Proxy, error) { return testProxy(grain.ID, ""), nil })

	watcher := startRevocationWatcher()
	defer watcher.shutdown()

	if err := store.Grains.SetPrivate(grain.ID, true); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "api proxy eviction", func() bool { return apiCache.get(key) == nil })
	waitFor(t, "session proxy eviction", func() bool { return sessionCache.size() == 0 })
	waitFor(t, "session record deletion", func() bool {
		_, err := store.Sessions.Get(sess.ID)
		return err != nil
	})
}
