package main

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testProxy(grainID, tokenID string) *Proxy {
	return newAPIProxy(nil, grainID, 0, tokenID, UserInfo{}, SessionParams{})
}

func TestSessionCacheSharedCreation(t *testing.T) {
	cache := newSessionProxyCache()

	var created int32
	var wg sync.WaitGroup
	results := make([]*Proxy, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			proxy, err := cache.getOrCreate("host-1", func() (*Proxy, error) {
				atomic.AddInt32(&created, 1)
				// Give the other goroutines time to pile up on the entry.
				time.Sleep(10 * time.Millisecond)
				return testProxy("grain-1", "tok-1"), nil
			})
			if err != nil {
				t.Error(err)
			}
			results[i] = proxy
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("create ran %d times, want 1", created)
	}
	for _, proxy := range results[1:] {
		if proxy != results[0] {
			t.Error("concurrent callers got different proxies")
		}
	}
	if cache.size() != 1 {
		t.Errorf("size = %d", cache.size())
	}
}

func TestSessionCacheFailedCreationNotCached(t *testing.T) {
	cache := newSessionProxyCache()

	wantErr := errors.New("backend down")
	_, err := cache.getOrCreate("host-2", func() (*Proxy, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v", err)
	}
	if cache.size() != 0 {
		t.Error("failed creation left an entry behind")
	}
	// Next attempt runs create again.
	proxy, err := cache.getOrCreate("host-2", func() (*Proxy, error) {
		return testProxy("grain-2", "tok-2"), nil
	})
	if err != nil || proxy == nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSessionCacheConcurrentClose(t *testing.T) {
	cache := newSessionProxyCache()

	creating := make(chan struct{})
	release := make(chan struct{})
	var got *Proxy
	var gotErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, gotErr = cache.getOrCreate("host-3", func() (*Proxy, error) {
			close(creating)
			<-release
			return testProxy("grain-3", "tok-3"), nil
		})
	}()

	// Revoke the slot while creation is in flight.
	<-creating
	cache.removeAndClose("host-3")
	close(release)
	<-done

	if got != nil || gotErr == nil {
		t.Fatalf("expected concurrently-closed error, got %v, %v", got, gotErr)
	}
	if errToStatus(gotErr) != 410 {
		t.Errorf("status = %d, want 410 Gone", errToStatus(gotErr))
	}
	if cache.size() != 0 {
		t.Error("cleared slot re-appeared")
	}
}

func TestSessionCacheRemovePending(t *testing.T) {
	cache := newSessionProxyCache()

	creating := make(chan struct{})
	release := make(chan struct{})
	go cache.getOrCreate("host-4", func() (*Proxy, error) {
		close(creating)
		<-release
		return testProxy("grain-4", "tok-4"), nil
	})

	<-creating
	// The entry exists but is not ready; remove must not hand it out.
	if proxy := cache.remove("host-4"); proxy != nil {
		t.Error("remove returned a half-created proxy")
	}
	close(release)
}

func TestSessionCacheKeepAliveAll(t *testing.T) {
	fake, client := startFakeBackend(t)
	sess := seedSession(t, "host-kal")
	cache := newSessionProxyCache()
	defer cache.closeAll()

	proxy, err := cache.getOrCreate(sess.HostID, func() (*Proxy, error) {
		return newSessionProxy(client, sess, 0, UserInfo{}, SessionParams{}), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// No supervisor connected yet: nothing to ping.
	cache.keepAliveAll()
	fake.lock.Lock()
	before := fake.keepAlives
	fake.lock.Unlock()
	if before != 0 {
		t.Fatalf("keepalives before any request = %d, want 0", before)
	}

	rec := httptest.NewRecorder()
	proxy.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "http://host-kal.example.com/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	cache.keepAliveAll()
	fake.lock.Lock()
	after := fake.keepAlives
	fake.lock.Unlock()
	if after != 1 {
		t.Errorf("keepalives = %d, want 1", after)
	}
}

func TestAPICachePromoteAndSweep(t *testing.T) {
	cache := newAPIProxyCache(time.Hour)
	defer cache.shutdown()

	keyA := apiCacheKey{tokenID: "tok-a", paramsHash: "p1"}
	keyB := apiCacheKey{tokenID: "tok-b", paramsHash: "p1"}

	proxyA, _ := cache.getOrCreate(keyA, func() (*Proxy, error) { return testProxy("grain-a", "tok-a"), nil })
	cache.getOrCreate(keyB, func() (*Proxy, error) { return testProxy("grain-b", "tok-b"), nil })

	// First sweep: both entries age into the old bucket.
	cache.sweep()
	if cache.size() != 2 {
		t.Fatalf("size after first sweep = %d", cache.size())
	}

	// Access A to promote it; B stays old and gets closed next sweep.
	if got := cache.get(keyA); got != proxyA {
		t.Fatal("promotion lost the entry")
	}
	cache.sweep()

	if cache.get(keyB) != nil {
		t.Error("idle entry survived two sweeps")
	}
	if cache.get(keyA) == nil {
		t.Error("recently used entry was evicted")
	}
}

func TestAPICacheLiveWebSocketSurvivesSweep(t *testing.T) {
	cache := newAPIProxyCache(time.Hour)
	defer cache.shutdown()

	key := apiCacheKey{tokenID: "tok-ws", paramsHash: "p1"}
	proxy, _ := cache.getOrCreate(key, func() (*Proxy, error) { return testProxy("grain-ws", "tok-ws"), nil })

	client, server := net.Pipe()
	defer server.Close()
	if !proxy.trackWebSocket(client) {
		t.Fatal("trackWebSocket refused")
	}

	// Entries with live websockets are carried across sweeps indefinitely.
	cache.sweep()
	cache.sweep()
	cache.sweep()
	if cache.get(key) != proxy {
		t.Fatal("entry with a live websocket was evicted")
	}

	proxy.untrackWebSocket(client)
	client.Close()
	cache.sweep()
	cache.sweep()
	if cache.get(key) != nil {
		t.Error("entry without websockets survived after they closed")
	}
}

func TestAPICacheRemoveForToken(t *testing.T) {
	cache := newAPIProxyCache(time.Hour)
	defer cache.shutdown()

	// Two connection variants of one token plus an unrelated token.
	cache.getOrCreate(apiCacheKey{"tok-x", "p1"}, func() (*Proxy, error) { return testProxy("grain-x", "tok-x"), nil })
	cache.getOrCreate(apiCacheKey{"tok-x", "p2"}, func() (*Proxy, error) { return testProxy("grain-x", "tok-x"), nil })
	other, _ := cache.getOrCreate(apiCacheKey{"tok-y", "p1"}, func() (*Proxy, error) { return testProxy("grain-y", "tok-y"), nil })

	if n := cache.removeForToken("tok-x"); n != 2 {
		t.Errorf("removeForToken evicted %d, want 2", n)
	}
	if cache.get(apiCacheKey{"tok-y", "p1"}) != other {
		t.Error("unrelated token was evicted")
	}
}

func TestAPICacheRemoveForGrain(t *testing.T) {
	cache := newAPIProxyCache(time.Hour)
	defer cache.shutdown()

	cache.getOrCreate(apiCacheKey{"tok-1", "p1"}, func() (*Proxy, error) { return testProxy("grain-z", "tok-1"), nil })
	cache.getOrCreate(apiCacheKey{"tok-2", "p1"}, func() (*Proxy, error) { return testProxy("grain-z", "tok-2"), nil })
	cache.getOrCreate(apiCacheKey{"tok-3", "p1"}, func() (*Proxy, error) { return testProxy("grain-w", "tok-3"), nil })

	if n := cache.removeForGrain("grain-z"); n != 2 {
		t.Errorf("removeForGrain evicted %d, want 2", n)
	}
	if cache.size() != 1 {
		t.Errorf("size = %d, want 1", cache.size())
	}
}

func TestProxyCloseIdempotent(t *testing.T) {
	proxy := testProxy("grain-c", "tok-c")
	proxy.close()
	proxy.close()
	if proxy.trackWebSocket(nil) {
		t.Error("closed proxy accepted a websocket")
	}
}
