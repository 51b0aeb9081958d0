// Package mem is a non-persistent in-memory storage adapter. Suitable for
// single-box development setups and used heavily by tests.
package mem

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/zarvox/sandstorm/server/store"
	t "github.com/zarvox/sandstorm/server/store/types"
)

// adapter holds the in-memory tables.
type adapter struct {
	lock sync.RWMutex

	users    map[t.Uid]t.User
	grains   map[string]t.Grain
	tokens   map[string]t.ApiToken
	sessions map[string]t.Session

	open bool
}

const adapterName = "mem"

// Open marks the adapter ready. There is no connection to establish.
func (a *adapter) Open(jsonconf json.RawMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.open {
		return t.ErrInternal
	}
	a.users = make(map[t.Uid]t.User)
	a.grains = make(map[string]t.Grain)
	a.tokens = make(map[string]t.ApiToken)
	a.sessions = make(map[string]t.Session)
	a.open = true
	return nil
}

// Close drops all tables.
func (a *adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.users = nil
	a.grains = nil
	a.tokens = nil
	a.sessions = nil
	a.open = false
	return nil
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.open
}

// GetName returns the adapter's name.
func (a *adapter) GetName() string {
	return adapterName
}

// CreateDb is a noop for the in-memory adapter; Open creates the tables.
func (a *adapter) CreateDb(reset bool) error {
	return nil
}

func (a *adapter) UserGet(id t.Uid) (*t.User, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	user, ok := a.users[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	return &user, nil
}

func (a *adapter) UserUpsert(user *t.User) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.users[user.ID] = *user
	return nil
}

func (a *adapter) GrainGet(id string) (*t.Grain, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	grain, ok := a.grains[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	return &grain, nil
}

func (a *adapter) GrainUpsert(grain *t.Grain) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.grains[grain.ID] = *grain
	return nil
}

func (a *adapter) GrainUpdateLastActive(id string, when time.Time) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	grain, ok := a.grains[id]
	if !ok {
		return t.ErrNotFound
	}
	grain.LastActive = when
	a.grains[id] = grain
	return nil
}

func (a *adapter) GrainSetPrivate(id string, private bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	grain, ok := a.grains[id]
	if !ok {
		return t.ErrNotFound
	}
	grain.Private = private
	a.grains[id] = grain
	return nil
}

func (a *adapter) TokenCreate(tok *t.ApiToken) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.tokens[tok.TokenID]; ok {
		return t.ErrDuplicate
	}
	a.tokens[tok.TokenID] = *tok
	return nil
}

func (a *adapter) TokenGet(tokenID string) (*t.ApiToken, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	tok, ok := a.tokens[tokenID]
	if !ok {
		return nil, t.ErrNotFound
	}
	return &tok, nil
}

func (a *adapter) TokenUpdateExpiresIfUnused(tokenID string, deadline time.Time) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	tok, ok := a.tokens[tokenID]
	if !ok {
		return t.ErrNotFound
	}
	tok.ExpiresIfUnused = deadline
	a.tokens[tokenID] = tok
	return nil
}

func (a *adapter) TokenUpdateLastUsed(tokenID string, when time.Time) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	tok, ok := a.tokens[tokenID]
	if !ok {
		return t.ErrNotFound
	}
	tok.LastUsed = when
	a.tokens[tokenID] = tok
	return nil
}

func (a *adapter) TokenRevoke(tokenID string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	tok, ok := a.tokens[tokenID]
	if !ok {
		return t.ErrNotFound
	}
	tok.Revoked = true
	a.tokens[tokenID] = tok
	return nil
}

func (a *adapter) TokenUpdatePermissions(tokenID string, perms t.PermissionSet) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	tok, ok := a.tokens[tokenID]
	if !ok {
		return t.ErrNotFound
	}
	tok.Permissions = perms
	a.tokens[tokenID] = tok
	return nil
}

func (a *adapter) TokenChildren(parentID string) ([]string, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	var children []string
	for id, tok := range a.tokens {
		if tok.ParentTokenID == parentID {
			children = append(children, id)
		}
	}
	return children, nil
}

func (a *adapter) TokenDeleteRevokedBefore(cutoff time.Time) (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	count := 0
	for id, tok := range a.tokens {
		if tok.Revoked && tok.LastUsed.Before(cutoff) {
			delete(a.tokens, id)
			count++
		}
	}
	return count, nil
}

func (a *adapter) SessionCreate(sess *t.Session) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.sessions[sess.ID]; ok {
		return t.ErrDuplicate
	}
	a.sessions[sess.ID] = *sess
	return nil
}

func (a *adapter) SessionGet(id string) (*t.Session, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	sess, ok := a.sessions[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	return &sess, nil
}

func (a *adapter) SessionGetByHost(hostID string) (*t.Session, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	for _, sess := range a.sessions {
		if sess.HostID == hostID {
			found := sess
			return &found, nil
		}
	}
	return nil, t.ErrNotFound
}

func (a *adapter) SessionTouch(id string, when time.Time) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	sess, ok := a.sessions[id]
	if !ok {
		return t.ErrNotFound
	}
	sess.LastKeepalive = when
	a.sessions[id] = sess
	return nil
}

func (a *adapter) SessionSetHasLoaded(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	sess, ok := a.sessions[id]
	if !ok {
		return t.ErrNotFound
	}
	sess.HasLoaded = true
	a.sessions[id] = sess
	return nil
}

func (a *adapter) SessionDelete(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.sessions[id]; !ok {
		return t.ErrNotFound
	}
	delete(a.sessions, id)
	return nil
}

func (a *adapter) SessionsForToken(tokenID string) ([]t.Session, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	var out []t.Session
	for _, sess := range a.sessions {
		if sess.TokenID == tokenID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (a *adapter) SessionsForGrain(grainID string) ([]t.Session, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	var out []t.Session
	for _, sess := range a.sessions {
		if sess.GrainID == grainID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (a *adapter) SessionDeleteIdle(cutoff time.Time) ([]t.Session, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	var removed []t.Session
	for id, sess := range a.sessions {
		if sess.LastKeepalive.Before(cutoff) {
			removed = append(removed, sess)
			delete(a.sessions, id)
		}
	}
	return removed, nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
