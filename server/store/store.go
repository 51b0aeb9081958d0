// Package store provides methods for registering and accessing the
// database adapter, plus typed mapper objects for each persisted record
// kind. It also fans out token/grain mutation events to in-process
// subscribers (the revocation watcher).
package store

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/zarvox/sandstorm/server/store/adapter"
	t "github.com/zarvox/sandstorm/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator.
var uGen t.UidGenerator

type configType struct {
	// 16-byte key for XTEA, used to initialize the Uid generator.
	UidKey []byte `json:"uid_key"`
	// DB adapter name to use. Should be one of the keys in Adapters.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// RegisterAdapter makes a persistence adapter available by its name.
// Called from the adapter's init(), so a nil or duplicate registration
// panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: register adapter is nil")
	}

	name := a.GetName()
	if _, ok := availableAdapters[name]; ok {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

// Open initializes the persistence system. Adapter name and config are
// provided in jsonconf.
func Open(workerID int, jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error())
	}

	if adp == nil {
		if config.UseAdapter != "" {
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: adapter '" + config.UseAdapter + "' is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			for _, ad := range availableAdapters {
				adp = ad
			}
		} else {
			return errors.New("store: db adapter is not specified")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if err := uGen.Init(uint(workerID), config.UidKey); err != nil {
		return errors.New("store: failed to init id generator: " + err.Error())
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}
	return adp.Open(adapterConfig)
}

// Close terminates the connection to the persistent storage.
func Close() error {
	if adp == nil || !adp.IsOpen() {
		return nil
	}
	return adp.Close()
}

// IsOpen checks if persistent storage is ready for use.
func IsOpen() bool {
	return adp != nil && adp.IsOpen()
}

// GetAdapterName returns the name of the active adapter.
func GetAdapterName() string {
	if adp == nil {
		return ""
	}
	return adp.GetName()
}

// InitDb creates the database schema.
func InitDb(reset bool) error {
	return adp.CreateDb(reset)
}

// GetUid generates a unique ID.
func GetUid() t.Uid {
	return uGen.Get()
}

// GetUidString generates a unique ID as a string. Used for session ids.
func GetUidString() string {
	return uGen.GetStr()
}

// Mutation fan-out. Subscribers receive every token/grain invalidation
// published through the mappers; delivery is blocking so a revocation is
// never silently dropped.
var changeFeed struct {
	sync.Mutex
	tokenSubs []chan t.TokenChange
	grainSubs []chan t.GrainChange
}

// SubscribeTokenChanges returns a channel carrying token mutations.
func SubscribeTokenChanges(buffer int) <-chan t.TokenChange {
	ch := make(chan t.TokenChange, buffer)
	changeFeed.Lock()
	changeFeed.tokenSubs = append(changeFeed.tokenSubs, ch)
	changeFeed.Unlock()
	return ch
}

// SubscribeGrainChanges returns a channel carrying grain mutations.
func SubscribeGrainChanges(buffer int) <-chan t.GrainChange {
	ch := make(chan t.GrainChange, buffer)
	changeFeed.Lock()
	changeFeed.grainSubs = append(changeFeed.grainSubs, ch)
	changeFeed.Unlock()
	return ch
}

func publishTokenChange(change t.TokenChange) {
	changeFeed.Lock()
	subs := changeFeed.tokenSubs
	changeFeed.Unlock()
	for _, ch := range subs {
		ch <- change
	}
}

func publishGrainChange(change t.GrainChange) {
	changeFeed.Lock()
	subs := changeFeed.grainSubs
	changeFeed.Unlock()
	for _, ch := range subs {
		ch <- change
	}
}

// UsersObjMapper is a users struct to hold methods for persistence mapping.
type UsersObjMapper struct{}

// Users is the ancor for storing/retrieving User objects.
var Users UsersObjMapper

// Get loads a single account record.
func (UsersObjMapper) Get(id t.Uid) (*t.User, error) {
	return adp.UserGet(id)
}

// Upsert adds or replaces an account record.
func (UsersObjMapper) Upsert(user *t.User) error {
	return adp.UserUpsert(user)
}

// GrainsObjMapper holds methods for grain persistence mapping.
type GrainsObjMapper struct{}

// Grains is the anchor for storing/retrieving Grain objects.
var Grains GrainsObjMapper

// Get loads a single grain record.
func (GrainsObjMapper) Get(id string) (*t.Grain, error) {
	return adp.GrainGet(id)
}

// Upsert adds or replaces a grain record.
func (GrainsObjMapper) Upsert(grain *t.Grain) error {
	return adp.GrainUpsert(grain)
}

// UpdateLastActive bumps the grain's last-activity timestamp.
func (GrainsObjMapper) UpdateLastActive(id string, when time.Time) error {
	return adp.GrainUpdateLastActive(id, when)
}

// SetPrivate flips the grain's privacy flag and notifies watchers when
// the grain becomes private.
func (GrainsObjMapper) SetPrivate(id string, private bool) error {
	if err := adp.GrainSetPrivate(id, private); err != nil {
		return err
	}
	if private {
		publishGrainChange(t.GrainChange{GrainID: id, Invalidated: true})
	}
	return nil
}

// TokensObjMapper holds methods for capability token persistence mapping.
type TokensObjMapper struct{}

// Tokens is the anchor for storing/retrieving ApiToken objects.
var Tokens TokensObjMapper

// Create adds a new token record.
func (TokensObjMapper) Create(tok *t.ApiToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC().Round(time.Millisecond)
	}
	return adp.TokenCreate(tok)
}

// Get loads a token record by hashed id.
func (TokensObjMapper) Get(tokenID string) (*t.ApiToken, error) {
	return adp.TokenGet(tokenID)
}

// SetExpiresIfUnused updates the token's idle-expiry deadline. A zero
// deadline clears the field (the token's first use).
func (TokensObjMapper) SetExpiresIfUnused(tokenID string, deadline time.Time) error {
	return adp.TokenUpdateExpiresIfUnused(tokenID, deadline)
}

// UpdateLastUsed records when the token was last presented.
func (TokensObjMapper) UpdateLastUsed(tokenID string, when time.Time) error {
	return adp.TokenUpdateLastUsed(tokenID, when)
}

// Revoke marks the token revoked and notifies watchers.
func (TokensObjMapper) Revoke(tokenID string) error {
	if err := adp.TokenRevoke(tokenID); err != nil {
		return err
	}
	publishTokenChange(t.TokenChange{TokenID: tokenID, Invalidated: true})
	return nil
}

// UpdatePermissions replaces the token's own permission set. Treated as
// an invalidation: cached authorization derived from the old set must be
// discarded.
func (TokensObjMapper) UpdatePermissions(tokenID string, perms t.PermissionSet) error {
	if err := adp.TokenUpdatePermissions(tokenID, perms); err != nil {
		return err
	}
	publishTokenChange(t.TokenChange{TokenID: tokenID, Invalidated: true})
	return nil
}

// Children lists ids of tokens directly derived from the given token.
func (TokensObjMapper) Children(parentID string) ([]string, error) {
	return adp.TokenChildren(parentID)
}

// DeleteRevokedBefore garbage-collects long-revoked tokens.
func (TokensObjMapper) DeleteRevokedBefore(cutoff time.Time) (int, error) {
	return adp.TokenDeleteRevokedBefore(cutoff)
}

// SessionsObjMapper holds methods for UI session persistence mapping.
type SessionsObjMapper struct{}

// Sessions is the anchor for storing/retrieving Session objects.
var Sessions SessionsObjMapper

// Create adds a new session record.
func (SessionsObjMapper) Create(sess *t.Session) error {
	now := time.Now().UTC().Round(time.Millisecond)
	if sess.ID == "" {
		sess.ID = GetUidString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastKeepalive.IsZero() {
		sess.LastKeepalive = now
	}
	return adp.SessionCreate(sess)
}

// Get loads a session by id.
func (SessionsObjMapper) Get(id string) (*t.Session, error) {
	return adp.SessionGet(id)
}

// GetByHost loads a session by its routable host id.
func (SessionsObjMapper) GetByHost(hostID string) (*t.Session, error) {
	return adp.SessionGetByHost(hostID)
}

// Touch bumps the session's keepalive timestamp.
func (SessionsObjMapper) Touch(id string, when time.Time) error {
	return adp.SessionTouch(id, when)
}

// SetHasLoaded marks the session as having produced its first response.
func (SessionsObjMapper) SetHasLoaded(id string) error {
	return adp.SessionSetHasLoaded(id)
}

// Delete removes a session record.
func (SessionsObjMapper) Delete(id string) error {
	return adp.SessionDelete(id)
}

// ForToken lists sessions opened through the given token.
func (SessionsObjMapper) ForToken(tokenID string) ([]t.Session, error) {
	return adp.SessionsForToken(tokenID)
}

// ForGrain lists sessions attached to the given grain.
func (SessionsObjMapper) ForGrain(grainID string) ([]t.Session, error) {
	return adp.SessionsForGrain(grainID)
}

// DeleteIdle removes sessions idle since before the cutoff, returning the
// removed records.
func (SessionsObjMapper) DeleteIdle(cutoff time.Time) ([]t.Session, error) {
	return adp.SessionDeleteIdle(cutoff)
}
