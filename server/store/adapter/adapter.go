// Package adapter contains the interface to be implemented by the
// database adapter backing the gateway.
package adapter

import (
	"encoding/json"
	"time"

	t "github.com/zarvox/sandstorm/server/store/types"
)

// Adapter is the interface which must be implemented by a database
// adapter. A single adapter instance serves the whole process.
type Adapter interface {
	// Open and configure the adapter.
	Open(jsonconf json.RawMessage) error
	// Close the underlying database connection.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the adapter's name.
	GetName() string
	// CreateDb creates the database schema, optionally dropping an
	// existing one first.
	CreateDb(reset bool) error

	// User management.

	// UserGet fetches a single account record.
	UserGet(id t.Uid) (*t.User, error)
	// UserUpsert adds or replaces an account record.
	UserUpsert(user *t.User) error

	// Grain management.

	// GrainGet fetches a single grain record.
	GrainGet(id string) (*t.Grain, error)
	// GrainUpsert adds or replaces a grain record.
	GrainUpsert(grain *t.Grain) error
	// GrainUpdateLastActive bumps the grain's last-activity timestamp.
	GrainUpdateLastActive(id string, when time.Time) error
	// GrainSetPrivate flips the grain's privacy flag.
	GrainSetPrivate(id string, private bool) error

	// Capability tokens. Records are keyed by the hash of the secret.

	// TokenCreate adds a new token record.
	TokenCreate(tok *t.ApiToken) error
	// TokenGet fetches a token record by hashed id.
	TokenGet(tokenID string) (*t.ApiToken, error)
	// TokenUpdateExpiresIfUnused sets the expires-if-unused timestamp.
	// A zero value clears the field.
	TokenUpdateExpiresIfUnused(tokenID string, deadline time.Time) error
	// TokenUpdateLastUsed records the time the token was last presented.
	TokenUpdateLastUsed(tokenID string, when time.Time) error
	// TokenRevoke marks the token revoked. Revocation is never undone.
	TokenRevoke(tokenID string) error
	// TokenUpdatePermissions replaces the token's own permission set.
	TokenUpdatePermissions(tokenID string, perms t.PermissionSet) error
	// TokenChildren lists ids of tokens directly derived from the given one.
	TokenChildren(parentID string) ([]string, error)
	// TokenDeleteRevokedBefore garbage-collects tokens revoked earlier
	// than the cutoff. Returns the number of records removed.
	TokenDeleteRevokedBefore(cutoff time.Time) (int, error)

	// UI sessions.

	// SessionCreate adds a new session record.
	SessionCreate(sess *t.Session) error
	// SessionGet fetches a session by id.
	SessionGet(id string) (*t.Session, error)
	// SessionGetByHost fetches a session by its routable host id.
	SessionGetByHost(hostID string) (*t.Session, error)
	// SessionTouch bumps the session's keepalive timestamp.
	SessionTouch(id string, when time.Time) error
	// SessionSetHasLoaded marks the session as having produced output.
	SessionSetHasLoaded(id string) error
	// SessionDelete removes a session record.
	SessionDelete(id string) error
	// SessionsForToken lists sessions opened through the given token.
	SessionsForToken(tokenID string) ([]t.Session, error)
	// SessionsForGrain lists sessions attached to the given grain.
	SessionsForGrain(grainID string) ([]t.Session, error)
	// SessionDeleteIdle removes sessions with no keepalive since the
	// cutoff and returns the removed records so live state can be torn
	// down alongside.
	SessionDeleteIdle(cutoff time.Time) ([]t.Session, error)
}
