// Package types defines the persistent objects shared by the gateway and
// its storage adapters: users, grains, capability tokens and UI sessions.
package types

import (
	"strings"
	"time"
)

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrDuplicate means creating an object failed due to a duplicate key.
	ErrDuplicate = StoreError("duplicate value")
	// ErrMalformed means the secret or object id cannot be parsed.
	ErrMalformed = StoreError("malformed")
	// ErrConcurrency means the mutation lost a race with a conflicting one.
	ErrConcurrency = StoreError("concurrency")
)

// Uid is a database-unique record id for accounts.
type Uid uint64

// ZeroUid is a constant representing unitialized Uid.
const ZeroUid Uid = 0

// IsZero checks if Uid is uninitialized.
func (uid Uid) IsZero() bool {
	return uid == ZeroUid
}

// PermissionSet is a bitmap of app-defined permissions, one bit per
// permission index declared by the application's view.
type PermissionSet uint64

// Intersect returns permissions present in both sets. Attenuation down a
// token parent chain is a fold of Intersect over the chain.
func (p PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return p & other
}

// OwnerKind discriminates what kind of principal holds a token.
type OwnerKind int

// Token owner kinds.
const (
	// OwnerWebkey: the token is a user-facing webkey, usable over HTTP.
	OwnerWebkey OwnerKind = iota
	// OwnerChild: the token exists only as the parent of derived tokens.
	OwnerChild
	// OwnerFrontendRef: the token backs an internal frontend capability.
	OwnerFrontendRef
	// OwnerGrain: the token was minted for grain-to-grain communication.
	OwnerGrain
)

// TokenOwner is a tagged union describing the holder of a token. Only the
// field matching Kind is meaningful.
type TokenOwner struct {
	Kind OwnerKind
	// Grain which holds the token. Set for OwnerGrain.
	GrainID string
	// Saved petname under which the owning grain filed the token.
	SavedLabel string
}

// ProviderKind discriminates what object a token grants access to.
type ProviderKind int

// Token provider kinds.
const (
	// ProviderUiView: the token grants access to a grain's main web view.
	ProviderUiView ProviderKind = iota
	// ProviderGrainObject: a raw capability exported by a grain, not a view.
	ProviderGrainObject
	// ProviderFrontendRef: a capability implemented by the gateway itself.
	ProviderFrontendRef
	// ProviderChild: the token re-exports (attenuates) its parent's object.
	ProviderChild
)

// TokenProvider is a tagged union describing the object a token points at.
type TokenProvider struct {
	Kind ProviderKind
	// Grain exposing the object. Set for ProviderUiView and
	// ProviderGrainObject.
	GrainID string
}

// ApiToken is a persisted capability token. The record is keyed by TokenID,
// a one-way hash of the bearer secret; the secret itself is never stored.
type ApiToken struct {
	// Hex-encoded sha256 of the bearer secret.
	TokenID string
	// Account which created the token; zero for anonymously-derived tokens.
	AccountID Uid
	// TokenID of the parent in the attenuation chain; empty for roots.
	ParentTokenID string
	// Permissions granted by this link of the chain. The effective set is
	// the intersection of Permissions over the whole ancestor chain.
	Permissions PermissionSet
	// Human label assigned at creation.
	Petname string

	Owner    TokenOwner
	Provider TokenProvider

	CreatedAt time.Time
	LastUsed  time.Time
	// Hard expiry. Zero means the token does not expire.
	Expires time.Time
	// Expiry which applies only until first use; cleared when the token is
	// first presented without a refresh request.
	ExpiresIfUnused time.Time
	Revoked         bool
}

// GrainID reports the grain this token routes to, walking the provider
// union. Empty for frontend-ref tokens.
func (t *ApiToken) GrainID() string {
	switch t.Provider.Kind {
	case ProviderUiView, ProviderGrainObject:
		return t.Provider.GrainID
	default:
		return ""
	}
}

// Session is one open UI connection to a grain. Sessions are ephemeral:
// they are garbage collected when the client stops sending keepalives.
type Session struct {
	// Random unguessable session id, also the cookie value.
	ID string
	// Routable host id: the wildcard-host segment serving this session.
	HostID  string
	GrainID string
	// Account which opened the session; zero for anonymous visitors.
	AccountID Uid
	// TokenID of the sharing token the session was opened through, if any.
	TokenID string
	// Permissions computed at session open.
	Permissions PermissionSet
	// Cached app view metadata, serialized. Opaque to the store.
	ViewInfo []byte

	CreatedAt     time.Time
	LastKeepalive time.Time
	// Set once the app has produced its first successful response.
	HasLoaded bool
}

// Grain is one installed application instance.
type Grain struct {
	ID      string
	OwnerID Uid
	Title   string
	// Private grains require a token or ownership; public ones do not.
	Private    bool
	LastActive time.Time
	TrashedAt  time.Time
}

// User is the account projection the gateway needs for building the user
// info passed to applications.
type User struct {
	ID          Uid
	DisplayName string
	// Preferred handle: lowercase ASCII identifier offered to apps.
	Handle string
	// Stable per-account id string disclosed to grains.
	AppID string
}

// TokenChange describes one mutation of a token record, published to
// revocation watchers.
type TokenChange struct {
	TokenID string
	// Set when the token was revoked or its permissions reduced.
	Invalidated bool
}

// GrainChange describes a grain-level mutation relevant to live sessions.
type GrainChange struct {
	GrainID string
	// Set when the grain was made private or deleted.
	Invalidated bool
}

// ValidHostID reports whether s is usable as the variable segment of a
// wildcard host: nonempty, lowercase alphanumerics and dashes only.
func ValidHostID(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-'
	}) < 0
}
