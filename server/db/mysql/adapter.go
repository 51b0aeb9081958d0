// Package mysql is a database adapter for MySQL.
package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/zarvox/sandstorm/server/store"
	t "github.com/zarvox/sandstorm/server/store/types"
)

// adapter holds MySQL connection data.
type adapter struct {
	db     *sqlx.DB
	dsn    string
	dbName string
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/sandstorm?parseTime=true"
	defaultDatabase = "sandstorm"

	adapterName = "mysql"
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`
}

// Open initializes the MySQL connection.
func (a *adapter) Open(jsonconf json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}
	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}

	var err error
	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sqlx.Open does not open the network connection. Force it here so a
	// misconfigured DSN fails at startup, not on first request.
	return a.db.Ping()
}

// Close closes the underlying database connection.
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	return err
}

// IsOpen returns true if the adapter is connected.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetName returns the adapter's name.
func (a *adapter) GetName() string {
	return adapterName
}

// CreateDb creates the schema, dropping the existing tables first when
// reset is requested.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		if _, err := a.db.Exec(`DROP TABLE IF EXISTS sessions, apitokens, grains, users`); err != nil {
			return err
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users(
			id        BIGINT UNSIGNED NOT NULL,
			name      VARCHAR(255) NOT NULL,
			handle    VARCHAR(64) NOT NULL,
			appid     VARCHAR(128) NOT NULL,
			PRIMARY KEY(id)
		)`,
		`CREATE TABLE IF NOT EXISTS grains(
			id         VARCHAR(64) NOT NULL,
			ownerid    BIGINT UNSIGNED NOT NULL,
			title      VARCHAR(255) NOT NULL DEFAULT '',
			private    TINYINT NOT NULL DEFAULT 1,
			lastactive DATETIME(3),
			trashedat  DATETIME(3),
			PRIMARY KEY(id)
		)`,
		`CREATE TABLE IF NOT EXISTS apitokens(
			id              CHAR(64) NOT NULL,
			accountid       BIGINT UNSIGNED NOT NULL DEFAULT 0,
			parentid        CHAR(64),
			permissions     BIGINT UNSIGNED NOT NULL DEFAULT 0,
			petname         VARCHAR(255) NOT NULL DEFAULT '',
			ownerkind       SMALLINT NOT NULL DEFAULT 0,
			ownergrain      VARCHAR(64) NOT NULL DEFAULT '',
			ownerlabel      VARCHAR(255) NOT NULL DEFAULT '',
			providerkind    SMALLINT NOT NULL DEFAULT 0,
			providergrain   VARCHAR(64) NOT NULL DEFAULT '',
			createdat       DATETIME(3) NOT NULL,
			lastused        DATETIME(3),
			expires         DATETIME(3),
			expiresifunused DATETIME(3),
			revoked         TINYINT NOT NULL DEFAULT 0,
			PRIMARY KEY(id),
			INDEX apitokens_parentid(parentid)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions(
			id            VARCHAR(32) NOT NULL,
			hostid        VARCHAR(64) NOT NULL,
			grainid       VARCHAR(64) NOT NULL,
			accountid     BIGINT UNSIGNED NOT NULL DEFAULT 0,
			tokenid       CHAR(64) NOT NULL DEFAULT '',
			permissions   BIGINT UNSIGNED NOT NULL DEFAULT 0,
			viewinfo      BLOB,
			createdat     DATETIME(3) NOT NULL,
			lastkeepalive DATETIME(3) NOT NULL,
			hasloaded     TINYINT NOT NULL DEFAULT 0,
			PRIMARY KEY(id),
			UNIQUE INDEX sessions_hostid(hostid),
			INDEX sessions_tokenid(tokenid),
			INDEX sessions_grainid(grainid)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (a *adapter) UserGet(id t.Uid) (*t.User, error) {
	var row struct {
		ID     uint64
		Name   string
		Handle string
		Appid  string
	}
	err := a.db.Get(&row, "SELECT id,name,handle,appid FROM users WHERE id=?", uint64(id))
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t.User{ID: t.Uid(row.ID), DisplayName: row.Name, Handle: row.Handle, AppID: row.Appid}, nil
}

func (a *adapter) UserUpsert(user *t.User) error {
	_, err := a.db.Exec(
		"INSERT INTO users(id,name,handle,appid) VALUES(?,?,?,?) "+
			"ON DUPLICATE KEY UPDATE name=VALUES(name),handle=VALUES(handle),appid=VALUES(appid)",
		uint64(user.ID), user.DisplayName, user.Handle, user.AppID)
	return err
}

type grainRow struct {
	ID         string
	Ownerid    uint64
	Title      string
	Private    bool
	Lastactive sql.NullTime
	Trashedat  sql.NullTime
}

func (r *grainRow) grain() *t.Grain {
	grain := &t.Grain{
		ID:      r.ID,
		OwnerID: t.Uid(r.Ownerid),
		Title:   r.Title,
		Private: r.Private,
	}
	if r.Lastactive.Valid {
		grain.LastActive = r.Lastactive.Time
	}
	if r.Trashedat.Valid {
		grain.TrashedAt = r.Trashedat.Time
	}
	return grain
}

func (a *adapter) GrainGet(id string) (*t.Grain, error) {
	var row grainRow
	err := a.db.Get(&row, "SELECT id,ownerid,title,private,lastactive,trashedat FROM grains WHERE id=?", id)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.grain(), nil
}

func (a *adapter) GrainUpsert(grain *t.Grain) error {
	_, err := a.db.Exec(
		"INSERT INTO grains(id,ownerid,title,private,lastactive) VALUES(?,?,?,?,?) "+
			"ON DUPLICATE KEY UPDATE ownerid=VALUES(ownerid),title=VALUES(title),private=VALUES(private)",
		grain.ID, uint64(grain.OwnerID), grain.Title, grain.Private, nullTime(grain.LastActive))
	return err
}

func (a *adapter) GrainUpdateLastActive(id string, when time.Time) error {
	return a.expectOneRow(a.db.Exec("UPDATE grains SET lastactive=? WHERE id=?", when, id))
}

func (a *adapter) GrainSetPrivate(id string, private bool) error {
	return a.expectOneRow(a.db.Exec("UPDATE grains SET private=? WHERE id=?", private, id))
}

type tokenRow struct {
	ID              string
	Accountid       uint64
	Parentid        sql.NullString
	Permissions     uint64
	Petname         string
	Ownerkind       int
	Ownergrain      string
	Ownerlabel      string
	Providerkind    int
	Providergrain   string
	Createdat       time.Time
	Lastused        sql.NullTime
	Expires         sql.NullTime
	Expiresifunused sql.NullTime
	Revoked         bool
}

func (r *tokenRow) token() *t.ApiToken {
	tok := &t.ApiToken{
		TokenID:     r.ID,
		AccountID:   t.Uid(r.Accountid),
		Permissions: t.PermissionSet(r.Permissions),
		Petname:     r.Petname,
		Owner: t.TokenOwner{
			Kind:       t.OwnerKind(r.Ownerkind),
			GrainID:    r.Ownergrain,
			SavedLabel: r.Ownerlabel,
		},
		Provider: t.TokenProvider{
			Kind:    t.ProviderKind(r.Providerkind),
			GrainID: r.Providergrain,
		},
		CreatedAt: r.Createdat,
		Revoked:   r.Revoked,
	}
	if r.Parentid.Valid {
		tok.ParentTokenID = r.Parentid.String
	}
	if r.Lastused.Valid {
		tok.LastUsed = r.Lastused.Time
	}
	if r.Expires.Valid {
		tok.Expires = r.Expires.Time
	}
	if r.Expiresifunused.Valid {
		tok.ExpiresIfUnused = r.Expiresifunused.Time
	}
	return tok
}

const tokenFields = "id,accountid,parentid,permissions,petname,ownerkind,ownergrain,ownerlabel," +
	"providerkind,providergrain,createdat,lastused,expires,expiresifunused,revoked"

func (a *adapter) TokenCreate(tok *t.ApiToken) error {
	var parent any
	if tok.ParentTokenID != "" {
		parent = tok.ParentTokenID
	}
	_, err := a.db.Exec(
		"INSERT INTO apitokens("+tokenFields+") VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		tok.TokenID, uint64(tok.AccountID), parent, uint64(tok.Permissions), tok.Petname,
		int(tok.Owner.Kind), tok.Owner.GrainID, tok.Owner.SavedLabel,
		int(tok.Provider.Kind), tok.Provider.GrainID,
		tok.CreatedAt, nullTime(tok.LastUsed), nullTime(tok.Expires),
		nullTime(tok.ExpiresIfUnused), tok.Revoked)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

func (a *adapter) TokenGet(tokenID string) (*t.ApiToken, error) {
	var row tokenRow
	err := a.db.Get(&row, "SELECT "+tokenFields+" FROM apitokens WHERE id=?", tokenID)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.token(), nil
}

func (a *adapter) TokenUpdateExpiresIfUnused(tokenID string, deadline time.Time) error {
	return a.expectOneRow(a.db.Exec("UPDATE apitokens SET expiresifunused=? WHERE id=?",
		nullTime(deadline), tokenID))
}

func (a *adapter) TokenUpdateLastUsed(tokenID string, when time.Time) error {
	return a.expectOneRow(a.db.Exec("UPDATE apitokens SET lastused=? WHERE id=?", when, tokenID))
}

func (a *adapter) TokenRevoke(tokenID string) error {
	return a.expectOneRow(a.db.Exec("UPDATE apitokens SET revoked=1 WHERE id=?", tokenID))
}

func (a *adapter) TokenUpdatePermissions(tokenID string, perms t.PermissionSet) error {
	return a.expectOneRow(a.db.Exec("UPDATE apitokens SET permissions=? WHERE id=?",
		uint64(perms), tokenID))
}

func (a *adapter) TokenChildren(parentID string) ([]string, error) {
	var children []string
	err := a.db.Select(&children, "SELECT id FROM apitokens WHERE parentid=?", parentID)
	return children, err
}

func (a *adapter) TokenDeleteRevokedBefore(cutoff time.Time) (int, error) {
	res, err := a.db.Exec(
		"DELETE FROM apitokens WHERE revoked=1 AND (lastused IS NULL OR lastused<?)", cutoff)
	if err != nil {
		return 0, err
	}
	count, _ := res.RowsAffected()
	return int(count), nil
}

type sessionRow struct {
	ID            string
	Hostid        string
	Grainid       string
	Accountid     uint64
	Tokenid       string
	Permissions   uint64
	Viewinfo      []byte
	Createdat     time.Time
	Lastkeepalive time.Time
	Hasloaded     bool
}

func (r *sessionRow) session() t.Session {
	return t.Session{
		ID:            r.ID,
		HostID:        r.Hostid,
		GrainID:       r.Grainid,
		AccountID:     t.Uid(r.Accountid),
		TokenID:       r.Tokenid,
		Permissions:   t.PermissionSet(r.Permissions),
		ViewInfo:      r.Viewinfo,
		CreatedAt:     r.Createdat,
		LastKeepalive: r.Lastkeepalive,
		HasLoaded:     r.Hasloaded,
	}
}

const sessionFields = "id,hostid,grainid,accountid,tokenid,permissions,viewinfo,createdat,lastkeepalive,hasloaded"

func (a *adapter) SessionCreate(sess *t.Session) error {
	_, err := a.db.Exec(
		"INSERT INTO sessions("+sessionFields+") VALUES(?,?,?,?,?,?,?,?,?,?)",
		sess.ID, sess.HostID, sess.GrainID, uint64(sess.AccountID), sess.TokenID,
		uint64(sess.Permissions), sess.ViewInfo, sess.CreatedAt, sess.LastKeepalive,
		sess.HasLoaded)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

func (a *adapter) SessionGet(id string) (*t.Session, error) {
	var row sessionRow
	err := a.db.Get(&row, "SELECT "+sessionFields+" FROM sessions WHERE id=?", id)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess := row.session()
	return &sess, nil
}

func (a *adapter) SessionGetByHost(hostID string) (*t.Session, error) {
	var row sessionRow
	err := a.db.Get(&row, "SELECT "+sessionFields+" FROM sessions WHERE hostid=?", hostID)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess := row.session()
	return &sess, nil
}

func (a *adapter) SessionTouch(id string, when time.Time) error {
	return a.expectOneRow(a.db.Exec("UPDATE sessions SET lastkeepalive=? WHERE id=?", when, id))
}

func (a *adapter) SessionSetHasLoaded(id string) error {
	return a.expectOneRow(a.db.Exec("UPDATE sessions SET hasloaded=1 WHERE id=?", id))
}

func (a *adapter) SessionDelete(id string) error {
	return a.expectOneRow(a.db.Exec("DELETE FROM sessions WHERE id=?", id))
}

func (a *adapter) sessionsWhere(clause string, arg any) ([]t.Session, error) {
	var rows []sessionRow
	err := a.db.Select(&rows, "SELECT "+sessionFields+" FROM sessions WHERE "+clause, arg)
	if err != nil {
		return nil, err
	}
	out := make([]t.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].session())
	}
	return out, nil
}

func (a *adapter) SessionsForToken(tokenID string) ([]t.Session, error) {
	return a.sessionsWhere("tokenid=?", tokenID)
}

func (a *adapter) SessionsForGrain(grainID string) ([]t.Session, error) {
	return a.sessionsWhere("grainid=?", grainID)
}

func (a *adapter) SessionDeleteIdle(cutoff time.Time) ([]t.Session, error) {
	// Select-then-delete; a session touched between the two statements is
	// deleted anyway, which only costs the client one reconnect.
	removed, err := a.sessionsWhere("lastkeepalive<?", cutoff)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	_, err = a.db.Exec("DELETE FROM sessions WHERE lastkeepalive<?", cutoff)
	return removed, err
}

// expectOneRow converts a zero-row UPDATE/DELETE into ErrNotFound.
func (a *adapter) expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return t.ErrNotFound
	}
	return nil
}

func nullTime(when time.Time) any {
	if when.IsZero() {
		return nil
	}
	return when
}

func isDupe(err error) bool {
	if err == nil {
		return false
	}
	// MySQL error 1062 is ER_DUP_ENTRY.
	var myerr *ms.MySQLError
	return errors.As(err, &myerr) && myerr.Number == 1062
}

func init() {
	store.RegisterAdapter(&adapter{})
}
