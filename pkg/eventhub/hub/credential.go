package hub

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
)

// CredentialPrefix starts every long-lived credential string.
const CredentialPrefix = "ehc_"

// PrincipalPrefix marks principals that act through a hub credential.
const PrincipalPrefix = "hub:"

// Credential is a long-lived external-service credential. Only a hash of
// the secret is kept.
type Credential struct {
	ID         string
	UserID     string
	SecretHash string
	// Scope is the ceiling of categories a grant may request.
	Scope     []string
	ExpiresAt *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Principal returns the identity requests made with c act as.
func (c Credential) Principal() string { return PrincipalPrefix + c.ID }

// check returns an InvalidCredentialError if c is unusable at now.
func (c Credential) check(now time.Time) error {
	if c.RevokedAt != nil {
		return &InvalidCredentialError{Reason: "revoked"}
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return &InvalidCredentialError{Reason: "expired"}
	}
	return nil
}

// NewCredential generates a credential for userID and returns it together
// with the only copy of its secret string `ehc_<id>.<secret>`.
func NewCredential(userID string, scope []string, expiresAt *time.Time, now time.Time) (string, Credential, error) {
	var idRaw [8]byte
	var secretRaw [32]byte
	if _, err := rand.Read(idRaw[:]); err != nil {
		return "", Credential{}, fmt.Errorf("generate credential id: %w", err)
	}
	if _, err := rand.Read(secretRaw[:]); err != nil {
		return "", Credential{}, fmt.Errorf("generate credential secret: %w", err)
	}
	id := hex.EncodeToString(idRaw[:])
	secret := base64.RawURLEncoding.EncodeToString(secretRaw[:])

	cred := Credential{
		ID:         id,
		UserID:     userID,
		SecretHash: HashSecret(secret),
		Scope:      append([]string(nil), scope...),
		ExpiresAt:  expiresAt,
		CreatedAt:  now.UTC(),
	}
	return CredentialPrefix + id + "." + secret, cred, nil
}

// ParseCredential splits a credential string into id and secret.
func ParseCredential(s string) (id, secret string, err error) {
	rest, ok := strings.CutPrefix(s, CredentialPrefix)
	if !ok {
		return "", "", &InvalidCredentialError{Reason: "malformed"}
	}
	id, secret, ok = strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return "", "", &InvalidCredentialError{Reason: "malformed"}
	}
	return id, secret, nil
}

// HashSecret returns the stored form of a credential secret.
func HashSecret(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatches(secret, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(hash)) == 1
}

// CredentialStore persists credentials.
type CredentialStore interface {
	Put(ctx context.Context, cred Credential) error
	// Lookup returns the credential or ErrCredentialNotFound.
	Lookup(ctx context.Context, id string) (Credential, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// Delegations adapts a CredentialStore to pipeline.Delegations: a hub
// principal may act for the user owning its credential while the
// credential is live.
func Delegations(store CredentialStore, c clock.Clock) pipeline.Delegations {
	if c == nil {
		c = clock.Real()
	}
	return credentialDelegations{store: store, clock: c}
}

type credentialDelegations struct {
	store CredentialStore
	clock clock.Clock
}

func (d credentialDelegations) Delegates(ctx context.Context, principal, userID string) (bool, error) {
	id, ok := strings.CutPrefix(principal, PrincipalPrefix)
	if !ok {
		return false, nil
	}
	cred, err := d.store.Lookup(ctx, id)
	if errors.Is(err, ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cred.UserID == userID && cred.check(d.clock.Now()) == nil, nil
}

// MemoryCredentials is an in-memory CredentialStore.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryCredentials creates an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{creds: make(map[string]Credential)}
}

// Put implements CredentialStore.
func (m *MemoryCredentials) Put(_ context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.ID] = cred
	return nil
}

// Lookup implements CredentialStore.
func (m *MemoryCredentials) Lookup(_ context.Context, id string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[id]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}

// Revoke implements CredentialStore. Grants minted from the credential
// stop working immediately.
func (m *MemoryCredentials) Revoke(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[id]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.RevokedAt == nil {
		cred.RevokedAt = &at
		m.creds[id] = cred
	}
	return nil
}

// SQLCredentials stores credentials in the hub_credentials table.
type SQLCredentials struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLCredentials creates a store on a migrated database.
func NewSQLCredentials(db *sql.DB, dialect sqldb.Dialect) *SQLCredentials {
	return &SQLCredentials{db: db, dialect: dialect}
}

// Put implements CredentialStore.
func (s *SQLCredentials) Put(ctx context.Context, cred Credential) error {
	scope, err := json.Marshal(cred.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO hub_credentials (id, user_id, secret_hash, scope, expires_at, revoked_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		cred.ID, cred.UserID, cred.SecretHash, string(scope),
		nullTime(cred.ExpiresAt), nullTime(cred.RevokedAt), cred.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Lookup implements CredentialStore.
func (s *SQLCredentials) Lookup(ctx context.Context, id string) (Credential, error) {
	var (
		cred      Credential
		scope     string
		expiresAt sql.NullInt64
		revokedAt sql.NullInt64
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT id, user_id, secret_hash, scope, expires_at, revoked_at, created_at
		 FROM hub_credentials WHERE id = ?`), id).
		Scan(&cred.ID, &cred.UserID, &cred.SecretHash, &scope, &expiresAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("lookup credential: %w", err)
	}
	if err := json.Unmarshal([]byte(scope), &cred.Scope); err != nil {
		return Credential{}, fmt.Errorf("decode credential scope: %w", err)
	}
	cred.ExpiresAt = timeFromNull(expiresAt)
	cred.RevokedAt = timeFromNull(revokedAt)
	cred.CreatedAt = time.Unix(0, createdAt).UTC()
	return cred, nil
}

// Revoke implements CredentialStore.
func (s *SQLCredentials) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE hub_credentials SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`),
		at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
