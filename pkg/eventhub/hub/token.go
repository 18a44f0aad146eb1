package hub

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

const (
	// MaxTokenLifetime caps access token lifetimes.
	MaxTokenLifetime = 300 * time.Second
	// MinTokenLifetime is the shortest lifetime a token can carry; expiry
	// claims have whole-second resolution.
	MinTokenLifetime = time.Second

	tokenIssuer  = "eventhub/hub"
	tokenKeyInfo = "eventhub.hub.token.v1"
)

// Grant is what an access token entitles its bearer to. It lives only
// inside the signed token.
type Grant struct {
	CredentialID string
	UserID       string
	Scope        []string
	RequestID    string
	ExpiresAt    time.Time
	TokenID      string
}

// Principal returns the identity insights submitted under g act as.
func (g Grant) Principal() string { return PrincipalPrefix + g.CredentialID }

type grantClaims struct {
	jwt.RegisteredClaims
	CredentialID string   `json:"cid"`
	RequestID    string   `json:"rid"`
	Scope        []string `json:"scope"`
}

// signer mints and verifies HS256 access tokens with a key derived from
// the configured master secret.
type signer struct {
	key []byte
	now func() time.Time
}

func newSigner(master []byte, now func() time.Time) (*signer, error) {
	if len(master) < 16 {
		return nil, errors.New("hub: token secret must be at least 16 bytes")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("hub: derive token key: %w", err)
	}
	return &signer{key: key, now: now}, nil
}

func (s *signer) mint(g Grant) (string, Grant, error) {
	g.TokenID = event.NewID()
	issued := s.now()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        g.TokenID,
			Subject:   g.UserID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
		CredentialID: g.CredentialID,
		RequestID:    g.RequestID,
		Scope:        g.Scope,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", Grant{}, fmt.Errorf("hub: sign token: %w", err)
	}
	// NumericDate truncates to seconds.
	g.ExpiresAt = claims.ExpiresAt.Time.UTC()
	return token, g, nil
}

// parse verifies token. An expired token still yields its grant alongside
// the ExpiredTokenError so the failure can be audited under its user.
func (s *signer) parse(token string) (Grant, error) {
	claims := &grantClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	grant := Grant{
		CredentialID: claims.CredentialID,
		UserID:       claims.Subject,
		Scope:        claims.Scope,
		RequestID:    claims.RequestID,
		TokenID:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		grant.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	switch {
	case err == nil:
		return grant, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return grant, &ExpiredTokenError{ExpiredAt: grant.ExpiresAt}
	default:
		return Grant{}, &InvalidTokenError{Reason: err.Error()}
	}
}
