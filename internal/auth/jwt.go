package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// bridgeClaims is the token body: registered claims plus the bridge roles.
type bridgeClaims struct {
	jwt.RegisteredClaims
	Roles []Role `json:"roles"`
}

// JWTSigner issues short-lived EdDSA tokens. The key pair lives only in
// process memory, so tokens die with the daemon.
type JWTSigner struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewSigningKey returns a fresh Ed25519 key for one daemon run.
func NewSigningKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

func NewJWTSigner(priv ed25519.PrivateKey, issuer string, ttl time.Duration, clock clockwork.Clock) *JWTSigner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTSigner{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
		clock:  clock,
	}
}

// IssueToken signs a token for principal carrying roles and returns it with
// its expiry.
func (s *JWTSigner) IssueToken(principal string, roles []Role) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	body := bridgeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, body).SignedString(s.priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAndValidate checks signature, issuer and expiry. Every failure is
// reported as ErrInvalidToken.
func (s *JWTSigner) ParseAndValidate(raw string) (*Claims, error) {
	var body bridgeClaims
	tok, err := jwt.ParseWithClaims(raw, &body,
		func(*jwt.Token) (any, error) { return s.pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	c := &Claims{Principal: body.Subject, Roles: body.Roles, TokenID: body.ID}
	if body.ExpiresAt != nil {
		c.Expires = body.ExpiresAt.Time
	}
	return c, nil
}
