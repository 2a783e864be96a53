package storage

import (
	"context"
	"crypto/rsa"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatlink/connector/pkg/errors"
)

// tokenLifetime aligns with the hosting platform's execution lifecycle plus
// some buffer, so a minted token outlives any single invocation.
const tokenLifetime = 16 * time.Minute

// SigningTokenSource mints short-lived RS256 bearer tokens for the storage
// API from a pre-provisioned issuer key. It is used by deployments that hold
// their own storage credentials instead of a platform-supplied access token.
type SigningTokenSource struct {
	key      *rsa.PrivateKey
	keyID    string
	issuerID string
	subject  string
	audience string

	mu     sync.Mutex
	cached string
	expiry time.Time

	now func() time.Time
}

// NewSigningTokenSource creates a token source minting tokens for the given
// issuer identity and storage audience.
func NewSigningTokenSource(key *rsa.PrivateKey, keyID, issuerID, subject, audience string) *SigningTokenSource {
	return &SigningTokenSource{
		key:      key,
		keyID:    keyID,
		issuerID: issuerID,
		subject:  subject,
		audience: audience,
		now:      time.Now,
	}
}

// NewSigningTokenSourceFromPEM creates a signing token source from a
// PEM-encoded RSA private key.
func NewSigningTokenSourceFromPEM(pemKey []byte, keyID, issuerID, subject, audience string) (*SigningTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, errors.NewInternalError("failed to parse storage signing key", err)
	}
	return NewSigningTokenSource(key, keyID, issuerID, subject, audience), nil
}

// Token implements TokenSource. Minted tokens are reused until one minute
// before expiry.
func (s *SigningTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Before(s.expiry.Add(-time.Minute)) {
		return s.cached, nil
	}

	expiry := now.Add(tokenLifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": s.audience,
		"iss": s.issuerID,
		"sub": s.subject,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
		"jti": strconv.FormatInt(now.UnixMilli(), 10),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", errors.NewInternalError("failed to sign storage access token", err)
	}
	s.cached = signed
	s.expiry = expiry
	return signed, nil
}
