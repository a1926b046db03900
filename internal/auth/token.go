package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

const tokenIssuer = "coopgate"

var (
	ErrInvalidToken = errors.New("invalid resume token")
	ErrTokenRevoked = errors.New("resume token has been used or revoked")
)

// ResumeClaims are carried by a resume token. They name the user only,
// the role is always looked up again when the token is redeemed.
type ResumeClaims struct {
	ClientType string `json:"client_type,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session resume tokens. Tokens are single
// use, redeeming or revoking one records its ID until it expires.
type TokenIssuer struct {
	privateKey *ecdsa.PrivateKey
	kid        string // Key ID (fingerprint)
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // token ID -> expiry
}

// NewTokenIssuer creates an issuer from a PEM encoded ECDSA P-256 private key.
// An empty PEM generates an ephemeral key, tokens then don't survive a restart.
func NewTokenIssuer(privateKeyPEM string, ttl time.Duration) (*TokenIssuer, error) {
	if ttl <= 0 {
		return nil, errors.New("resume token TTL must be greater than 0")
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if privateKeyPEM == "" {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		log.Warn().Msg("Using an ephemeral resume token key, tokens are invalidated on restart")
	} else {
		key, err = jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse resume token key: %w", err)
		}
	}

	// Compute fingerprint as kid
	pubKeyDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(pubKeyDER)

	return &TokenIssuer{
		privateKey: key,
		kid:        base58.Encode(sum[:]),
		ttl:        ttl,
		now:        time.Now,
		revoked:    make(map[string]time.Time),
	}, nil
}

// Kid returns the key ID (fingerprint) used in token headers.
func (ti *TokenIssuer) Kid() string {
	return ti.kid
}

// Issue creates a signed resume token for username.
func (ti *TokenIssuer) Issue(username, clientType string) (string, error) {
	now := ti.now()
	claims := &ResumeClaims{
		ClientType: clientType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = ti.kid

	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign resume token: %w", err)
	}

	return signed, nil
}

// Verify validates a resume token and returns its claims.
func (ti *TokenIssuer) Verify(tokenStr string) (*ResumeClaims, error) {
	claims, err := ti.parse(tokenStr)
	if err != nil {
		return nil, err
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	if _, ok := ti.revoked[claims.ID]; ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenRevoked)
	}

	return claims, nil
}

// Redeem validates a resume token and revokes it in one step, so a token
// resumes at most one session.
func (ti *TokenIssuer) Redeem(tokenStr string) (*ResumeClaims, error) {
	claims, err := ti.parse(tokenStr)
	if err != nil {
		return nil, err
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	if _, ok := ti.revoked[claims.ID]; ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenRevoked)
	}
	ti.revokeLocked(claims)

	return claims, nil
}

// Revoke invalidates a token that has not been redeemed. Tokens that do not
// verify are ignored.
func (ti *TokenIssuer) Revoke(tokenStr string) {
	claims, err := ti.parse(tokenStr)
	if err != nil {
		return
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	ti.revokeLocked(claims)
}

func (ti *TokenIssuer) revokeLocked(claims *ResumeClaims) {
	now := ti.now()
	for id, expires := range ti.revoked {
		if now.After(expires) {
			delete(ti.revoked, id)
		}
	}

	ti.revoked[claims.ID] = claims.ExpiresAt.Time
}

func (ti *TokenIssuer) parse(tokenStr string) (*ResumeClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &ResumeClaims{}, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != ti.kid {
			return nil, errors.New("unknown key id")
		}
		return &ti.privateKey.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		log.Debug().Err(err).Msg("Resume token parse error")
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*ResumeClaims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
