// pkg/auth/jwt.go
// Lightweight HMAC-SHA256 JWT signer/verifier for the relay's optional
// short-lived-credential path (SPEC_FULL.md domain stack): AUTH
// tokens may be either a static allow-listed string (spec.md §4.4's
// literal behavior, checked first) or a signed, expiring JWT an operator
// hands an agent instead of a long-lived shared secret. Deliberately avoids
// advanced JWT conventions (kid, JWKS) to keep the dependency surface
// minimal — this never needs to interoperate with an external IdP.
package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Signer mints agent credentials: short-lived tokens an operator can issue
// in place of a static bearer token in relayconf.Config.Tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time // injection point for tests
}

// NewSigner returns a Signer with the given secret, issuer claim and TTL.
func NewSigner(secret []byte, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{secret: secret, issuer: issuer, ttl: ttl, clock: time.Now}
}

// Claims returns standard claims for a token minted for agentID, the AUTH
// payload's subject.
func (s *Signer) Claims(agentID string, extra map[string]any) jwt.MapClaims {
	now := s.clock()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": agentID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

// Sign produces the JWT string to hand to the agent as its AUTH token.
func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verifier validates HMAC-signed AUTH tokens on the relay's control
// dispatcher (spec.md §4.4 AUTH handler), as a fallback after the static
// allow-list check misses.
type Verifier struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewVerifier constructs a verifier that additionally requires the
// expected issuer, if issuer is non-empty.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, clock: time.Now}
}

var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrExpiredToken   = errors.New("auth: token expired")
	ErrIssuerMismatch = errors.New("auth: issuer mismatch")
)

// ParseAndVerify parses tokenStr and returns its claims after validating
// signature, expiry and issuer. Used by the relay's AUTH handler (spec.md
// §4.4) as a second chance after the static-token allow-list misses.
func (v *Verifier) ParseAndVerify(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && claims["iss"] != v.issuer {
		return nil, ErrIssuerMismatch
	}
	return claims, nil
}
