// Package authgate implements the Auth Gate (spec.md §4.4): issuance and
// validation of bearer tokens for the Edge<->Worker WebSocket handshake, and
// the dual Bearer-token/API-key acceptance rule on the HTTP surface.
//
// Token issuance is grounded on the JWTManager pattern from
// Kocoro-lab-Shannon/go/orchestrator/internal/auth/jwt.go (HS256,
// jwt.RegisteredClaims, constant-time comparisons for raw API keys),
// generalized from that repo's user/tenant claims down to the single
// clientId claim the bridge protocol needs.
package authgate

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload issued after a successful auth handshake
// (spec.md §3 "Auth token"): it carries the clientId the token was issued
// to, which ValidateToken returns.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId"`
}

// Gate issues and validates bearer tokens for one Edge process. One Gate is
// shared by the WS auth handshake and the HTTP Bearer-token check.
type Gate struct {
	mu     sync.RWMutex
	apiKey string

	signingKey []byte
	expiresIn  time.Duration
	issuer     string
}

// New builds a Gate. apiKey is the shared secret Workers and HTTP clients
// present to authenticate; signingKey signs issued JWTs; expiresIn is the
// token lifetime (spec.md §6 jwt-expires-in, default 24h).
func New(apiKey, signingKey string, expiresIn time.Duration) *Gate {
	return &Gate{
		apiKey:     apiKey,
		signingKey: []byte(signingKey),
		expiresIn:  expiresIn,
		issuer:     "lmbridge-edge",
	}
}

// CheckAPIKey reports whether candidate matches the configured API key,
// using a constant-time comparison (spec.md §4.4 "must not leak timing").
func (g *Gate) CheckAPIKey(candidate string) bool {
	if candidate == "" {
		return false
	}
	g.mu.RLock()
	key := g.apiKey
	g.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1
}

// SetAPIKey rotates the shared secret at runtime (SPEC_FULL.md §A.3:
// fsnotify-based hot reload of api-key, independent of JWT_SECRET).
func (g *Gate) SetAPIKey(newKey string) {
	g.mu.Lock()
	g.apiKey = newKey
	g.mu.Unlock()
}

// IssueToken signs a new bearer token bound to clientID, following a
// successful auth frame (spec.md §4.4 "auth" handshake).
func (g *Gate) IssueToken(clientID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(g.expiresIn)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("authgate: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and validates a bearer token previously issued by
// IssueToken, returning the clientId it is bound to.
func (g *Gate) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("authgate: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("authgate: invalid token")
	}
	if claims.Issuer != g.issuer {
		return "", fmt.Errorf("authgate: invalid token issuer")
	}
	if claims.ClientID == "" {
		return "", fmt.Errorf("authgate: token missing clientId")
	}
	return claims.ClientID, nil
}

// AuthenticateHTTP implements the HTTP-side dual acceptance rule (spec.md
// §4.4): a request is authenticated if it carries either a valid bearer
// JWT or the raw API key, both via the Authorization header. It returns the
// resolved clientId (for JWT) or "" (for a raw API key, which is not bound
// to one client) and whether authentication succeeded.
func (g *Gate) AuthenticateHTTP(authHeader string) (clientID string, ok bool) {
	token, err := ExtractBearerToken(authHeader)
	if err != nil {
		return "", false
	}
	if g.CheckAPIKey(token) {
		return "", true
	}
	clientID, err = g.ValidateToken(token)
	if err != nil {
		return "", false
	}
	return clientID, true
}

// ExtractBearerToken pulls the token out of a "Bearer <token>" Authorization
// header value. Grounded on the teacher pack's Shannon auth helper of the
// same name.
func ExtractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		return "", fmt.Errorf("authgate: invalid authorization header format")
	}
	return authHeader[len(prefix):], nil
}
