// Package auth authenticates inbound requests and checks key scopes.
//
// Tenant keys look like "cnd_sk_<random>"; the admin token lives in the
// "cnd_admin_" namespace and is configured, not stored. Only SHA-256 hashes
// of tenant tokens are persisted; the raw token is shown once at issuance.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Token namespaces.
const (
	TenantKeyPrefix = "cnd_sk_"
	AdminKeyPrefix  = "cnd_admin_"
)

// Scopes.
const (
	ScopeCompletions      = "completions"
	ScopeAdminKeys        = "admin:keys"
	ScopeAdminDeployments = "admin:deployments"
	ScopeAdminPricing     = "admin:pricing"
	ScopeAdminAnalytics   = "admin:analytics"
	ScopeAdminCache       = "admin:cache"
)

// AllScopes is granted to the configured admin token.
var AllScopes = []string{
	ScopeCompletions,
	ScopeAdminKeys,
	ScopeAdminDeployments,
	ScopeAdminPricing,
	ScopeAdminAnalytics,
	ScopeAdminCache,
}

var (
	ErrUnauthenticated = errors.New("auth: missing or unknown API key")
	ErrKeyDisabled     = errors.New("auth: key disabled or expired")
	ErrForbidden       = errors.New("auth: scope not granted")
)

// Key is an authenticated principal. Admin is true only for the configured
// admin token; tenant keys always come from the store.
type Key struct {
	ID             string
	Prefix         string // display prefix, e.g. "cnd_sk_3f9a"
	Alias          string
	Owner          string
	TeamID         string
	Scopes         []string
	BudgetLimitUSD float64 // <= 0 means unlimited
	RPMLimit       int     // 0 means use the gateway default
	TPMLimit       int     // 0 means use the gateway default
	Enabled        bool
	ExpiresAt      time.Time // zero means never
	CreatedAt      time.Time
	Admin          bool
}

// HasScope reports whether the key carries the scope.
func (k *Key) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// KeyLookup resolves a token hash to a key. Implemented by the store.
// Returns (nil, nil) when no key matches.
type KeyLookup interface {
	KeyByHash(ctx context.Context, hash string) (*Key, error)
}

// Gate authenticates bearer tokens and enforces scopes.
type Gate struct {
	keys       KeyLookup
	adminToken string
	now        func() time.Time
}

func NewGate(keys KeyLookup, adminToken string) *Gate {
	return &Gate{keys: keys, adminToken: adminToken, now: time.Now}
}

// Authenticate resolves the Authorization header to a key.
func (g *Gate) Authenticate(ctx context.Context, authorization string) (*Key, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrUnauthenticated
	}

	switch {
	case strings.HasPrefix(token, AdminKeyPrefix):
		return g.authenticateAdmin(token)
	case strings.HasPrefix(token, TenantKeyPrefix):
		return g.authenticateTenant(ctx, token)
	default:
		return nil, ErrUnauthenticated
	}
}

func (g *Gate) authenticateAdmin(token string) (*Key, error) {
	if g.adminToken == "" {
		return nil, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
		return nil, ErrUnauthenticated
	}
	return &Key{
		ID:     "admin",
		Prefix: AdminKeyPrefix,
		Scopes: AllScopes,
		Admin:  true,
	}, nil
}

func (g *Gate) authenticateTenant(ctx context.Context, token string) (*Key, error) {
	key, err := g.keys.KeyByHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrUnauthenticated
	}
	if !key.Enabled {
		return nil, ErrKeyDisabled
	}
	if !key.ExpiresAt.IsZero() && !g.now().Before(key.ExpiresAt) {
		return nil, ErrKeyDisabled
	}
	return key, nil
}

// Authorize checks that the key carries the scope. Admin keys carry all
// scopes but go through the same check.
func (g *Gate) Authorize(key *Key, scope string) error {
	if key.HasScope(scope) {
		return nil
	}
	return ErrForbidden
}

func bearerToken(authorization string) (string, bool) {
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateToken mints a fresh tenant token. It returns the raw token (shown
// to the caller exactly once), its storage hash, and a short display prefix.
func GenerateToken() (raw, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	raw = TenantKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashToken(raw)
	prefix = raw[:len(TenantKeyPrefix)+4]
	return raw, hash, prefix, nil
}
