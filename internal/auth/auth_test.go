package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeLookup struct {
	byHash map[string]*Key
}

func (f *fakeLookup) KeyByHash(_ context.Context, hash string) (*Key, error) {
	return f.byHash[hash], nil
}

func newTestGate(t *testing.T, keys ...*Key) (*Gate, []string) {
	t.Helper()

	lookup := &fakeLookup{byHash: make(map[string]*Key)}
	raws := make([]string, len(keys))
	for i, k := range keys {
		raw, hash, prefix, err := GenerateToken()
		if err != nil {
			t.Fatal(err)
		}
		k.Prefix = prefix
		lookup.byHash[hash] = k
		raws[i] = raw
	}
	return NewGate(lookup, "cnd_admin_secret"), raws
}

func TestAuthenticateTenant(t *testing.T) {
	key := &Key{ID: "k1", Enabled: true, Scopes: []string{ScopeCompletions}}
	gate, raws := newTestGate(t, key)

	got, err := gate.Authenticate(context.Background(), "Bearer "+raws[0])
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != "k1" || got.Admin {
		t.Fatalf("got key %+v", got)
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	gate, _ := newTestGate(t)

	cases := []string{
		"",
		"Bearer ",
		"Bearer not-a-key",
		"Bearer " + TenantKeyPrefix + "unknown",
		"Basic dXNlcjpwYXNz",
	}
	for _, h := range cases {
		if _, err := gate.Authenticate(context.Background(), h); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("header %q: err = %v, want ErrUnauthenticated", h, err)
		}
	}
}

func TestAuthenticateDisabledKey(t *testing.T) {
	key := &Key{ID: "k1", Enabled: false}
	gate, raws := newTestGate(t, key)

	if _, err := gate.Authenticate(context.Background(), "Bearer "+raws[0]); !errors.Is(err, ErrKeyDisabled) {
		t.Fatalf("err = %v, want ErrKeyDisabled", err)
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	key := &Key{ID: "k1", Enabled: true, ExpiresAt: time.Now().Add(-time.Minute)}
	gate, raws := newTestGate(t, key)

	if _, err := gate.Authenticate(context.Background(), "Bearer "+raws[0]); !errors.Is(err, ErrKeyDisabled) {
		t.Fatalf("err = %v, want ErrKeyDisabled", err)
	}
}

func TestAuthenticateAdmin(t *testing.T) {
	gate, _ := newTestGate(t)

	key, err := gate.Authenticate(context.Background(), "Bearer cnd_admin_secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !key.Admin {
		t.Fatal("expected admin key")
	}
	for _, scope := range AllScopes {
		if err := gate.Authorize(key, scope); err != nil {
			t.Errorf("admin missing scope %s", scope)
		}
	}
}

func TestAuthenticateAdminWrongToken(t *testing.T) {
	gate, _ := newTestGate(t)

	if _, err := gate.Authenticate(context.Background(), "Bearer cnd_admin_wrong"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthorizeScopes(t *testing.T) {
	gate, _ := newTestGate(t)
	key := &Key{Scopes: []string{ScopeCompletions}}

	if err := gate.Authorize(key, ScopeCompletions); err != nil {
		t.Fatalf("Authorize(completions): %v", err)
	}
	if err := gate.Authorize(key, ScopeAdminKeys); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize(admin:keys) = %v, want ErrForbidden", err)
	}
}

func TestGenerateToken(t *testing.T) {
	raw, hash, prefix, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, TenantKeyPrefix) {
		t.Fatalf("raw token %q missing prefix", raw)
	}
	if hash != HashToken(raw) {
		t.Fatal("hash does not match HashToken(raw)")
	}
	if !strings.HasPrefix(raw, prefix) {
		t.Fatalf("prefix %q is not a prefix of the token", prefix)
	}

	raw2, _, _, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if raw == raw2 {
		t.Fatal("two generated tokens are identical")
	}
}
