package tokens_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/authsession/pkg/tokens"
)

var (
	sharedTestKey     *ecdsa.PrivateKey
	sharedTestKeyOnce sync.Once
)

// getSharedTestKey returns a shared ECDSA key for tests that don't need isolation.
func getSharedTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	sharedTestKeyOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("failed to generate shared test key: " + err.Error())
		}
		sharedTestKey = key
	})
	return sharedTestKey
}

func issue(t *testing.T, lifetime time.Duration) string {
	t.Helper()
	issuer := tokens.NewIssuer(getSharedTestKey(t), "test.domain")
	token, err := issuer.Issue("alice", []string{"my-app"}, lifetime)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return token
}

func TestDecode_Valid(t *testing.T) {
	t.Parallel()
	before := time.Now().Add(-time.Second)
	token := issue(t, time.Hour)

	claims, err := tokens.Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// subject is carried through
	if claims.Subject != "alice" {
		t.Errorf("Subject = %s, want alice", claims.Subject)
	}

	// expiration is roughly an hour out
	want := before.Add(time.Hour)
	if d := claims.Expiration.Sub(want); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("Expiration = %v, want ~%v", claims.Expiration, want)
	}

	// issued at is not in the future
	if claims.IssuedAt.After(time.Now()) {
		t.Errorf("IssuedAt %v is in the future", claims.IssuedAt)
	}
}

func TestDecode_Empty(t *testing.T) {
	t.Parallel()

	// empty string is rejected with its own error
	_, err := tokens.Decode("")
	if !errors.Is(err, tokens.ErrTokenEmpty()) {
		t.Errorf("err = %v, want ErrTokenEmpty", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		token string
	}{
		{"one part", "not-a-jwt"},
		{"two parts", "abc.def"},
		{"bad base64", "!!!.@@@.###"},
		{"claims not json", "eyJhbGciOiJFUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// malformed tokens report ErrTokenMalformed
			_, err := tokens.Decode(tt.token)
			if !errors.Is(err, tokens.ErrTokenMalformed()) {
				t.Errorf("err = %v, want ErrTokenMalformed", err)
			}
		})
	}
}

func TestDecode_ExpiredStillDecodes(t *testing.T) {
	t.Parallel()
	token := issue(t, -time.Hour)

	// expiry is reported, not enforced
	claims, err := tokens.Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !claims.Expiration.Before(time.Now()) {
		t.Errorf("Expiration = %v, want in the past", claims.Expiration)
	}
}

func TestLifetime_UsesExpClaim(t *testing.T) {
	t.Parallel()
	token := issue(t, 3600*time.Second)
	now := time.Now()

	issuedAt, expiresAt, ok := tokens.Lifetime(token, now, tokens.DefaultFallbackLifetime)
	if !ok {
		t.Fatal("expected ok for a well-formed token")
	}

	// expiry matches the token, within a couple of seconds of skew
	if d := expiresAt.Sub(now.Add(time.Hour)); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("expiresAt = %v, want ~now+1h", expiresAt)
	}
	if issuedAt.After(now.Add(time.Second)) {
		t.Errorf("issuedAt = %v, want <= now", issuedAt)
	}
}

func TestLifetime_FallbackForMalformed(t *testing.T) {
	t.Parallel()
	now := time.Now()

	// malformed tokens get a bounded default expiry
	issuedAt, expiresAt, ok := tokens.Lifetime("garbage", now, 10*time.Minute)
	if ok {
		t.Error("expected ok=false for malformed token")
	}
	if !issuedAt.Equal(now) {
		t.Errorf("issuedAt = %v, want %v", issuedAt, now)
	}
	if !expiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("expiresAt = %v, want now+10m", expiresAt)
	}
}

func TestLifetime_FallbackForMissingExp(t *testing.T) {
	t.Parallel()
	issuer := tokens.NewIssuer(getSharedTestKey(t), "test.domain")
	token, err := issuer.IssueWithoutExpiry("alice")
	if err != nil {
		t.Fatalf("IssueWithoutExpiry failed: %v", err)
	}
	now := time.Now()

	// tokens without exp never get infinite trust
	_, expiresAt, ok := tokens.Lifetime(token, now, 0)
	if ok {
		t.Error("expected ok=false for token without exp")
	}
	if !expiresAt.Equal(now.Add(tokens.DefaultFallbackLifetime)) {
		t.Errorf("expiresAt = %v, want now+DefaultFallbackLifetime", expiresAt)
	}
}

func TestIssuer_DistinctTokens(t *testing.T) {
	t.Parallel()

	// two tokens issued back to back differ
	a := issue(t, time.Hour)
	b := issue(t, time.Hour)
	if a == b {
		t.Error("expected distinct tokens")
	}
}

func TestIssuer_NoKey(t *testing.T) {
	t.Parallel()
	issuer := tokens.NewIssuer(nil, "test.domain")

	// issuing without a key fails
	if _, err := issuer.Issue("alice", nil, time.Hour); err == nil {
		t.Error("expected error without signing key")
	}
}
