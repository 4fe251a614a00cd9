package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var testKeys = map[string]*rsa.PrivateKey{}

func testKey(t *testing.T, name string) *rsa.PrivateKey {
	t.Helper()
	if key, ok := testKeys[name]; ok {
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	testKeys[name] = key
	return key
}

func newTestSessionStore(t *testing.T, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	s, err := NewJWTSessionStore(testKey(t, "default"), revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func signRaw(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) AccessClaims {
	return AccessClaims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-raw",
			Issuer:    defaultJWTIssuer,
			Audience:  jwt.ClaimStrings{defaultJWTAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        "jti-raw",
		},
	}
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{KeyID: "kid-active"})

	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q err=%v", ok, userID, err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ID == "" || claims.TokenType != "access" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Minute {
		t.Fatalf("unexpected lifetime: %v", got)
	}

	keys := s.JWKS()
	if len(keys) != 1 || keys[0].Kid != "kid-active" {
		t.Fatalf("unexpected jwks: %+v", keys)
	}
	if keys[0].Kty != "RSA" || keys[0].Use != "sig" || keys[0].Alg != "RS256" || keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("unexpected jwk fields: %+v", keys[0])
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newTestSessionStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a"})
	verify := newTestSessionStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b"})

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := verify.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected audience mismatch to fail, got: %v", err)
	}
}

func TestJWTSessionStoreRejectsExpired(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{Leeway: time.Second})
	issued := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return issued }
	token, err := s.NewSession("user-old")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	s.now = time.Now
	if _, err := s.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to fail, got: %v", err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSession("garbage"); err != nil {
		t.Fatalf("delete of invalid token should be ignored: %v", err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	issued := time.Now().Add(-10 * time.Second)
	s.now = func() time.Time { return issued }
	old, err := s.NewSession("user-cutoff")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	s.now = time.Now

	if err := s.RevokeUserSessions("user-cutoff", time.Now()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, err := s.Verify(old); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected user-revoked token to fail, got: %v", err)
	}
	fresh, err := s.NewSession("user-cutoff")
	if err != nil {
		t.Fatalf("new session after cutoff: %v", err)
	}
	if _, err := s.Verify(fresh); err != nil {
		t.Fatalf("token issued after cutoff should verify: %v", err)
	}
}

func TestJWTSessionStoreUserCutoffWithinSameSecond(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	base := time.Now().Truncate(time.Second).Add(100 * time.Millisecond)
	s.now = func() time.Time { return base }
	before, err := s.NewSession("user-same-second")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions("user-same-second", base.Add(200*time.Millisecond)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, err := s.Verify(before); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("token issued earlier in the cutoff second must be revoked, got: %v", err)
	}
	s.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	after, err := s.NewSession("user-same-second")
	if err != nil {
		t.Fatalf("new session after cutoff: %v", err)
	}
	s.now = time.Now
	claims, err := s.Verify(after)
	if err != nil {
		t.Fatalf("token issued later in the cutoff second should verify: %v", err)
	}
	if !claims.Issued().Equal(base.Add(500 * time.Millisecond).UTC()) {
		t.Fatalf("unexpected issued time %v", claims.Issued())
	}
}

func TestJWTSessionStoreFromPEMVerifiesPreviousKey(t *testing.T) {
	oldPrivate, oldPublic := writeRSAKeyPairFiles(t, "old")
	newPrivate, _ := writeRSAKeyPairFiles(t, "new")

	oldStore, err := NewJWTSessionStoreFromPEM(oldPrivate, nil, nil, JWTOptions{KeyID: "kid-old", TTL: time.Minute})
	if err != nil {
		t.Fatalf("old store: %v", err)
	}
	oldToken, err := oldStore.NewSession("user-2")
	if err != nil {
		t.Fatalf("old token: %v", err)
	}

	rotated, err := NewJWTSessionStoreFromPEM(newPrivate, map[string]string{"kid-old": oldPublic}, nil, JWTOptions{KeyID: "kid-new", TTL: time.Minute})
	if err != nil {
		t.Fatalf("rotated store: %v", err)
	}
	if userID, _, err := rotated.GetUserIDByToken(oldToken); err != nil || userID != "user-2" {
		t.Fatalf("old token should verify with rotated store: userID=%q err=%v", userID, err)
	}
	if keys := rotated.JWKS(); len(keys) != 2 {
		t.Fatalf("expected 2 jwks entries, got %d", len(keys))
	}

	unrelated, err := NewJWTSessionStoreFromPEM(newPrivate, nil, nil, JWTOptions{KeyID: "kid-new", TTL: time.Minute})
	if err != nil {
		t.Fatalf("unrelated store: %v", err)
	}
	if _, err := unrelated.Verify(oldToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected unknown kid to fail, got: %v", err)
	}
}

func TestJWTSessionStoreRejectsMalformedClaims(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{KeyID: "kid-a", Leeway: time.Second})
	key := testKey(t, "default")
	now := time.Now().UTC()

	futureIAT := validClaims(now)
	futureIAT.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute))

	noJTI := validClaims(now)
	noJTI.ID = ""

	refreshType := validClaims(now)
	refreshType.TokenType = "refresh"

	noExp := validClaims(now)
	noExp.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing kid", token: signRaw(t, key, "", validClaims(now))},
		{name: "future iat", token: signRaw(t, key, "kid-a", futureIAT)},
		{name: "missing jti", token: signRaw(t, key, "kid-a", noJTI)},
		{name: "wrong token type", token: signRaw(t, key, "kid-a", refreshType)},
		{name: "missing exp", token: signRaw(t, key, "kid-a", noExp)},
		{name: "foreign key", token: signRaw(t, testKey(t, "foreign"), "kid-a", validClaims(now))},
		{name: "garbage", token: "not-a-jwt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Verify(tc.token); !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("expected invalid token, got: %v", err)
			}
		})
	}

	if _, err := s.Verify(signRaw(t, key, "kid-a", validClaims(now))); err != nil {
		t.Fatalf("control token should verify: %v", err)
	}
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := testKey(t, prefix)

	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
