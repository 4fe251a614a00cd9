package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestUserTokenRevokerCutoffOnlyMovesForward(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	revokers := map[string]UserTokenRevoker{
		"memory": NewMemoryTokenRevoker(),
		"redis":  NewRedisTokenRevokerWithClient(client),
	}
	for name, r := range revokers {
		t.Run(name, func(t *testing.T) {
			first := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
			second := time.Now().UTC().Truncate(time.Microsecond)

			if err := r.RevokeUser("user-1", first, time.Hour); err != nil {
				t.Fatalf("revoke user first: %v", err)
			}
			if err := r.RevokeUser("user-1", first.Add(-time.Minute), time.Hour); err != nil {
				t.Fatalf("revoke user older cutoff: %v", err)
			}
			got, err := r.RevokedAfter("user-1")
			if err != nil {
				t.Fatalf("revoked after first: %v", err)
			}
			if !got.Equal(first) {
				t.Fatalf("expected first cutoff to be kept, got %v want %v", got, first)
			}

			if err := r.RevokeUser("user-1", second, time.Hour); err != nil {
				t.Fatalf("revoke user second: %v", err)
			}
			got, err = r.RevokedAfter("user-1")
			if err != nil {
				t.Fatalf("revoked after second: %v", err)
			}
			if !got.Equal(second) {
				t.Fatalf("expected newest cutoff, got %v want %v", got, second)
			}

			if got, _ := r.RevokedAfter("someone-else"); !got.IsZero() {
				t.Fatalf("expected no cutoff for unrelated user, got %v", got)
			}
		})
	}
}

func TestRedisTokenRevokerExpiresWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedisTokenRevokerWithClient(client)

	if err := r.Revoke("jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, err := r.IsRevoked("jti-1"); err != nil || !revoked {
		t.Fatalf("expected jti revoked, revoked=%v err=%v", revoked, err)
	}
	mr.FastForward(2 * time.Minute)
	if revoked, err := r.IsRevoked("jti-1"); err != nil || revoked {
		t.Fatalf("expected revocation to expire, revoked=%v err=%v", revoked, err)
	}
	if err := r.Revoke("jti-2", 0); err != nil {
		t.Fatalf("zero ttl revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked("jti-2"); revoked {
		t.Fatalf("zero ttl should not store a revocation")
	}
}
