package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates the token is unknown, revoked, or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates an already rotated token was presented.
	// The whole family is revoked when this is returned.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore persists opaque refresh tokens grouped into families.
// Every Rotate replaces the family's current token; presenting any earlier
// token of the family revokes it.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string) (string, error)
	Rotate(ctx context.Context, token string) (userID string, next string, err error)
	Revoke(ctx context.Context, token string) error
	RevokeUser(ctx context.Context, userID string) error
}

type refreshFamily struct {
	userID  string
	current string // hash of the live token
	hashes  []string
	expiry  time.Time
}

// memorySweepInterval spaces out the expired family sweeps done by Issue.
const memorySweepInterval = time.Minute

// MemoryRefreshTokenStore keeps refresh token families in memory.
type MemoryRefreshTokenStore struct {
	ttl       time.Duration
	now       func() time.Time
	mu        sync.Mutex
	fams      map[string]*refreshFamily      // family id -> family
	idx       map[string]string              // token hash -> family id
	user      map[string]map[string]struct{} // user id -> family ids
	nextSweep time.Time
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store
// whose tokens live for ttl after issue or rotation.
func NewMemoryRefreshTokenStore(ttl time.Duration) *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		ttl:  ttl,
		now:  time.Now,
		fams: make(map[string]*refreshFamily),
		idx:  make(map[string]string),
		user: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryRefreshTokenStore) Issue(_ context.Context, userID string) (string, error) {
	token, hash, err := newRefreshSecret()
	if err != nil {
		return "", err
	}
	familyID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.fams[familyID] = &refreshFamily{
		userID:  userID,
		current: hash,
		hashes:  []string{hash},
		expiry:  s.now().Add(s.ttl),
	}
	s.idx[hash] = familyID
	if s.user[userID] == nil {
		s.user[userID] = make(map[string]struct{})
	}
	s.user[userID][familyID] = struct{}{}
	return token, nil
}

func (s *MemoryRefreshTokenStore) Rotate(_ context.Context, token string) (string, string, error) {
	hash := hashRefreshToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	familyID, ok := s.idx[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	fam := s.fams[familyID]
	if fam == nil || s.now().After(fam.expiry) {
		s.dropFamilyLocked(familyID)
		return "", "", ErrInvalidRefreshToken
	}
	if fam.current != hash {
		s.dropFamilyLocked(familyID)
		return "", "", ErrRefreshTokenReplay
	}
	next, nextHash, err := newRefreshSecret()
	if err != nil {
		return "", "", err
	}
	fam.current = nextHash
	fam.hashes = append(fam.hashes, nextHash)
	fam.expiry = s.now().Add(s.ttl)
	s.idx[nextHash] = familyID
	return fam.userID, next, nil
}

func (s *MemoryRefreshTokenStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if familyID, ok := s.idx[hashRefreshToken(token)]; ok {
		s.dropFamilyLocked(familyID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for familyID := range s.user[userID] {
		s.dropFamilyLocked(familyID)
	}
	return nil
}

// sweepLocked drops expired families, at most once per memorySweepInterval.
func (s *MemoryRefreshTokenStore) sweepLocked() {
	now := s.now()
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(memorySweepInterval)
	for familyID, fam := range s.fams {
		if now.After(fam.expiry) {
			s.dropFamilyLocked(familyID)
		}
	}
}

func (s *MemoryRefreshTokenStore) dropFamilyLocked(familyID string) {
	fam, ok := s.fams[familyID]
	if !ok {
		return
	}
	for _, h := range fam.hashes {
		delete(s.idx, h)
	}
	delete(s.fams, familyID)
	if ids, ok := s.user[fam.userID]; ok {
		delete(ids, familyID)
		if len(ids) == 0 {
			delete(s.user, fam.userID)
		}
	}
}

// RedisRefreshTokenStore stores refresh token families in Redis so that
// rotation is consistent across replicas.
//
// Keys:
//
//	<prefix>:token:<hash>        -> family id
//	<prefix>:family:<id>         -> hash {user, current}
//	<prefix>:family:<id>:tokens  -> set of hashes
//	<prefix>:user:<id>:families  -> set of family ids
type RedisRefreshTokenStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRefreshTokenStore builds a Redis-backed refresh token store.
func NewRedisRefreshTokenStore(client *redis.Client, ttl time.Duration) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client, ttl: ttl, prefix: "profilehub:refresh"}
}

func (s *RedisRefreshTokenStore) tokenKey(hash string) string {
	return s.prefix + ":token:" + hash
}

func (s *RedisRefreshTokenStore) familyKey(id string) string {
	return s.prefix + ":family:" + id
}

func (s *RedisRefreshTokenStore) familyTokensKey(id string) string {
	return s.prefix + ":family:" + id + ":tokens"
}

func (s *RedisRefreshTokenStore) userFamiliesKey(userID string) string {
	return s.prefix + ":user:" + userID + ":families"
}

func (s *RedisRefreshTokenStore) Issue(ctx context.Context, userID string) (string, error) {
	token, hash, err := newRefreshSecret()
	if err != nil {
		return "", err
	}
	familyID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeCurrent(ctx, pipe, familyID, userID, hash)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// writeCurrent queues the writes that make hash the live token of familyID.
func (s *RedisRefreshTokenStore) writeCurrent(ctx context.Context, pipe redis.Pipeliner, familyID, userID, hash string) {
	pipe.Set(ctx, s.tokenKey(hash), familyID, s.ttl)
	pipe.HSet(ctx, s.familyKey(familyID), "user", userID, "current", hash)
	pipe.Expire(ctx, s.familyKey(familyID), s.ttl)
	pipe.SAdd(ctx, s.familyTokensKey(familyID), hash)
	pipe.Expire(ctx, s.familyTokensKey(familyID), s.ttl)
	pipe.SAdd(ctx, s.userFamiliesKey(userID), familyID)
	pipe.Expire(ctx, s.userFamiliesKey(userID), s.ttl)
}

func (s *RedisRefreshTokenStore) Rotate(ctx context.Context, token string) (string, string, error) {
	hash := hashRefreshToken(token)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	familyID, err := s.client.Get(ctx, s.tokenKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrInvalidRefreshToken
	}
	if err != nil {
		return "", "", err
	}
	famKey := s.familyKey(familyID)

	for {
		var userID, next string
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, famKey).Result()
			if err != nil {
				return err
			}
			userID = fields["user"]
			switch {
			case userID == "" || fields["current"] == "":
				return ErrInvalidRefreshToken
			case fields["current"] != hash:
				return ErrRefreshTokenReplay
			}
			var nextHash string
			next, nextHash, err = newRefreshSecret()
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.writeCurrent(ctx, pipe, familyID, userID, nextHash)
				return nil
			})
			return err
		}, famKey)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			continue
		case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, ErrRefreshTokenReplay):
			_ = s.dropFamily(ctx, familyID, userID)
			return "", "", err
		case err != nil:
			return "", "", err
		}
		return userID, next, nil
	}
}

func (s *RedisRefreshTokenStore) Revoke(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	familyID, err := s.client.Get(ctx, s.tokenKey(hashRefreshToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.dropFamily(ctx, familyID, "")
}

func (s *RedisRefreshTokenStore) RevokeUser(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	familyIDs, err := s.client.SMembers(ctx, s.userFamiliesKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, familyID := range familyIDs {
		if err := s.dropFamily(ctx, familyID, userID); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, s.userFamiliesKey(userID)).Err()
}

func (s *RedisRefreshTokenStore) dropFamily(ctx context.Context, familyID, userID string) error {
	if userID == "" {
		u, err := s.client.HGet(ctx, s.familyKey(familyID), "user").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		userID = u
	}
	hashes, err := s.client.SMembers(ctx, s.familyTokensKey(familyID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			pipe.Del(ctx, s.tokenKey(h))
		}
		pipe.Del(ctx, s.familyTokensKey(familyID), s.familyKey(familyID))
		if userID != "" {
			pipe.SRem(ctx, s.userFamiliesKey(userID), familyID)
		}
		return nil
	})
	return err
}

// newRefreshSecret returns a URL-safe token and its storage hash.
func newRefreshSecret() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
