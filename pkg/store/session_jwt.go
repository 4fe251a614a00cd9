package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "profilehub-auth"
	defaultJWTAudience = "profilehub-api"
	defaultJWTKeyID    = "profilehub-active"
	accessTokenType    = "access"
)

var defaultJWTLeeway = 30 * time.Second

var (
	// ErrTokenInvalid covers malformed, expired, and wrongly signed tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenRevoked is returned for tokens revoked by logout or a per-user cutoff.
	ErrTokenRevoked = errors.New("token revoked")
)

// JWTOptions configures issuance and claim validation.
type JWTOptions struct {
	KeyID    string
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
	// Verifiers holds previous public keys by kid so rotated keys keep
	// validating until their tokens expire.
	Verifiers map[string]*rsa.PublicKey
}

// AccessClaims is the claim set carried by access tokens.
type AccessClaims struct {
	TokenType string `json:"token_type"`
	// IssuedAtNano is iat in nanoseconds; per-user cutoffs are compared
	// against it.
	IssuedAtNano int64 `json:"iat_ns,omitempty"`
	jwt.RegisteredClaims
}

// Issued returns the issuance time at the best precision the token carries.
func (c AccessClaims) Issued() time.Time {
	if c.IssuedAtNano > 0 {
		return time.Unix(0, c.IssuedAtNano).UTC()
	}
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time.UTC()
}

// JWTSessionStore issues and validates RS256 access tokens with kid/JWKS.
type JWTSessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	signer    *rsa.PrivateKey
	signerKid string
	verifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewJWTSessionStore builds a store that signs with key.
// revoker may be nil, in which case logout cannot revoke tokens.
func NewJWTSessionStore(key *rsa.PrivateKey, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if key == nil {
		return nil, errors.New("jwt signing key required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("jwt ttl must be positive")
	}
	opts = normalizeJWTOptions(opts)
	verifiers := make(map[string]*rsa.PublicKey, len(opts.Verifiers)+1)
	for kid, pub := range opts.Verifiers {
		kid = strings.TrimSpace(kid)
		if kid == "" || pub == nil {
			continue
		}
		verifiers[kid] = pub
	}
	verifiers[opts.KeyID] = &key.PublicKey
	return &JWTSessionStore{
		ttl:       opts.TTL,
		revoker:   revoker,
		signer:    key,
		signerKid: opts.KeyID,
		verifiers: verifiers,
		issuer:    opts.Issuer,
		audience:  opts.Audience,
		leeway:    opts.Leeway,
		now:       time.Now,
	}, nil
}

// NewJWTSessionStoreFromPEM loads the signing key and optional previous
// verification keys (kid -> public key path) from disk.
func NewJWTSessionStoreFromPEM(privateKeyPath string, verifyKeyFiles map[string]string, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	key, err := loadRSAPrivateKeyFromPEMFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	if opts.Verifiers == nil {
		opts.Verifiers = make(map[string]*rsa.PublicKey, len(verifyKeyFiles))
	}
	for kid, path := range verifyKeyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		opts.Verifiers[kid] = pub
	}
	return NewJWTSessionStore(key, revoker, opts)
}

// GenerateSigningKey returns a fresh 2048-bit RSA key for development setups
// without a configured key file. Tokens do not survive a restart.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// TTL returns the access token lifetime.
func (s *JWTSessionStore) TTL() time.Duration {
	return s.ttl
}

// NewSession creates a signed access token for the user ID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := s.now().UTC()
	claims := AccessClaims{
		TokenType:    accessTokenType,
		IssuedAtNano: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(16),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signerKid
	return token.SignedString(s.signer)
}

// GetUserIDByToken validates an access token and returns its subject.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", false, err
	}
	return claims.Subject, true, nil
}

// Verify checks signature, issuer, audience, lifetime, token type, and
// revocation state.
func (s *JWTSessionStore) Verify(token string) (AccessClaims, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return AccessClaims{}, err
	}
	if s.revoker == nil {
		return claims, nil
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return AccessClaims{}, err
	}
	if revoked {
		return AccessClaims{}, ErrTokenRevoked
	}
	if userRevoker, ok := s.revoker.(UserTokenRevoker); ok {
		cutoff, err := userRevoker.RevokedAfter(claims.Subject)
		if err != nil {
			return AccessClaims{}, err
		}
		if !cutoff.IsZero() && !claims.Issued().After(cutoff) {
			return AccessClaims{}, ErrTokenRevoked
		}
	}
	return claims, nil
}

// DeleteSession revokes the token's jti until it expires. Invalid tokens
// are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUserSessions rejects every token for userID issued at or before since.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	userRevoker, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return userRevoker.RevokeUser(userID, since, s.ttl+s.leeway)
}

// JWKS returns the public halves of every verification key, sorted by kid.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parseAndVerify(token string) (AccessClaims, error) {
	claims := AccessClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.verifiers[strings.TrimSpace(kid)]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	}, parserOptions...)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return AccessClaims{}, ErrTokenInvalid
	}
	switch {
	case claims.TokenType != accessTokenType:
		return AccessClaims{}, fmt.Errorf("%w: wrong token type", ErrTokenInvalid)
	case strings.TrimSpace(claims.ID) == "":
		return AccessClaims{}, fmt.Errorf("%w: jti missing", ErrTokenInvalid)
	case strings.TrimSpace(claims.Subject) == "":
		return AccessClaims{}, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	case claims.IssuedAt == nil:
		return AccessClaims{}, fmt.Errorf("%w: iat missing", ErrTokenInvalid)
	}
	return claims, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.KeyID = strings.TrimSpace(opts.KeyID)
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.KeyID == "" {
		opts.KeyID = defaultJWTKeyID
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
