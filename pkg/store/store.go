package store

import (
	"context"
	"errors"
	"time"

	"profilehub/pkg/domain"
)

// ErrDuplicateKey is returned when a write violates a unique constraint.
var ErrDuplicateKey = errors.New("duplicate key")

// Store defines persistence operations for accounts, addresses, and documents.
type Store interface {
	// accounts
	CreateAccount(ctx context.Context, a domain.Account) error
	SaveAccount(ctx context.Context, a domain.Account) error
	GetAccountByID(ctx context.Context, id string) (domain.Account, bool, error)
	GetAccountByEmail(ctx context.Context, email string) (domain.Account, bool, error)
	GetAccountByUsername(ctx context.Context, username string) (domain.Account, bool, error)
	GetAccountByPhone(ctx context.Context, phone string) (domain.Account, bool, error)
	ListAccountsByIDs(ctx context.Context, ids []string) ([]domain.Account, error)

	// addresses, always scoped by owner
	ListAddresses(ctx context.Context, ownerID string) ([]domain.Address, error)
	GetAddress(ctx context.Context, ownerID, id string) (domain.Address, bool, error)
	CreateAddress(ctx context.Context, a domain.Address) error
	UpdateAddress(ctx context.Context, a domain.Address) (bool, error)
	DeleteAddress(ctx context.Context, ownerID, id string) (bool, error)

	// documents
	// CreateDocument inserts d and runs persistBlob in the same unit of work.
	// A persistBlob error discards the inserted row.
	CreateDocument(ctx context.Context, d domain.Document, persistBlob func() error) error
	ListDocuments(ctx context.Context) ([]domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	ClearDocumentFile(ctx context.Context, d domain.Document) error
}

// SessionStore issues and validates access tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
