package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"profilehub/internal/util"
	"profilehub/pkg/auth"
	"profilehub/pkg/domain"
	"profilehub/pkg/events"
	"profilehub/pkg/store"
)

// RegisterInput is the payload accepted by Register.
type RegisterInput struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Username    string `json:"username" validate:"required,max=150"`
	Password    string `json:"password" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required,max=15"`
}

// ProfileUpdate is a partial profile change. Nil fields are left alone.
type ProfileUpdate struct {
	Username    *string `json:"username"`
	PhoneNumber *string `json:"phone_number"`
}

// TokenPair is an access token and the refresh token that renews it.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Register creates an active, unverified account.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.Account, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)

	fe := fieldErrors{}
	if err := fe.checkStruct(in); err != nil {
		return domain.Account{}, err
	}
	if in.Password != "" {
		if err := auth.ValidatePassword(in.Password); err != nil {
			fe.add("password", err.Error())
		}
	}
	if err := fe.err(); err != nil {
		return domain.Account{}, err
	}

	now := a.clock()
	account := domain.Account{
		ID:          util.NewID(),
		Email:       in.Email,
		Username:    in.Username,
		PhoneNumber: in.PhoneNumber,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if field, err := a.conflictingField(ctx, account); err != nil {
		return domain.Account{}, err
	} else if field != "" {
		return domain.Account{}, &IntegrityError{Field: field}
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.Account{}, fmt.Errorf("hash password: %w", err)
	}
	account.PasswordHash = hash
	if err := a.store.CreateAccount(ctx, account); err != nil {
		return domain.Account{}, a.accountWriteError(ctx, account, err)
	}
	a.publish(ctx, events.AccountRegistered, events.AccountRegisteredEvent{
		AccountID: account.ID,
		Email:     account.Email,
		Username:  account.Username,
	})
	return account, nil
}

// Authenticate resolves an active account by email and password.
func (a *App) Authenticate(ctx context.Context, email, password string) (domain.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	fe := fieldErrors{}
	if email == "" {
		fe.add("email", "This field is required.")
	}
	if password == "" {
		fe.add("password", "This field is required.")
	}
	if err := fe.err(); err != nil {
		return domain.Account{}, err
	}
	account, ok, err := a.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	if !ok || !account.IsActive || !auth.CheckPassword(password, account.PasswordHash) {
		return domain.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// Login authenticates and issues a token pair.
func (a *App) Login(ctx context.Context, email, password string) (domain.Account, TokenPair, error) {
	account, err := a.Authenticate(ctx, email, password)
	if err != nil {
		return domain.Account{}, TokenPair{}, err
	}
	pair, err := a.IssueTokens(ctx, account)
	if err != nil {
		return domain.Account{}, TokenPair{}, err
	}
	return account, pair, nil
}

// IssueTokens starts a new refresh family for account.
func (a *App) IssueTokens(ctx context.Context, account domain.Account) (TokenPair, error) {
	access, err := a.sessions.NewSession(account.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.refreshTokens.Issue(ctx, account.ID)
	if err != nil {
		_ = a.sessions.DeleteSession(access)
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh rotates refreshToken and returns a fresh pair. Presenting an
// already rotated token revokes its whole family.
func (a *App) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshTokenRequired
	}
	userID, next, err := a.refreshTokens.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	account, found, err := a.store.GetAccountByID(ctx, userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch account: %w", err)
	}
	if !found || !account.IsActive {
		_ = a.refreshTokens.Revoke(ctx, next)
		return TokenPair{}, ErrInvalidRefreshToken
	}
	access, err := a.sessions.NewSession(account.ID)
	if err != nil {
		_ = a.refreshTokens.Revoke(ctx, next)
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: next}, nil
}

// Verify reports whether token is a live access token.
func (a *App) Verify(token string) error {
	_, err := a.subject(token)
	return err
}

// AccountFromToken resolves the active account an access token belongs to.
func (a *App) AccountFromToken(ctx context.Context, token string) (domain.Account, error) {
	userID, err := a.subject(token)
	if err != nil {
		return domain.Account{}, err
	}
	account, found, err := a.store.GetAccountByID(ctx, userID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	if !found || !account.IsActive {
		return domain.Account{}, ErrInvalidToken
	}
	return account, nil
}

func (a *App) subject(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil {
		if errors.Is(err, store.ErrTokenInvalid) || errors.Is(err, store.ErrTokenRevoked) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("verify token: %w", err)
	}
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// UpdateProfile applies the non-nil fields of in. An empty phone number
// clears it; email cannot be changed here.
func (a *App) UpdateProfile(ctx context.Context, account domain.Account, in ProfileUpdate) (domain.Account, error) {
	fe := fieldErrors{}
	updated := account
	if in.Username != nil {
		username := strings.TrimSpace(*in.Username)
		switch {
		case username == "":
			fe.add("username", "This field may not be blank.")
		case len([]rune(username)) > 150:
			fe.add("username", "Ensure this field has no more than 150 characters.")
		}
		updated.Username = username
	}
	if in.PhoneNumber != nil {
		phone := strings.TrimSpace(*in.PhoneNumber)
		if len([]rune(phone)) > 15 {
			fe.add("phone_number", "Ensure this field has no more than 15 characters.")
		}
		updated.PhoneNumber = phone
	}
	if err := fe.err(); err != nil {
		return domain.Account{}, err
	}
	if updated.Username == account.Username && updated.PhoneNumber == account.PhoneNumber {
		return account, nil
	}
	if field, err := a.conflictingField(ctx, updated); err != nil {
		return domain.Account{}, err
	} else if field != "" {
		return domain.Account{}, &IntegrityError{Field: field}
	}
	updated.UpdatedAt = a.clock()
	if err := a.store.SaveAccount(ctx, updated); err != nil {
		return domain.Account{}, a.accountWriteError(ctx, updated, err)
	}
	return updated, nil
}

// ChangePassword replaces the password and revokes every token the account
// holds, including accessToken.
func (a *App) ChangePassword(ctx context.Context, account domain.Account, accessToken, current, next string) error {
	fe := fieldErrors{}
	if current == "" {
		fe.add("current_password", "This field is required.")
	}
	if next == "" {
		fe.add("new_password", "This field is required.")
	} else if err := auth.ValidatePassword(next); err != nil {
		fe.add("new_password", err.Error())
	}
	if err := fe.err(); err != nil {
		return err
	}
	if !auth.CheckPassword(current, account.PasswordHash) {
		fe.add("current_password", "Current password is incorrect.")
		return fe.err()
	}
	if current == next {
		fe.add("new_password", "New password must differ from the current password.")
		return fe.err()
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := a.clock()
	account.PasswordHash = hash
	account.UpdatedAt = now
	if err := a.store.SaveAccount(ctx, account); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := a.revokeAllTokens(ctx, account.ID, now); err != nil {
		return fmt.Errorf("revoke account tokens: %w", err)
	}
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return fmt.Errorf("revoke current token: %w", err)
	}
	return nil
}

// Logout revokes accessToken and, when given, the refresh family of
// refreshToken.
func (a *App) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken == "" {
		return nil
	}
	if err := a.refreshTokens.Revoke(ctx, refreshToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// JWKS returns public signing keys when the session store publishes them.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) revokeAllTokens(ctx context.Context, userID string, since time.Time) error {
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return errors.New("session store does not support user token revocation")
	}
	if err := revoker.RevokeUserSessions(userID, since); err != nil {
		return err
	}
	return a.refreshTokens.RevokeUser(ctx, userID)
}

// conflictingField names the first unique column another account already
// holds for acc's values, or "".
func (a *App) conflictingField(ctx context.Context, acc domain.Account) (string, error) {
	checks := []struct {
		field  string
		value  string
		lookup func(context.Context, string) (domain.Account, bool, error)
	}{
		{"email", acc.Email, a.store.GetAccountByEmail},
		{"username", acc.Username, a.store.GetAccountByUsername},
		{"phone_number", acc.PhoneNumber, a.store.GetAccountByPhone},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		other, ok, err := c.lookup(ctx, c.value)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", c.field, err)
		}
		if ok && other.ID != acc.ID {
			return c.field, nil
		}
	}
	return "", nil
}

// accountWriteError turns a unique violation that slipped past the
// pre-checks into an IntegrityError.
func (a *App) accountWriteError(ctx context.Context, acc domain.Account, err error) error {
	if !errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("save account: %w", err)
	}
	field, lookupErr := a.conflictingField(ctx, acc)
	if lookupErr != nil || field == "" {
		field = "email"
	}
	return &IntegrityError{Field: field}
}
