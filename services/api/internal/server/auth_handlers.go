package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"profilehub/pkg/domain"
	"profilehub/services/api/internal/app"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	User         domain.Account `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.register, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req app.RegisterInput
	if !decodeJSON(w, r, &req) {
		s.audit(r, "auth.register", "fail", "reason", "invalid_json")
		return
	}
	account, err := s.app.Register(r.Context(), req)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", failureReason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", account.ID)
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.login, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		return
	}
	account, pair, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", failureReason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", account.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         account,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.refresh, "too many refresh attempts") {
		s.audit(r, "auth.refresh", "rate_limited")
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "auth.refresh", "fail", "reason", "invalid_json")
		return
	}
	pair, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail", "reason", failureReason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.refresh", "success")
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Verify(req.Token); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.audit(r, "auth.logout", "fail", "user_id", account.ID, "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON body")
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(r.Context(), token, req.RefreshToken); err != nil {
		s.audit(r, "auth.logout", "fail", "user_id", account.ID, "reason", failureReason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", account.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, http.MethodPatch)
		return
	}
	var req app.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.app.UpdateProfile(r.Context(), account, req)
	if err != nil {
		s.audit(r, "auth.profile.update", "fail", "user_id", account.ID, "reason", failureReason(err))
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.password, "too many password change attempts") {
		s.audit(r, "auth.password.change", "rate_limited", "user_id", account.ID)
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.ChangePassword(r.Context(), account, token, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "auth.password.change", "fail", "user_id", account.ID, "reason", failureReason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.password.change", "success", "user_id", account.ID)
	w.WriteHeader(http.StatusNoContent)
}

// failureReason is a short, non-sensitive label for audit logs.
func failureReason(err error) string {
	var verr *app.ValidationError
	var ierr *app.IntegrityError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &ierr):
		return ierr.Field + "_exists"
	case errors.Is(err, app.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, app.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, app.ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, app.ErrRefreshTokenRequired):
		return "missing_refresh_token"
	default:
		return "internal"
	}
}
