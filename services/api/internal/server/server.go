// Package server exposes the profilehub HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"profilehub/internal/ratelimit"
	"profilehub/internal/util"
	"profilehub/pkg/domain"
	"profilehub/services/api/internal/app"
	"profilehub/services/api/internal/security"
)

// Limiters guard the credential endpoints. Nil entries fall back to
// in-process limiters with the default quotas.
type Limiters struct {
	Register ratelimit.Limiter
	Login    ratelimit.Limiter
	Refresh  ratelimit.Limiter
	Password ratelimit.Limiter
}

// DefaultRules are the per-minute quotas used when Config leaves one unset.
var DefaultRules = map[string]ratelimit.Rule{
	"register": {Limit: 5, Window: time.Minute},
	"login":    {Limit: 10, Window: time.Minute},
	"refresh":  {Limit: 20, Window: time.Minute},
	"password": {Limit: 10, Window: time.Minute},
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiters       Limiters
	Alerter        *security.Alerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func(*http.Request) error
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app      *app.App
	mux      *http.ServeMux
	alerter  *security.Alerter
	trusted  *util.TrustedProxies
	origins  []string
	ready    func(*http.Request) error
	register ratelimit.Limiter
	login    ratelimit.Limiter
	refresh  ratelimit.Limiter
	password ratelimit.Limiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	pick := func(name string, l ratelimit.Limiter) (ratelimit.Limiter, error) {
		if l != nil {
			return l, nil
		}
		mem, err := ratelimit.NewMemoryFixedWindowLimiter(DefaultRules[name])
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return mem, nil
	}
	s := &Server{
		app:     cfg.App,
		mux:     http.NewServeMux(),
		alerter: cfg.Alerter,
		trusted: cfg.TrustedProxies,
		origins: cfg.CORSOrigins,
		ready:   cfg.Ready,
	}
	var err error
	if s.register, err = pick("register", cfg.Limiters.Register); err != nil {
		return nil, err
	}
	if s.login, err = pick("login", cfg.Limiters.Login); err != nil {
		return nil, err
	}
	if s.refresh, err = pick("refresh", cfg.Limiters.Refresh); err != nil {
		return nil, err
	}
	if s.password, err = pick("password", cfg.Limiters.Password); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog(s.trusted,
			util.WithSecurityHeaders(
				util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/token/refresh", s.handleRefresh)
	s.mux.HandleFunc("/auth/token/verify", s.handleVerify)
	s.mux.HandleFunc("/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
	s.mux.Handle("/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/auth/user", s.authenticated(s.handleUser))
	s.mux.Handle("/auth/user/update", s.authenticated(s.handleUpdateUser))
	s.mux.Handle("/auth/password/change", s.authenticated(s.handleChangePassword))

	// documents: reads are public
	s.mux.HandleFunc("/documents", s.handleDocuments)
	s.mux.HandleFunc("/documents/", s.handleDocumentByID)

	// addresses
	s.mux.Handle("/addresses", s.authenticated(s.handleAddresses))
	s.mux.Handle("/addresses/", s.authenticated(s.handleAddressByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, domain.Account)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "Authentication credentials were not provided.")
			return
		}
		account, err := s.app.AccountFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrInvalidToken) {
				s.audit(r, "auth.authorize", "fail", "reason", "invalid_token")
			}
			writeAppError(w, r, err)
			return
		}
		next(w, r, account)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

// audit logs a security_event and feeds failures to the alerter.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logger := util.LoggerFromContext(r.Context())
	logAttrs := append([]any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}, attrs...)
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	verdict, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if verdict.Tripped {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", verdict.Count,
			"threshold", verdict.Rule.Threshold,
			"window", verdict.Rule.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, codeRateLimited, msg)
	return false
}

// pathID extracts {id} and the optional remainder from prefix{id}[/rest].
// ok is false when id is not a well-formed identifier.
func pathID(r *http.Request, prefix string) (id, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, prefix), "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	return id, rest, util.IsID(id)
}
