package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"profilehub/internal/ratelimit"
	"profilehub/internal/util"
	"profilehub/pkg/events"
	"profilehub/pkg/storage"
	"profilehub/pkg/store"
	"profilehub/services/api/internal/app"
	"profilehub/services/api/internal/config"
	"profilehub/services/api/internal/security"
	"profilehub/services/api/internal/server"
)

const (
	defaultSessionTTL = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	shutdownTimeout   = 20 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $PROFILEHUB_CONFIG or ./config.yaml)")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	durations, err := cfg.Durations()
	if err != nil {
		log.Fatalf("failed to parse durations: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, durations, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, durations config.Durations, logger *slog.Logger) error {
	var (
		checks      []func(context.Context) error
		redisClient *redis.Client
	)

	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	} else {
		logger.Warn("redisAddr not set, using in-process token and rate limit state")
	}

	var dataStore store.Store
	if cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer gs.Close()
		dataStore = gs
		checks = append(checks, gs.Ping)
	} else {
		logger.Warn("databaseURL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	sessionTTL := durations.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = defaultSessionTTL
	}
	refreshTTL := durations.RefreshTTL
	if refreshTTL == 0 {
		refreshTTL = defaultRefreshTTL
	}

	var (
		revoker       store.TokenRevoker
		refreshTokens store.RefreshTokenStore
	)
	if redisClient != nil {
		revoker = store.NewRedisTokenRevokerWithClient(redisClient)
		refreshTokens = store.NewRedisRefreshTokenStore(redisClient, refreshTTL)
	} else {
		revoker = store.NewMemoryTokenRevoker()
		refreshTokens = store.NewMemoryRefreshTokenStore(refreshTTL)
	}

	sessions, err := newSessions(cfg, durations, sessionTTL, revoker, logger)
	if err != nil {
		return err
	}

	blobs, err := newBlobStore(ctx, cfg, durations, &checks)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.RabbitMQURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, logging events instead", "err", err)
		} else {
			publisher = amqpPub
		}
	}
	defer publisher.Close()

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Sessions:       sessions,
		RefreshTokens:  refreshTokens,
		Blobs:          blobs,
		Events:         publisher,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		return err
	}

	limiters, err := newLimiters(cfg, redisClient)
	if err != nil {
		return err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Limiters:       limiters,
		Alerter:        security.NewAlerter(redisClient, cfg.AlertPrefix),
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		Ready: func(r *http.Request) error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("profilehub api listening", "addr", addr, "blob_backend", cfg.BlobBackend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSessions(cfg config.Config, durations config.Durations, ttl time.Duration, revoker store.TokenRevoker, logger *slog.Logger) (*store.JWTSessionStore, error) {
	opts := store.JWTOptions{
		KeyID:    cfg.JWTKeyID,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      ttl,
		Leeway:   durations.JWTLeeway,
	}
	if cfg.JWTPrivateKeyPath != "" {
		return store.NewJWTSessionStoreFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTVerifyPublicKeys, revoker, opts)
	}
	logger.Warn("jwtPrivateKeyPath not set, generating an ephemeral signing key")
	key, err := store.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return store.NewJWTSessionStore(key, revoker, opts)
}

func newBlobStore(ctx context.Context, cfg config.Config, durations config.Durations, checks *[]func(context.Context) error) (storage.BlobStore, error) {
	if cfg.BlobBackend == config.BlobBackendMinio {
		m, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PresignExpiry: durations.PresignExpiry,
		})
		if err != nil {
			return nil, err
		}
		*checks = append(*checks, m.Ping)
		return m, nil
	}
	return storage.NewFileStore(cfg.MediaRoot, cfg.MediaBaseURL)
}

func newLimiters(cfg config.Config, client *redis.Client) (server.Limiters, error) {
	var out server.Limiters
	limits := []struct {
		name  string
		limit int
		dst   *ratelimit.Limiter
	}{
		{"register", cfg.RegisterRateLimitPerMinute, &out.Register},
		{"login", cfg.LoginRateLimitPerMinute, &out.Login},
		{"refresh", cfg.RefreshRateLimitPerMinute, &out.Refresh},
		{"password", cfg.PasswordRateLimitPerMinute, &out.Password},
	}
	for _, s := range limits {
		rule := server.DefaultRules[s.name]
		if s.limit > 0 {
			rule.Limit = s.limit
		}
		if client == nil {
			l, err := ratelimit.NewMemoryFixedWindowLimiter(rule)
			if err != nil {
				return out, err
			}
			*s.dst = l
			continue
		}
		l, err := ratelimit.NewRedisFixedWindowLimiter(client, "profilehub:ratelimit:"+s.name, rule)
		if err != nil {
			return out, err
		}
		*s.dst = l
	}
	return out, nil
}
