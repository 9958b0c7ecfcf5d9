package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pdfchat/internal/metrics"
	"pdfchat/internal/ratelimit"
	"pdfchat/internal/util"
	"pdfchat/pkg/ai"
	"pdfchat/pkg/identity"
	"pdfchat/pkg/pdftext"
	"pdfchat/pkg/storage"
	"pdfchat/pkg/store"
	"pdfchat/services/chat/internal/app"
	"pdfchat/services/chat/internal/config"
	"pdfchat/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "chat")

	st, err := openStore(cfg)
	if err != nil {
		util.Fatal("failed to init store", "driver", cfg.StoreDriver, "err", err)
	}
	defer st.Close()

	objects, err := openObjects(cfg)
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}

	ids, err := identity.NewProvider(st, identity.Options{
		Secret:          cfg.SessionSecret,
		KeyID:           cfg.SessionKeyID,
		PreviousSecrets: cfg.SessionPreviousSecrets,
		TTL:             time.Duration(cfg.SessionTTLHours) * time.Hour,
		RefreshAfter:    time.Duration(cfg.SessionRefreshAfterHours) * time.Hour,
	})
	if err != nil {
		util.Fatal("failed to init identity provider", "err", err)
	}

	model, err := ai.NewStreamer(ai.Config{
		Provider: cfg.GenerationProvider,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   cfg.GenerationAPIKey,
		Model:    cfg.GenerationModel,
	})
	if err != nil {
		util.Fatal("failed to init generation model", "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}
	queryLimiter, err := newLimiter(redisClient, "pdfchat:ratelimit:query", cfg.QueryRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init query rate limiter", "err", err)
	}
	uploadLimiter, err := newLimiter(redisClient, "pdfchat:ratelimit:upload", cfg.UploadRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init upload rate limiter", "err", err)
	}
	identityLimiter, err := newLimiter(redisClient, "pdfchat:ratelimit:identity", cfg.IdentityRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init identity rate limiter", "err", err)
	}
	cancels := app.NewCancelRegistry()
	if redisClient != nil {
		cancels.WithBroadcast(redisClient, "")
	}

	trusted, err := util.ParseProxyAllowlist(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy list", "err", err)
	}

	queryTimeout := time.Duration(cfg.QueryTimeoutSeconds) * time.Second
	appCore, err := app.New(app.Config{
		Store:               st,
		Objects:             objects,
		Identity:            ids,
		Model:               model,
		Extractor:           pdftext.Extractor{UsePdftotext: cfg.UsePdftotext},
		Metrics:             recorder,
		Cancels:             cancels,
		QueryTimeout:        queryTimeout,
		MaxPromptChars:      cfg.MaxPromptChars,
		KeepRecentMessages:  cfg.KeepRecentMessages,
		RequireDocument:     cfg.RequireDocument,
		RequirePdfOwnership: cfg.RequiresPdfOwnership(),
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:             appCore,
		CookieName:      cfg.CookieName,
		CookieSecure:    cfg.CookieSecure,
		CookieTTL:       ids.TTL(),
		MaxUploadBytes:  cfg.MaxUploadBytes,
		MaskForbidden:   cfg.MaskForbidden,
		QueryLimiter:    queryLimiter,
		UploadLimiter:   uploadLimiter,
		IdentityLimiter: identityLimiter,
		TrustedProxies:  trusted,
		Metrics:         recorder,
		MetricsHandler:  metrics.Handler(registry),
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: queryTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "store", cfg.StoreDriver, "model", model.Model())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cancels.Run(gctx, nil)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemoryStore(), nil
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return gs, nil
}

func openObjects(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.MinioEndpoint == "" {
		fs, err := storage.NewFileStore(cfg.UploadDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	ms, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return ms, nil
}

// newLimiter prefers the shared Redis window and falls back to a per-process bucket.
func newLimiter(client redis.UniversalClient, prefix string, perMinute int) (ratelimit.Limiter, error) {
	if client != nil {
		l, err := ratelimit.NewRedisFixedWindowLimiter(client, prefix, perMinute, time.Minute)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := ratelimit.NewLocalLimiter(perMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	return l, nil
}
