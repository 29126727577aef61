package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/archive"
	"github.com/ent0n29/convmem/internal/config"
	"github.com/ent0n29/convmem/internal/httpapi"
	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/observability"
	"github.com/ent0n29/convmem/internal/policy"
	"github.com/ent0n29/convmem/internal/reliability"
	"github.com/ent0n29/convmem/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Metrics  *observability.Metrics
	Database memory.Database
	Archive  *archive.Archive

	// Cleanup should be called on shutdown to release the database and archive.
	Cleanup func() error
}

type buildOptions struct {
	registerer prometheus.Registerer
	retryBase  time.Duration
}

type BuildOption func(*buildOptions)

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) BuildOption {
	return func(o *buildOptions) { o.registerer = reg }
}

func withRetryBase(d time.Duration) BuildOption {
	return func(o *buildOptions) { o.retryBase = d }
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...BuildOption) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{retryBase: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, o.registerer)

	db, err := openDatabase(ctx, cfg, logger, o.retryBase)
	if err != nil {
		return nil, fmt.Errorf("memory database init failed: %w", err)
	}
	logger.Info("memory database ready", zap.String("kind", db.Kind()), zap.String("table", cfg.MemoryTable))

	registryOpts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(metrics),
	}
	if len(cfg.ConfusionPhrases) > 0 {
		registryOpts = append(registryOpts, session.WithClassifier(memory.NewPhraseClassifier(cfg.ConfusionPhrases)))
	}

	apiOpts := []httpapi.Option{httpapi.WithLogger(logger.Named("http"))}
	if o.registerer != nil {
		if g, ok := o.registerer.(prometheus.Gatherer); ok {
			apiOpts = append(apiOpts, httpapi.WithMetricsHandler(observability.HandlerFor(g)))
		}
	}

	var evicted *archive.Archive
	if cfg.ArchivePath != "" {
		evicted, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("eviction archive init failed: %w", err)
		}
		registryOpts = append(registryOpts, session.WithArchive(evicted))
		apiOpts = append(apiOpts, httpapi.WithArchive(evicted))
		logger.Info("eviction archive enabled", zap.String("path", evicted.Path()))
	}

	sessions, err := session.NewRegistry(ctx, db, cfg.StoreDefaults(), cfg.SessionIdleTimeout, registryOpts...)
	if err != nil {
		if evicted != nil {
			_ = evicted.Close()
		}
		_ = db.Close()
		return nil, fmt.Errorf("session registry init failed: %w", err)
	}
	sessions.SetExpireHook(func(sessionID string) {
		logger.Debug("session handle expired", zap.String("session_id", sessionID))
	})

	sanitizer := policy.NewSanitizer(logger.Named("sanitizer"), metrics)
	api := httpapi.New(cfg, sessions, sanitizer, metrics, apiOpts...)

	cleanup := func() error {
		var errs []string
		if evicted != nil {
			if err := evicted.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Database: db,
		Archive:  evicted,
		Cleanup:  cleanup,
	}, nil
}

// openDatabase retries transient connection failures. A malformed URL fails at once.
func openDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger, base time.Duration) (memory.Database, error) {
	var db memory.Database
	attempt := 0
	retryable := func(err error) bool { return !errors.Is(err, memory.ErrConfiguration) }
	err := reliability.Retry(ctx, cfg.DatabaseConnectTries, base, 5*time.Second, retryable, func(ctx context.Context) error {
		attempt++
		d, err := memory.OpenDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("memory database unavailable", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		db = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}
