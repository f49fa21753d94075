// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/entitle/hub/api"
	"github.com/amurg-ai/entitle/hub/auth"
	"github.com/amurg-ai/entitle/hub/billing"
	"github.com/amurg-ai/entitle/hub/config"
	"github.com/amurg-ai/entitle/hub/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	catalog      *billing.Catalog
	watcher      *billing.CatalogWatcher // nil without billing.tiers_file
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	catalog, err := BuildCatalog(cfg.Billing)
	if err != nil {
		return nil, err
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	var watcher *billing.CatalogWatcher
	if cfg.Billing.TiersFile != "" {
		watcher, err = billing.NewCatalogWatcher(cfg.Billing.TiersFile, catalog, logger)
		if err != nil {
			_ = authProvider.Close()
			_ = db.Close()
			return nil, err
		}
	}

	retries := cfg.Billing.MaxConflictRetries
	apiSrv := api.NewServer(db, authProvider, cfg, api.ServerOptions{
		Verifier:   billing.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.SignatureTolerance.Duration),
		Reconciler: billing.NewReconciler(db, catalog, retries, logger),
		Ledger:     billing.NewLedger(db, catalog, cfg.Billing.CyclePeriod.Duration, retries, logger),
		Catalog:    catalog,
	}, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		catalog:      catalog,
		watcher:      watcher,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if len(catalog.Tiers()) == 0 {
		h.logger.Warn("no paid tiers configured, every subscription event will fail with unknown tier")
	}

	return h, nil
}

// BuildCatalog creates the tier catalog from configuration. Tiers from
// tiers_file replace the inline list when the file is set.
func BuildCatalog(cfg config.BillingConfig) (*billing.Catalog, error) {
	tiers := cfg.Tiers
	if cfg.TiersFile != "" {
		fromFile, err := billing.LoadTiersFile(cfg.TiersFile)
		if err != nil {
			return nil, err
		}
		tiers = fromFile
	}
	catalog, err := billing.NewCatalog(cfg.FreeTier, tiers)
	if err != nil {
		return nil, fmt.Errorf("build tier catalog: %w", err)
	}
	return catalog, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the HTTP server and background loops and blocks until ctx is
// canceled or one of them fails.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	g.Go(func() error {
		h.api.RunBackgroundTasks(gctx)
		return nil
	})

	if retention := h.cfg.Storage.AuditRetention.Duration; retention > 0 {
		g.Go(func() error {
			h.runRetentionPurger(gctx, retention)
			return nil
		})
	}

	if h.watcher != nil {
		g.Go(func() error {
			return h.watcher.Run(gctx)
		})
	}

	err := g.Wait()

	h.logger.Info("closing store")
	_ = h.authProvider.Close()
	_ = h.store.Close()
	h.logger.Info("shutdown complete")

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purgeAuditEvents(ctx, retention)
		}
	}
}

func (h *Hub) purgeAuditEvents(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
