package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wabaconsole/console/internal/api"
	"github.com/wabaconsole/console/internal/auth"
	"github.com/wabaconsole/console/internal/backend"
	"github.com/wabaconsole/console/internal/config"
	store "github.com/wabaconsole/console/internal/entitlements"
	"github.com/wabaconsole/console/internal/gate"
	"github.com/wabaconsole/console/internal/metrics"
	"github.com/wabaconsole/console/internal/upgrade"
	"github.com/wabaconsole/console/internal/websocket"
	"github.com/wabaconsole/console/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the entitlement API and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServeCommand(cmd.Context())
	},
}

func runServeCommand(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServer(ctx, cfg)
}

// sessionSource is the session provider plus its lifecycle.
type sessionSource struct {
	auth.Provider
	reload func()
	stop   func()
}

// newSessionSource watches the session file when one is configured, otherwise
// acts for the configured business id.
func newSessionSource(cfg *config.Config) (*sessionSource, error) {
	if cfg.Session.File == "" {
		holder := auth.NewHolder(auth.Session{})
		holder.SetBusiness(cfg.Session.BusinessID)
		return &sessionSource{Provider: holder, reload: func() {}, stop: func() {}}, nil
	}

	sf, err := auth.NewSessionFile(cfg.Session.File)
	if err != nil {
		return nil, err
	}
	if cfg.Session.BusinessID != "" {
		sf.SetFallbackBusiness(cfg.Session.BusinessID)
	}
	if err := sf.Start(); err != nil {
		return nil, err
	}
	return &sessionSource{Provider: sf, reload: sf.Reload, stop: sf.Stop}, nil
}

func newBackendClient(cfg *config.Config) (*backend.Client, error) {
	bc := backend.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		Token:       cfg.API.Token,
		UseDNSCache: cfg.API.DNSCache,
		DNSCacheTTL: cfg.API.DNSCacheTTL,
	}
	if cfg.API.OAuth2.ClientID != "" {
		bc.OAuth2 = &backend.OAuth2Config{
			ClientID:     cfg.API.OAuth2.ClientID,
			ClientSecret: cfg.API.OAuth2.ClientSecret,
			TokenURL:     cfg.API.OAuth2.TokenURL,
			Scopes:       cfg.API.OAuth2.Scopes,
		}
	}
	return backend.NewClient(bc)
}

// newStore builds the entitlement store. The returned closer releases the
// snapshot cache.
func newStore(cfg *config.Config, sessions auth.Provider, background bool) (*store.Store, func(), error) {
	client, err := newBackendClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	var opts []store.Option
	closer := func() {}
	if cfg.Cache.Enabled {
		cacheCfg := store.DefaultCacheConfig("")
		cacheCfg.DBPath = cfg.Cache.Path
		cacheCfg.Retention = cfg.Cache.Retention
		cacheCfg.DisableBackground = !background
		cache, err := store.NewSQLiteCache(cacheCfg)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, store.WithCache(cache))
		closer = func() {
			if err := cache.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close entitlement cache")
			}
		}
	}
	return store.NewStore(client, sessions, opts...), closer, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("version", Version).
		Str("backend", cfg.API.BaseURL).
		Msg("Starting console entitlement server")

	sessions, err := newSessionSource(cfg)
	if err != nil {
		return err
	}
	defer sessions.stop()

	entStore, closeStore, err := newStore(cfg, sessions, true)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := upgrade.NewBus(upgrade.WithObserver(func(req upgrade.Request, delivered int) {
		metrics.RecordUpgradeRequest(string(req.Reason), delivered)
	}))

	wsHub := websocket.NewHub(func() interface{} {
		return api.NewEntitlementsPayload(entStore.State(), cfg.UpgradeURLFor)
	})
	wsHub.SetAllowedOrigins(cfg.Server.AllowedOrigins)

	prompt := upgrade.NewPrompt(bus, wsHub.BroadcastUpgrade)
	defer prompt.Close()

	unsubscribe := entStore.OnChange(func(state store.State) {
		wsHub.BroadcastEntitlements(api.NewEntitlementsPayload(state, cfg.UpgradeURLFor))
	})
	defer unsubscribe()

	router := api.NewRouter(api.Config{
		Store:        entStore,
		Bus:          bus,
		Prompt:       prompt,
		Gate:         gate.New(entStore, bus, gate.WithSessions(sessions), gate.WithUpgradeURL(cfg.UpgradeURLFor)),
		Workspaces:   workspace.Default(),
		Hub:          wsHub,
		APITokenHash: cfg.Server.APITokenHash,
		UpgradeURL:   cfg.UpgradeURLFor,
		Version:      Version,
	})

	// ReadHeaderTimeout only; a ReadTimeout would cut WebSocket connections.
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := entStore.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.Server.MetricsListen != "" {
		g.Go(func() error {
			return runMetricsServer(gctx, cfg.Server.MetricsListen)
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Listen).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	g.Go(func() error {
		return handleReloadSignals(gctx, sessions.reload, func() {
			entStore.Refresh(gctx, store.RefreshOptions{Silent: true})
		})
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// handleReloadSignals re-reads the session and silently refreshes entitlements
// on SIGHUP.
func handleReloadSignals(ctx context.Context, reloadSession, refresh func()) error {
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading session and entitlements")
			reloadSession()
			refresh()
		}
	}
}
