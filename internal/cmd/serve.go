package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/api"
	"github.com/prudhvinik1/fieldsync/internal/api/handlers"
	"github.com/prudhvinik1/fieldsync/internal/config"
	"github.com/prudhvinik1/fieldsync/internal/database"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the HTTP and live-feed server.

Configuration comes from the environment (see .env.example). STORAGE=memory
runs without postgres and redis.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply database migrations before serving")
}

// app is the wired server: the HTTP handler plus the background loops that
// must run beside it.
type app struct {
	handler     http.Handler
	broadcaster *feed.Broadcaster
	audit       *services.AuditSink
	staleness   *services.StalenessMonitor
}

func newApp(cfg *config.Config, st *storage, clock clockwork.Clock, logger *slog.Logger) *app {
	authorizer := services.ClaimsAuthorizer{}
	broadcaster := feed.NewBroadcaster(st.changes, feed.NewHub(cfg.FeedBuffer, logger), st.transport, cfg.FeedPageSize, logger)
	audit := services.NewAuditSink(st.audit, cfg.AuditBuffer, logger)
	locks := services.NewLockService(st.locks, authorizer, cfg.LockTTL, cfg.LockMaxTTL, logger)
	reports := services.NewReportService(st.reports, st.tx, authorizer, broadcaster, audit, clock, logger)
	locations := services.NewLocationService(st.locations, broadcaster, services.LocationSettings{
		StaleAfter:        cfg.LocationStaleAfter,
		ThrottleInterval:  cfg.LocationThrottleInterval,
		ThrottleDistanceM: cfg.LocationThrottleDistanceM,
	}, clock, logger)

	h := handlers.New(handlers.Services{
		Overlays:  services.NewOverlayService(st.overlays, st.tx, locks, authorizer, broadcaster, audit, clock, logger),
		Reports:   reports,
		Sos:       services.NewSosService(st.sos, st.tx, reports, authorizer, broadcaster, audit, clock, logger),
		Locations: locations,
		Presence:  services.NewPresenceService(st.presence, broadcaster, clock, logger),
		Feed:      broadcaster,
	}, logger)
	auth := services.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, clock)

	return &app{
		handler:     api.NewRouter(h, auth, logger),
		broadcaster: broadcaster,
		audit:       audit,
		staleness:   services.NewStalenessMonitor(locations, broadcaster, broadcaster, cfg.LocationStaleInterval, clock, logger),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveMigrate && cfg.Storage == config.StoragePostgres {
		if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	st, err := openStorage(ctx, cfg, clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	a := newApp(cfg, st, clockwork.NewRealClock(), logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.broadcaster.Run(gctx) })
	g.Go(func() error { return a.audit.Run(gctx) })
	g.Go(func() error { return a.staleness.Run(gctx) })
	g.Go(func() error {
		logger.Info("starting server",
			slog.String("addr", server.Addr),
			slog.String("storage", string(cfg.Storage)),
			slog.Duration("lock_ttl", cfg.LockTTL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}
