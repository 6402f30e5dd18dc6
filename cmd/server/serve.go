package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/access"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/api"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/bridge"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/compaction"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/config"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/ratelimit"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/snapshot"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg, opts.logger)
		},
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (snapshot.Store, error) {
	compression, err := snapshot.ParseCompression(cfg.Snapshot.Compression)
	if err != nil {
		return nil, err
	}
	return snapshot.Open(cfg.Snapshot.DSN, snapshot.Options{Compression: compression, Logger: logger})
}

func newManager(cfg *config.Config, store snapshot.Store, logger *slog.Logger) *room.Manager {
	return room.NewManager(store, merge.NewSetMerger(), room.Config{
		CompactMaxUpdates: cfg.Compaction.MaxUpdates,
		CompactMaxBytes:   cfg.Compaction.MaxBytes,
		PersistTimeout:    cfg.Compaction.PersistTimeout,
		PersistWorkers:    cfg.Compaction.PersistWorkers,
		Logger:            logger,
	})
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	manager := newManager(cfg, store, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(logger)
	go hub.Run(hubCtx)

	limits := ratelimit.NewRegistry(cfg.Transport.MessagesPerSecond, cfg.Transport.MessageBurst, 10*time.Minute)
	defer limits.Stop()

	checker, closeChecker, err := newChecker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChecker.Close()

	bus, closeBus, err := newBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus.Close()
	metadata := bridge.New(bus, hub, bridge.Config{Channel: cfg.Bus.Channel, Logger: logger})
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- metadata.Run(ctx) }()

	var internalAuth *access.InternalAuth
	if cfg.Access.InternalSecret != "" {
		internalAuth = access.NewInternalAuth(cfg.Access.InternalSecret, cfg.Access.MaxSkew)
	}

	wsConfig := ws.DefaultConfig()
	wsConfig.MaxMessageSize = cfg.Transport.MaxMessageSize
	wsConfig.HandshakeTimeout = 2 * cfg.Access.Timeout
	wsConfig.AllowedOrigins = cfg.Transport.AllowedOrigins
	wsConfig.Logger = logger

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(hub, manager, verifier, checker, limits, wsConfig))

	var checkHandler http.Handler
	if internalAuth != nil && cfg.Access.CheckURL == "" {
		checkHandler = &access.Handler{Checker: checker, Auth: internalAuth}
	}
	api.New(manager, hub, metadata, internalAuth, logger).Register(mux, checkHandler)

	maintenance := compaction.New(manager, compaction.Config{
		Interval:      cfg.Compaction.Interval,
		MaxPendingAge: cfg.Compaction.MaxPendingAge,
		IdleTimeout:   cfg.Compaction.IdleTimeout,
		Logger:        logger,
	})
	maintenance.Start()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("collab server starting",
			"addr", cfg.ListenAddr,
			"snapshot_dsn", redact(cfg.Snapshot.DSN),
			"compression", cfg.Snapshot.Compression,
			"bus", busKind(cfg),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serveErr:
		if err != nil {
			maintenance.Stop()
			_ = manager.Close(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	case err := <-bridgeDone:
		if ctx.Err() == nil {
			logger.Error("metadata bridge stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	stopHub()
	maintenance.Stop()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Error("final flush incomplete", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newVerifier(cfg *config.Config) (access.TokenVerifier, error) {
	if len(cfg.Access.StaticTokens) > 0 {
		return access.StaticVerifier(cfg.Access.StaticTokens), nil
	}
	if cfg.Access.IdentityURL == "" {
		return nil, errors.New("no token verifier configured: set access.identity_url or access.static_tokens")
	}
	return &access.RemoteVerifier{URL: cfg.Access.IdentityURL, Timeout: cfg.Access.Timeout}, nil
}

// newChecker prefers the remote endpoint and otherwise answers from the
// membership directory, which defaults to the snapshot database.
func newChecker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (access.Checker, io.Closer, error) {
	if cfg.Access.CheckURL != "" {
		return access.NewRemoteChecker(access.RemoteConfig{
			URL:     cfg.Access.CheckURL,
			Secret:  cfg.Access.InternalSecret,
			Timeout: cfg.Access.Timeout,
			Logger:  logger,
		}), nopCloser{}, nil
	}

	dsn := cfg.Access.DirectoryDSN
	if dsn == "" {
		dsn = cfg.Snapshot.DSN
	}
	if strings.HasPrefix(dsn, "memory:") {
		return nil, nil, errors.New("access directory needs a database: set access.directory_dsn or access.check_url")
	}
	dir, err := access.OpenDirectory(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open access directory: %w", err)
	}
	if err := dir.EnsureSchema(ctx); err != nil {
		dir.Close()
		return nil, nil, fmt.Errorf("prepare access directory: %w", err)
	}
	return access.NewGate(dir, access.GateConfig{Timeout: cfg.Access.Timeout, Logger: logger}), dir, nil
}

func newBus(cfg *config.Config, logger *slog.Logger) (bridge.Bus, io.Closer, error) {
	if cfg.Bus.DSN == "" {
		return bridge.NewMemoryBus(), nopCloser{}, nil
	}
	bus, err := bridge.NewPostgresBus(cfg.Bus.DSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata bus: %w", err)
	}
	return bus, bus, nil
}

func busKind(cfg *config.Config) string {
	if cfg.Bus.DSN == "" {
		return "memory"
	}
	return "postgres"
}

// redact strips credentials from a DSN for logging.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.User(u.User.Username())
	return u.String()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
