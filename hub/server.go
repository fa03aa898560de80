// Package hub provides a reusable Hub server that can be embedded in
// other binaries.
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/taskbridge/taskbridge/internal/hub/api"
	"github.com/taskbridge/taskbridge/internal/hub/auth"
	"github.com/taskbridge/taskbridge/internal/hub/bridge"
	"github.com/taskbridge/taskbridge/internal/hub/config"
	"github.com/taskbridge/taskbridge/internal/hub/db"
	"github.com/taskbridge/taskbridge/internal/hub/job"
	"github.com/taskbridge/taskbridge/internal/hub/sink"
	"github.com/taskbridge/taskbridge/internal/logging"
	"github.com/taskbridge/taskbridge/internal/metrics"
)

// Server is a reusable Hub server instance.
type Server struct {
	cfg    *config.Config
	store  *db.Store
	bridge *bridge.Bridge
	server *http.Server
	sqlDB  *sql.DB
}

// NewServer creates a new Hub server. It opens the database, runs
// migrations, and wires the scheduler and HTTP surface. Call Serve()
// to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store := db.New(sqlDB)

	// No worker can be connected while the hub is starting, so any
	// instance still marked online is stale state from a hard stop.
	if err := store.MarkAllInstancesOffline(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reset instance status: %w", err)
	}

	events := sink.NewSQLite(store)
	b := bridge.New(cfg, job.NewStore(), events)

	mux := http.NewServeMux()
	api.New(b, store, events).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(auth.HTTPMiddleware(mux))), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		store:  store,
		bridge: b,
		server: server,
		sqlDB:  sqlDB,
	}, nil
}

// Store returns the hub's database store for direct access (e.g. for
// out-of-band instance registration).
func (s *Server) Store() *db.Store {
	return s.store
}

// Bridge returns the hub's scheduler.
func (s *Server) Bridge() *bridge.Bridge {
	return s.bridge
}

// Serve starts the Hub server. It blocks until ctx is cancelled, then
// performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.bridge.Start()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")

		// 1. Stop accepting work: the scheduler rejects new jobs and
		// connections, cancels gate timers, and drains the persist queue.
		s.bridge.Stop()

		// 2. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("hub listening", "addr", ln.Addr().String())

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}
