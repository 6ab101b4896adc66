// Package app assembles the server: storage, repositories, HTTP surface and
// background jobs.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"scenedb/internal/retention"
	"scenedb/pkg/api"
	"scenedb/pkg/api/handlers"
	"scenedb/pkg/auth"
	"scenedb/pkg/config"
	"scenedb/pkg/logger"
	"scenedb/pkg/store"
)

type App struct {
	cfg     config.Config
	backend store.Backend
	scenes  *store.SceneStore
	snaps   *store.SnapshotStore
	srv     *http.Server
	ready   atomic.Bool
}

func New(cfg config.Config) (*App, error) {
	be, err := store.OpenPebble(cfg.Server.DBPath)
	if err != nil {
		return nil, err
	}

	snaps := store.NewSnapshotStore(be)
	scenes := store.NewSceneStore(be)
	scenes.AttachSnapshots(snaps)

	h := &handlers.Handlers{
		Scenes:       scenes,
		Snapshots:    snaps,
		MaxBodyBytes: int64(cfg.Limits.MaxBodyBytes),
	}

	a := &App{cfg: cfg, backend: be, scenes: scenes, snaps: snaps}

	root := http.NewServeMux()
	root.Handle("/api/", api.NewRouter(h))
	root.Handle("/metrics", promhttp.Handler())
	root.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	root.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "docs/openapi.yaml")
	})
	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	gate := auth.Middleware(auth.Options{
		Tokens:         cfg.Security.Tokens,
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		RPS:            cfg.Security.RateLimit.RPS,
		Burst:          cfg.Security.RateLimit.Burst,
	})

	a.srv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           gate(root),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. Before serving it sweeps existing projects so every project
// with scenes has a snapshot; after that reads are side-effect-free.
func (a *App) Run(ctx context.Context) error {
	a.bridgeSnapshots()

	if a.cfg.Retention.Enabled {
		go retention.Run(ctx, retention.Options{
			Cron:   a.cfg.Retention.Cron,
			Period: a.cfg.Retention.Period.Std(),
			DryRun: a.cfg.Retention.DryRun,
		}, a.scenes)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("server_listening", zap.String("addr", a.srv.Addr))
		var err error
		if a.cfg.Server.TLS.CertFile != "" && a.cfg.Server.TLS.KeyFile != "" {
			err = a.srv.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.ready.Store(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.ready.Store(false)
	logger.Log.Info("server_shutting_down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutCtx); err != nil {
		logger.Log.Warn("server_shutdown_forced", zap.Error(err))
	}
	if err := a.backend.Close(); err != nil {
		logger.Log.Error("backend_close_failed", zap.Error(err))
		return err
	}
	logger.Log.Info("server_stopped")
	return nil
}

func (a *App) bridgeSnapshots() {
	projects, err := a.scenes.Projects()
	if err != nil {
		logger.Log.Error("startup_project_scan_failed", zap.Error(err))
		return
	}
	for _, p := range projects {
		if err := a.scenes.EnsureSnapshot(p); err != nil {
			logger.Log.Error("startup_snapshot_bridge_failed",
				zap.String("project", p), zap.Error(err))
		}
	}
	if len(projects) > 0 {
		logger.Log.Info("startup_snapshot_sweep_done", zap.Int("projects", len(projects)))
	}
}
