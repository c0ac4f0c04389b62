// Command taskforge is the single binary entrypoint: it boots the
// lease-based task orchestration engine in one of three modes (rpc, http,
// cli), sharing one instance-lifecycle and graceful-shutdown path across
// all of them.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/taskforge/engine/internal/clisurface"
	"github.com/taskforge/engine/internal/command"
	"github.com/taskforge/engine/internal/config"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/eventbus"
	"github.com/taskforge/engine/internal/httpsurface"
	"github.com/taskforge/engine/internal/instance"
	"github.com/taskforge/engine/internal/logging"
	"github.com/taskforge/engine/internal/metrics"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/rpcsurface"
	"github.com/taskforge/engine/internal/sessionsvc"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/internal/storage/filestore"
	"github.com/taskforge/engine/internal/storage/mongostore"
	"github.com/taskforge/engine/internal/storage/redisstore"
	"github.com/taskforge/engine/internal/tasksvc"
	"github.com/taskforge/engine/internal/tasktypesvc"
)

const version = "0.1.0"

func main() {
	status := false
	stop := false
	forceStop := false
	for _, a := range os.Args[1:] {
		switch a {
		case "--status":
			status = true
		case "--stop":
			stop = true
		case "--force-stop":
			forceStop = true
		}
	}

	cfg, err := config.Load("TASKFORGE", os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	basePath, _ := os.Getwd()
	pidFilePath := filepath.Join(basePath, "data", "taskforge.pid")
	instanceMgr := instance.NewManager(pidFilePath, "", cfg.Port)

	if status {
		showInstanceStatus(instanceMgr)
		return
	}
	if stop || forceStop {
		stopInstance(instanceMgr, forceStop)
		return
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// In cli mode (the default for an interactive invocation with
	// subcommand arguments) we never contend for the instance lock or
	// port: each invocation is a short-lived one-shot command against a
	// backend it opens itself.
	if cfg.Mode == "cli" || hasSubcommand() {
		runCLI(cfg, logger)
		return
	}

	if existing, err := instanceMgr.CheckExistingInstance(); err == nil && existing != nil && existing.IsRunning {
		fmt.Fprintf(os.Stderr, "taskforge is already running (pid %d, port %d)\n", existing.PID, existing.Port)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(pidFilePath), 0755); err == nil {
		if err := instanceMgr.AcquireLock(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
			os.Exit(1)
		}
		defer instanceMgr.ReleaseLock()
		_ = instanceMgr.WritePIDFile(os.Getpid(), cfg.Port, basePath)
		defer instanceMgr.RemovePIDFile()
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		logger.Fatal("failed to build storage backend", zap.Error(err))
	}
	defer backend.Close()

	bus := buildEventBus(cfg, logger)
	collector := metrics.New()
	registry := buildRegistry(backend, cfg, bus, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runLeaseReaper(ctx, registry, cfg, logger)

	switch cfg.Mode {
	case "http":
		runHTTP(ctx, cfg, registry, backend, bus, collector, logger)
	case "rpc":
		runRPC(ctx, registry, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want rpc|http|cli)\n", cfg.Mode)
		os.Exit(1)
	}
}

func hasSubcommand() bool {
	for _, a := range os.Args[1:] {
		if len(a) > 0 && a[0] != '-' {
			return true
		}
	}
	return false
}

func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageProvider {
	case config.StorageFile:
		return filestore.New(cfg.FileDataDir, time.Duration(cfg.FileLockTimeoutSeconds)*time.Second)
	case config.StorageMongoDB:
		return mongostore.New(context.Background(), cfg.StorageConnectionString)
	case config.StorageRedis:
		return redisstore.New(cfg.StorageConnectionString)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", cfg.StorageProvider)
	}
}

func buildRegistry(backend storage.Backend, cfg *config.Config, bus *eventbus.Bus, collector *metrics.Collector) *command.Registry {
	projects := projectsvc.New(backend)
	taskTypes := tasktypesvc.New(backend, projects)
	tasks := tasksvc.New(backend, projects)
	tasks.SetEventBus(bus)
	tasks.SetMetrics(collector)
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = []byte("taskforge-dev-secret-change-me")
	}
	sessions := sessionsvc.New(backend, projects, secret)
	return command.BuildCatalog(&command.Services{
		Projects:  projects,
		TaskTypes: taskTypes,
		Tasks:     tasks,
		Sessions:  sessions,
		Backend:   backend,
	})
}

// buildEventBus opens the SQLite-backed pending-event store that powers
// GET /api/ws/events (spec §6.2); if the store can't be opened the bus
// still runs purely in-memory, so a reconnecting client simply won't see
// events published while it was disconnected.
func buildEventBus(cfg *config.Config, logger *zap.Logger) *eventbus.Bus {
	if err := os.MkdirAll(filepath.Dir(cfg.EventsDBPath), 0755); err != nil {
		logger.Warn("failed to create events db directory, running event bus in-memory", zap.Error(err))
		return eventbus.New(nil, logger)
	}
	db, err := sql.Open("sqlite3", cfg.EventsDBPath)
	if err != nil {
		logger.Warn("failed to open events db, running event bus in-memory", zap.Error(err))
		return eventbus.New(nil, logger)
	}
	store, err := eventbus.NewSQLiteStore(db)
	if err != nil {
		logger.Warn("failed to init events schema, running event bus in-memory", zap.Error(err))
		return eventbus.New(nil, logger)
	}
	return eventbus.New(store, logger)
}

func runLeaseReaper(ctx context.Context, registry *command.Registry, cfg *config.Config, logger *zap.Logger) {
	cleanup, ok := registry.ByName("lease_cleanup")
	if !ok {
		return
	}
	listProjects, ok := registry.ByName("project_list")
	if !ok {
		return
	}
	ticker := time.NewTicker(time.Duration(cfg.ReaperIntervalMins) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cc := &command.Context{Ctx: ctx}
			result, err := listProjects.Handler(cc, command.Args{})
			if err != nil {
				logger.Warn("reaper: failed to list projects", zap.Error(err))
				continue
			}
			projects, _ := result.Data.([]*domain.Project)
			for _, p := range projects {
				if _, err := cleanup.Handler(cc, command.Args{"projectId": p.ID}); err != nil {
					logger.Warn("reaper: cleanup failed", zap.String("projectId", p.ID), zap.Error(err))
				}
			}
		}
	}
}

func runHTTP(ctx context.Context, cfg *config.Config, registry *command.Registry, backend storage.Backend, bus *eventbus.Bus, collector *metrics.Collector, logger *zap.Logger) {
	projects := projectsvc.New(backend)
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = []byte("taskforge-dev-secret-change-me")
	}
	sessions := sessionsvc.New(backend, projects, secret)
	srv := httpsurface.New(registry, sessions, version, string(cfg.StorageProvider))
	srv.SetEventBus(bus)
	srv.SetMetrics(collector)
	srv.SetBackend(backend)

	httpServer := &http.Server{
		Addr:    cfg.ResolveAddr(),
		Handler: srv.Router(),
	}
	requestStop := make(chan struct{}, 1)
	srv.SetShutdownCallback(func() {
		select {
		case requestStop <- struct{}{}:
		default:
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Info("taskforge http surface listening", zap.String("addr", cfg.ResolveAddr()))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	case <-shutdown:
		logger.Info("shutting down http surface")
	case <-requestStop:
		logger.Info("shutdown requested via /api/shutdown")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// rpcRequest is one line of stdin: {connectionId, tool, arguments}.
type rpcRequest struct {
	ConnectionID string         `json:"connectionId"`
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments"`
}

// runRPC serves the RPC tool protocol over stdio, one JSON request per
// line and one JSON ToolResponse per line of stdout, matching the
// "LLM-driven caller" surface described in spec §6.3. A single stdio
// session is one connection; its remembered agent name lives under the
// fixed id "stdio".
func runRPC(ctx context.Context, registry *command.Registry, logger *zap.Logger) {
	server := rpcsurface.New(registry)
	logger.Info("taskforge rpc surface reading from stdin")

	const connectionID = "stdio"
	decoder := json.NewDecoder(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var req rpcRequest
		if err := decoder.Decode(&req); err != nil {
			if err.Error() != "EOF" {
				logger.Warn("malformed rpc request", zap.Error(err))
			}
			return
		}
		resp := server.Call(ctx, connectionID, req.Tool, req.Arguments)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("failed to write rpc response", zap.Error(err))
			return
		}
	}
}

func runCLI(cfg *config.Config, logger *zap.Logger) {
	backend, err := buildBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build storage backend: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	registry := buildRegistry(backend, cfg, eventbus.New(nil, logger), metrics.New())
	root := clisurface.Build(registry, version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showInstanceStatus(mgr *instance.InstanceManager) {
	info, err := mgr.CheckExistingInstance()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to check instance: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no taskforge instance running")
		return
	}
	fmt.Printf("taskforge running: pid=%d port=%d responding=%v started=%s\n",
		info.PID, info.Port, info.IsResponding, info.StartTime.Format(time.RFC3339))
}

func stopInstance(mgr *instance.InstanceManager, force bool) {
	info, err := mgr.CheckExistingInstance()
	if err != nil || info == nil {
		fmt.Println("no taskforge instance running")
		return
	}
	if force {
		if err := instance.KillProcess(info.PID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to force-stop: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("taskforge force-stopped")
		return
	}
	if err := instance.SendShutdownRequest(info.Port); err != nil {
		fmt.Fprintf(os.Stderr, "failed to request graceful shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("taskforge shutdown requested")
}
