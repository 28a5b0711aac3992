package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sk-pkg/redis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidecron/scheduler/internal/controlserver"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/eventbroker/redisrelay"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	memstore "github.com/tidecron/scheduler/internal/store/memory"
	sqlstore "github.com/tidecron/scheduler/internal/store/sql"
	sqlitestore "github.com/tidecron/scheduler/internal/store/sqlite"
	"github.com/tidecron/scheduler/internal/shellexec"
	"github.com/tidecron/scheduler/internal/supervisor"
	"github.com/tidecron/scheduler/internal/taskregistry"
)

var (
	listenAddr   string
	backend      string
	dbPath       string
	mysqlDSN     string
	role         string
	nodeID       string
	redisAddr    string
	redisChan    string
	shellTaskRef string
	shellAllow   []string
	shellWorkDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a scheduler and/or worker node",
	RunE:  runServe,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".tidecron", "tidecron.db")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7470", "listen address for the control server")
	serveCmd.Flags().StringVar(&backend, "backend", "sqlite", "data store backend: memory, sqlite, mysql")
	serveCmd.Flags().StringVar(&dbPath, "db", defaultDB, "path to the sqlite database (backend=sqlite)")
	serveCmd.Flags().StringVar(&mysqlDSN, "mysql-dsn", "", "gorm MySQL DSN (backend=mysql)")
	serveCmd.Flags().StringVar(&role, "role", "both", "node role: scheduler, worker, both")
	serveCmd.Flags().StringVar(&nodeID, "id", "", "this node's identity (hostname-pid-pointer if empty)")
	serveCmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for cross-process event relay (empty disables)")
	serveCmd.Flags().StringVar(&redisChan, "redis-channel", "tidecron", "Redis pub/sub channel for the event relay")
	serveCmd.Flags().StringVar(&shellTaskRef, "shell-task", "", "register a task reference (func) that runs allowlisted shell commands")
	serveCmd.Flags().StringArrayVar(&shellAllow, "shell-allow", nil, "cmd:subcommand pair permitted by --shell-task (repeatable, e.g. git:status)")
	serveCmd.Flags().StringVar(&shellWorkDir, "shell-workdir", "", "working directory for --shell-task commands")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	events := eventbroker.New()
	ser := serializer.JSONSerializer{}
	opts := store.Options{Events: events, Serializer: ser}.WithDefaults()

	dataStore, err := openStore(opts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var relay *redisrelay.Relay
	if redisAddr != "" {
		manager, err := redis.New(redis.WithAddress(redisAddr))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		relay = redisrelay.New(manager, redisChan, logger.Named("relay"))
	}

	registry := taskregistry.New()
	if shellTaskRef != "" {
		allowlist := make(shellexec.Allowlist)
		for _, pair := range shellAllow {
			cmd, sub, ok := strings.Cut(pair, ":")
			if !ok {
				return fmt.Errorf("invalid --shell-allow %q (want cmd:subcommand)", pair)
			}
			allowlist[cmd] = append(allowlist[cmd], sub)
		}
		runner := shellexec.New(shellWorkDir, allowlist)
		registry.Register(shellTaskRef, runner.Func())
	}

	sup := supervisor.New(supervisor.Config{
		ID:           nodeID,
		Store:        dataStore,
		Events:       events,
		Serializer:   ser,
		Logger:       logger,
		Registry:     registry,
		Relay:        relay,
		RunScheduler: role == "scheduler" || role == "both",
		RunWorker:    role == "worker" || role == "both",
	})

	if err := sup.Start(); err != nil {
		return err
	}

	server := controlserver.New(dataStore, sup.Scheduler(), sup.Worker(), listenAddr, logger.Named("control"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("control server failed", zap.Error(err))
			sup.Stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("control server shutdown error", zap.Error(err))
	}
	if err := sup.Stop(); err != nil {
		logger.Error("supervisor shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// openStore builds the configured Store backend. The three-way switch
// mirrors the teacher's daemon.go, which picks a backend off a single
// flag before wiring the rest of the daemon around it.
func openStore(opts store.Options) (store.Store, error) {
	switch backend {
	case "memory":
		return memstore.New(opts), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		return sqlitestore.New(dbPath, opts)
	case "mysql":
		if mysqlDSN == "" {
			return nil, fmt.Errorf("--mysql-dsn is required for backend=mysql")
		}
		return sqlstore.New(mysqlDSN, opts)
	default:
		return nil, fmt.Errorf("unknown backend %q (want memory, sqlite, or mysql)", backend)
	}
}
