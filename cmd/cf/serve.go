package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/config"
	"github.com/untoldecay/ChangeFlow/internal/httpserver"
	"github.com/untoldecay/ChangeFlow/internal/rpc"
	"github.com/untoldecay/ChangeFlow/internal/stream"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

// shutdownGrace bounds how long an interrupted HTTP server waits for
// in-flight requests before giving up on them.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Serve the change workflow over JSON-RPC",
	Long: `Serve the change workflow over JSON-RPC.

By default the server speaks line-delimited JSON-RPC on stdin/stdout,
which is how agent harnesses embed it. With --http it listens on
host:port instead and exposes SSE and NDJSON tool endpoints alongside
/healthz and /readyz.

Only one server may own a repository at a time; a second 'cf serve'
against the same root exits immediately. Logs go to stderr, or to a
rotating file when --log-file (or CHANGEFLOW_LOG_FILE) is set. Stdout
stays reserved for the protocol in stdio mode.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		httpMode, _ := cmd.Flags().GetBool("http")

		root := resolveRoot()
		if root == "" {
			FatalError("no change repository found (run 'cf init' or pass --root)")
		}

		opts := repositoryOptions(root)
		// Tool calls arrive from automated clients, not the person at
		// the terminal.
		opts.Actor = types.Actor{Type: "agent", Name: actor}
		repo, err := change.NewRepository(root, opts)
		if err != nil {
			FatalError("%v", err)
		}
		defer func() { _ = repo.Close() }()
		if err := repo.EnsureLayout(); err != nil {
			FatalError("%v", err)
		}

		// One server per repository. The flock dies with the process,
		// so a crashed server never wedges the next one.
		repoLock := flock.New(filepath.Join(root, ".changeflow", "repo.lock"))
		locked, err := repoLock.TryLock()
		if err != nil {
			FatalError("acquiring repository lock: %v", err)
		}
		if !locked {
			FatalError("another server owns this repository (%s)", root)
		}
		defer func() { _ = repoLock.Unlock() }()

		logFile, _ := cmd.Flags().GetString("log-file")
		if logFile == "" {
			logFile = config.GetString("server.log-file")
		}
		logger := serveLogger(logFile)

		monitor := stream.NewMonitor(0)
		monitor.Start()
		defer monitor.Stop()

		cleanup := stream.NewRegistry()
		cleanup.StartSweeper(30 * time.Second)
		defer cleanup.Stop()

		ctrl := stream.NewController(monitor)
		ctrl.SetCriticalHook(func() {
			released := cleanup.EmergencyCleanup()
			logger.Warn("critical memory pressure",
				"released", released,
				"heap_pct", monitor.Current().HeapPercent)
		})

		cfg := config.Server()
		if cmd.Flags().Changed("host") {
			cfg.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}

		transport := "stdio"
		if httpMode {
			transport = "http"
		}
		disp := rpc.NewDispatcher(repo, ctrl, rpc.Options{
			Transport: transport,
			// Stdio sessions are long-lived conversations; HTTP clients
			// come and go, so initialize stays optional there.
			RequireInit:     !httpMode,
			ServerName:      "changeflow",
			ServerVersion:   Version,
			Actor:           actor,
			StreamThreshold: int64(config.GetInt("stream.memory-threshold-kb")) * 1024,
			MaxResultBytes:  cfg.MaxResponseBytes,
			Audit:           opts.Audit,
		})

		logger.Info("server starting",
			"version", Version,
			"transport", transport,
			"root", root)

		if httpMode {
			serveHTTP(rootCtx, repo, disp, cfg, logger)
		} else {
			serveStdio(rootCtx, disp, logger)
		}
	},
}

func init() {
	serveCmd.Flags().Bool("http", false, "Listen on HTTP instead of stdio")
	serveCmd.Flags().String("host", "", "Listen host for --http (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port for --http (overrides config)")
	serveCmd.Flags().String("log-file", "", "Append logs to a rotating file instead of stderr")
	rootCmd.AddCommand(serveCmd)
}

// serveStdio runs the line-framed transport until the client closes
// stdin or the process is signaled.
func serveStdio(ctx context.Context, disp *rpc.Dispatcher, logger *slog.Logger) {
	srv := rpc.NewStdioServer(disp, os.Stdin, os.Stdout)
	err := srv.Serve(ctx)
	switch {
	case err == nil:
		logger.Info("stdio session closed")
	case errors.Is(err, context.Canceled):
		logger.Info("stdio session interrupted")
	default:
		logger.Error("stdio session failed", "error", err)
		os.Exit(1)
	}
}

// serveHTTP starts the listener in a goroutine and blocks on the first
// of: listener failure, or a signal followed by graceful drain.
func serveHTTP(ctx context.Context, repo *change.Repository, disp *rpc.Dispatcher, cfg config.ServerConfig, logger *slog.Logger) {
	srv := httpserver.New(repo, disp, cfg, logger, Version)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http transport failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("signal received, draining connections", "grace", shutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
		<-errChan
	}
	logger.Info("server stopped")
}

// serveLogger builds the server logger: text-formatted slog on stderr,
// or a rotating file when one is configured.
func serveLogger(logFile string) *slog.Logger {
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			Compress:   true,
		}
	}
	return slog.New(slog.NewTextHandler(w, nil))
}
