// Command clara-gateway is the CLI entry point for the Clara Gateway — a
// WebSocket hub that mediates between chat adapters (Discord, Teams,
// CLI, ...) and an LLM-backed conversational pipeline. The gateway
// accepts adapter connections over WebSocket, routes messages through
// dedup/debounce/batching, drives a multi-turn tool-calling LLM
// orchestrator, runs scheduled background tasks, and supervises adapter
// subprocesses.
//
// CLI commands (cobra):
//
//	clara-gateway start [-f] [--adapter NAME]* [--no-adapters]
//	clara-gateway stop
//	clara-gateway status
//	clara-gateway restart [-f]
//	clara-gateway adapter NAME {start|stop|restart|status}
//	clara-gateway logs [-n N] [-f]
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clara-ai/gateway/internal/config"
	"github.com/clara-ai/gateway/internal/daemon"
	"github.com/clara-ai/gateway/internal/events"
	"github.com/clara-ai/gateway/internal/history"
	"github.com/clara-ai/gateway/internal/hooks"
	"github.com/clara-ai/gateway/internal/logging"
	"github.com/clara-ai/gateway/internal/orchestrator"
	"github.com/clara-ai/gateway/internal/registry"
	"github.com/clara-ai/gateway/internal/router"
	"github.com/clara-ai/gateway/internal/scheduler"
	"github.com/clara-ai/gateway/internal/server"
	"github.com/clara-ai/gateway/internal/supervisor"
	"github.com/clara-ai/gateway/internal/tools"
)

// Build-time variables injected via ldflags, matching the teacher's
// convention: go build -ldflags "-X main.version=1.0.0".
var (
	version = "dev"
	commit  = "unknown"
)

// Shared options every subcommand accepts (spec.md §6's "each accepting
// shared options" line), bound as persistent flags on the root command.
var (
	flagHost           string
	flagPort           int
	flagPIDFile        string
	flagLogFile        string
	flagHooksDir       string
	flagSchedulerDir   string
	flagAdaptersConfig string
)

func defaultOr(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

var rootCmd = &cobra.Command{
	Use:     "clara-gateway",
	Short:   "Clara Gateway — WebSocket hub between chat adapters and an LLM pipeline",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", defaultOr("CLARA_GATEWAY_HOST", "127.0.0.1"), "Bind address")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 18789, "Port to listen on")
	rootCmd.PersistentFlags().StringVar(&flagPIDFile, "pidfile", defaultOr("CLARA_GATEWAY_PIDFILE", "/tmp/clara-gateway.pid"), "Gateway PID file path")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "logfile", defaultOr("CLARA_GATEWAY_LOGFILE", ""), "Log file path (empty logs to stderr)")
	rootCmd.PersistentFlags().StringVar(&flagHooksDir, "hooks-dir", defaultOr("CLARA_HOOKS_DIR", "./hooks"), "Directory containing hooks.yaml")
	rootCmd.PersistentFlags().StringVar(&flagSchedulerDir, "scheduler-dir", defaultOr("CLARA_SCHEDULER_DIR", "."), "Directory containing scheduler.yaml")
	rootCmd.PersistentFlags().StringVar(&flagAdaptersConfig, "adapters-config", "./adapters.yaml", "Path to adapters.yaml")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(adapterCmd)
	rootCmd.AddCommand(logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// clara-gateway start
// ============================================================================

var (
	foreground bool
	onlyAdapters []string
	noAdapters   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the Clara Gateway. Daemonizes into the background unless -f is
given. --adapter limits which configured adapters are supervised;
--no-adapters starts the gateway with no adapter subprocesses at all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in the foreground instead of daemonizing")
	startCmd.Flags().StringArrayVar(&onlyAdapters, "adapter", nil, "Limit supervision to this adapter (repeatable)")
	startCmd.Flags().BoolVar(&noAdapters, "no-adapters", false, "Start the gateway only, with no adapter subprocesses")
}

const daemonizedEnvVar = "CLARA_GATEWAY_DAEMONIZED"

// runStart wires every subsystem together and blocks until shutdown.
// This is the gateway's composition root:
//
//  1. Daemonize (re-exec detached) unless -f or already the re-exec'd child.
//  2. Load config.yaml, set up logging.
//  3. Build the event emitter, optional history store, hooks manager,
//     scheduler, message router, node registry, session manager.
//  4. Build the tool executor and LLM orchestrator.
//  5. Build the WebSocket server and mount it plus /health and /shutdown.
//  6. Load and start adapters.yaml under the supervisor.
//  7. Start a config file watcher for hot-reload.
//  8. Write the PID file and block until SIGINT/SIGTERM/HTTP shutdown.
func runStart(cmd *cobra.Command, args []string) error {
	if !foreground && os.Getenv(daemonizedEnvVar) != "1" {
		return spawnGatewayDaemon(cmd)
	}

	cfg, err := config.LoadGatewayConfig("./config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}

	logger, logFile, err := logging.Setup(logging.Config{Path: flagLogFile})
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	emitter := events.New(100, logger)

	var historyStore *history.Store
	if cfg.History.Enabled {
		historyStore, err = history.Open(cfg.History.Path, 10000)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer historyStore.Close()
		history.Subscribe(emitter, historyStore)
		logger.Info("persisted history enabled", "path", cfg.History.Path)
	}

	hookManager := hooks.NewManager(emitter, logger)
	hooksLoaded, err := hookManager.LoadFromFile(filepath.Join(flagHooksDir, "hooks.yaml"))
	if err != nil {
		logger.Warn("failed to load hooks", "error", err)
	}

	sched := scheduler.New(flagSchedulerDir, emitter, logger)
	tasksLoaded, err := sched.LoadFromFile(filepath.Join(flagSchedulerDir, "scheduler.yaml"))
	if err != nil {
		logger.Warn("failed to load scheduled tasks", "error", err)
	}

	nodeRegistry := registry.NewNodeRegistry()
	sessionManager := registry.NewSessionManager()

	rt := router.New(router.Config{
		DedupWindow:     cfg.Tunables.DedupWindow(),
		DedupMaxEntries: cfg.Tunables.DedupCacheCap,
		DebounceWindow:  cfg.Tunables.DebounceDuration(),
	}, logger)

	toolExecutor := tools.New(cfg.Tunables.IOWorkers, logger)
	defer toolExecutor.Close()

	// A real deployment supplies an LLMClient that speaks to its chosen
	// provider; provider wire formats are out of scope for the gateway
	// itself (spec names "LLM provider SDKs" as a non-goal). Until one is
	// wired in, the gateway runs with a client that fails every call
	// cleanly rather than silently no-opping.
	llmClient := &unconfiguredLLMClient{}

	orch := orchestrator.New(llmClient, toolExecutor, orchestrator.Config{
		MaxToolIterations:   cfg.Tunables.MaxToolIterations,
		MaxToolResultChars:  cfg.Tunables.MaxToolResultChars,
		ToolCallMode:        orchestrator.ToolCallMode(cfg.Tunables.ToolCallMode),
		AutoContinueEnabled: cfg.Tunables.AutoContinueEnabled,
		AutoContinueMax:     cfg.Tunables.AutoContinueMax,
	}, logger)

	srv := server.New(server.Config{Secret: cfg.Server.Secret}, nodeRegistry, sessionManager, rt, orch, toolExecutor, emitter, logger)
	sched.SetBroadcaster(srv)

	sup := supervisor.New("/tmp", logger)
	adaptersLoaded := 0
	if !noAdapters {
		adaptersLoaded, err = sup.LoadConfig(flagAdaptersConfig)
		if err != nil {
			logger.Warn("failed to load adapters config", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", daemon.ShutdownHandler(func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if err := daemon.WritePIDFile(flagPIDFile); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer daemon.RemovePIDFile(flagPIDFile)

	watcher, err := config.NewWatcher([]string{flagHooksDir, flagSchedulerDir, filepath.Dir(flagAdaptersConfig)}, config.WatchTargets{
		OnHooksChange: func() {
			if n, err := hookManager.LoadFromFile(filepath.Join(flagHooksDir, "hooks.yaml")); err != nil {
				logger.Warn("hooks reload failed", "error", err)
			} else {
				logger.Info("hooks reloaded", "count", n)
			}
		},
		OnSchedulerChange: func() {
			if n, err := sched.LoadFromFile(filepath.Join(flagSchedulerDir, "scheduler.yaml")); err != nil {
				logger.Warn("scheduler reload failed", "error", err)
			} else {
				logger.Info("scheduler reloaded", "count", n)
			}
		},
		OnAdaptersChange: func() {
			if n, err := sup.LoadConfig(flagAdaptersConfig); err != nil {
				logger.Warn("adapters reload failed", "error", err)
			} else {
				logger.Info("adapters reloaded", "count", n)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	sched.Start()
	defer sched.Stop()

	if !noAdapters {
		sup.Start(onlyAdapters...)
		defer sup.Stop()
	}

	emitter.Emit(context.Background(), events.Event{
		Type: events.TypeGatewayStartup,
		Data: map[string]any{
			"host": cfg.Server.Host, "port": cfg.Server.Port,
			"hooks_loaded": hooksLoaded, "tasks_loaded": tasksLoaded, "adapters_loaded": adaptersLoaded,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down (signal received)")
	case <-shutdownCh:
		logger.Info("shutting down (stop command received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	emitter.Emit(context.Background(), events.Event{Type: events.TypeGatewayShutdown, Data: map[string]any{"reason": "signal"}})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// spawnGatewayDaemon re-execs the current binary as a detached background
// process via internal/daemon.Spawn, forwarding the same start arguments
// plus the daemonized marker env var the child checks to skip re-exec.
func spawnGatewayDaemon(cmd *cobra.Command) error {
	if err := os.MkdirAll(filepath.Dir(flagLogFile), 0o755); err != nil && flagLogFile != "" {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logPath := flagLogFile
	if logPath == "" {
		logPath = "/tmp/clara-gateway.log"
	}

	args := []string{"start", "--pidfile", flagPIDFile, "--logfile", flagLogFile, "--hooks-dir", flagHooksDir,
		"--scheduler-dir", flagSchedulerDir, "--adapters-config", flagAdaptersConfig}
	if cmd.Flags().Changed("host") {
		args = append(args, "--host", flagHost)
	}
	if cmd.Flags().Changed("port") {
		args = append(args, "--port", strconv.Itoa(flagPort))
	}
	for _, name := range onlyAdapters {
		args = append(args, "--adapter", name)
	}
	if noAdapters {
		args = append(args, "--no-adapters")
	}
	pid, err := daemon.Spawn(args, logPath, []string{daemonizedEnvVar + "=1"})
	if err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	fmt.Printf("clara-gateway started in background (pid %d)\n", pid)
	fmt.Printf("log file: %s\n", logPath)
	return nil
}

// unconfiguredLLMClient satisfies orchestrator.LLMClient for deployments
// that have not yet wired a real provider. Every call fails with a clear
// message instead of silently producing empty responses.
type unconfiguredLLMClient struct{}

func (unconfiguredLLMClient) Call(ctx context.Context, messages []orchestrator.Message, toolsSchema []orchestrator.ToolSchema, tier string, mode orchestrator.ToolCallMode) (orchestrator.LLMResponse, error) {
	return orchestrator.LLMResponse{}, fmt.Errorf("no LLM provider configured: wire an orchestrator.LLMClient implementation before starting the gateway")
}

func (unconfiguredLLMClient) CallStreaming(ctx context.Context, messages []orchestrator.Message, tier string) (<-chan string, error) {
	return nil, fmt.Errorf("no LLM provider configured: wire an orchestrator.LLMClient implementation before starting the gateway")
}

// ============================================================================
// clara-gateway stop
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long:  `Stop a running gateway. Tries HTTP /shutdown first, then falls back to PID file + SIGTERM on POSIX systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := fmt.Sprintf("%s:%d", flagHost, flagPort)
		if err := daemon.Stop(addr, flagPIDFile); err != nil {
			return err
		}
		fmt.Println("stop signal sent")
		return nil
	},
}

// ============================================================================
// clara-gateway status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status (adapter status is not reported)",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := fmt.Sprintf("http://%s:%d/health", flagHost, flagPort)
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(addr)
		if err != nil {
			pid, readErr := daemon.ReadPIDFile(flagPIDFile)
			if readErr != nil || !daemon.IsRunning(pid) {
				fmt.Println("gateway: not running")
				os.Exit(1)
			}
			fmt.Printf("gateway: PID file present (pid %d) but not responding over HTTP\n", pid)
			os.Exit(1)
		}
		defer resp.Body.Close()
		fmt.Printf("gateway: running (%s)\n", addr)
		return nil
	},
}

// ============================================================================
// clara-gateway restart
// ============================================================================

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := fmt.Sprintf("%s:%d", flagHost, flagPort)
		if err := daemon.Stop(addr, flagPIDFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: stop failed: %v\n", err)
		}
		time.Sleep(500 * time.Millisecond)
		return runStart(cmd, args)
	},
}

func init() {
	restartCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in the foreground instead of daemonizing")
}

// ============================================================================
// clara-gateway adapter NAME {start|stop|restart|status}
// ============================================================================

var adapterCmd = &cobra.Command{
	Use:   "adapter NAME {start|stop|restart|status}",
	Short: "Control a single configured adapter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, action := args[0], args[1]
		sup := supervisor.New("/tmp", nil)
		if _, err := sup.LoadConfig(flagAdaptersConfig); err != nil {
			return fmt.Errorf("loading adapters config: %w", err)
		}

		switch action {
		case "start":
			return sup.StartAdapter(name)
		case "stop":
			return sup.StopAdapter(name, 10*time.Second)
		case "restart":
			return sup.RestartAdapter(name)
		case "status":
			for _, st := range sup.GetStatus() {
				if st.Name == name {
					fmt.Printf("%s: %s (pid %d, restarts %d)\n", st.Name, st.State, st.PID, st.RestartCount)
					return nil
				}
			}
			return fmt.Errorf("adapter %q not found in %s", name, flagAdaptersConfig)
		default:
			return fmt.Errorf("unknown adapter action %q (want start|stop|restart|status)", action)
		}
	},
}

// ============================================================================
// clara-gateway logs
// ============================================================================

var (
	logLines  int
	followLog bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail the gateway log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagLogFile
		if path == "" {
			path = "/tmp/clara-gateway.log"
		}
		lines, err := logging.TailFile(path, logLines)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		if !followLog {
			return nil
		}

		printed := len(lines)
		for {
			time.Sleep(500 * time.Millisecond)
			all, err := logging.TailFile(path, 0)
			if err != nil {
				continue
			}
			if len(all) <= printed {
				// File was truncated or rotated out from under us — reset
				// rather than printing a negative-length slice.
				printed = len(all)
				continue
			}
			for _, l := range all[printed:] {
				fmt.Println(l)
			}
			printed = len(all)
		}
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 20, "Number of lines to show")
	logsCmd.Flags().BoolVarP(&followLog, "follow", "f", false, "Follow the log file for new output")
}

