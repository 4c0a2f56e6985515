package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/quadsearch/internal/api"
	"github.com/kalambet/quadsearch/internal/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the quadsearch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running quadsearch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quadsearch server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "quadsearch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func serverURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "quadsearch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("quadsearch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("quadsearch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Auth.AdminToken == "" {
		slog.Warn("auth.admin_token is not set; document indexing routes are disabled")
	}
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is not set; every caller is anonymous")
	}

	if err := a.startBackground(ctx); err != nil {
		return err
	}

	handler := api.NewRouter(api.Deps{
		Service:     a.service,
		Hub:         a.hub,
		JWTSecret:   cfg.Auth.JWTSecret,
		AdminToken:  cfg.Auth.AdminToken,
		CORSOrigins: cfg.Server.Origins(),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "quadsearch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Open event streams may outlive the grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("quadsearch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop quadsearch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to quadsearch (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Chat model", "%s", cfg.OpenAI.ChatModel)
	printStatus("Embed model", "%s", cfg.OpenAI.EmbedModel)
	printStatus("Budget", "%d anonymous / %d verified tokens per %s",
		cfg.Budget.AnonymousMaxTokens, cfg.Budget.VerifiedMaxTokens, cfg.Budget.Window)
	if cfg.Realtime.RedisAddr != "" {
		printStatus("Events", "redis %s (%s)", cfg.Realtime.RedisAddr, cfg.Realtime.RedisChannel)
	} else {
		printStatus("Events", "in-process")
	}
	if cfg.Reaper.Enabled {
		printStatus("Reaper", "%s, stale after %s", cfg.Reaper.Schedule, cfg.Reaper.StaleAfter)
	} else {
		printStatus("Reaper", "disabled")
	}
	return nil
}
