package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/pagetweak/internal/api"
	"github.com/kalambet/pagetweak/internal/browser"
	"github.com/kalambet/pagetweak/internal/config"
	"github.com/kalambet/pagetweak/internal/pipeline"
	"github.com/kalambet/pagetweak/internal/proxy"
	"github.com/kalambet/pagetweak/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pagetweak server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pagetweak server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pagetweak server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pagetweak tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pagetweak.pid")
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

// app wires the long-lived components shared by serve and mcp.
type app struct {
	store   *storage.Store
	browser *browser.Manager
	model   *proxy.Client
	service *pipeline.Service
}

func newApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	model, err := proxy.NewClient(proxy.Config{
		BaseURL:      cfg.Model.BaseURL,
		APIKey:       cfg.Model.APIKey,
		Model:        cfg.Model.Name,
		EndpointPath: cfg.Model.EndpointPath,
		SystemPrompt: cfg.Model.SystemPrompt,
		Timeout:      cfg.Model.Timeout(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.RemoteURL,
		Headless:  cfg.Browser.Headless,
		Stealth:   cfg.Browser.Stealth,
	})

	temp := cfg.Model.Temperature
	deps := pipeline.Deps{
		Browser:     pipeline.ManagerBrowser(mgr),
		Generator:   model,
		Store:       store,
		Temperature: &temp,
	}
	if cfg.Model.MaxOutputTokens > 0 {
		n := cfg.Model.MaxOutputTokens
		deps.MaxOutputTokens = &n
	}

	return &app{
		store:   store,
		browser: mgr,
		model:   model,
		service: pipeline.NewService(deps),
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.service.Close(ctx)
	if err := a.browser.Close(); err != nil {
		slog.Warn("closing browser", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func loadServerConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level, os.Stderr)
	return cfg, nil
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "pagetweak version %s\n", version)

	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printStep("Starting browser")
	if err := a.browser.Start(ctx); err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	slog.Info("model endpoint", "url", a.model.Endpoint(), "model", cfg.Model.Name)
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is not set; the API accepts unauthenticated requests")
	}

	handler := api.NewHandler(api.Deps{
		Service: a.service,
		Models:  a.model,
		Token:   cfg.Server.AuthToken,
		Logger:  slog.Default(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		printSuccess("pagetweak listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(ctx context.Context) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: a.service, Version: version})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("pagetweak is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop pagetweak (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to pagetweak (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s at %s", cfg.Model.Name, cfg.Model.BaseURL)
	if cfg.Browser.RemoteURL != "" {
		printStatus("Browser", "remote %s", cfg.Browser.RemoteURL)
	} else {
		printStatus("Browser", "local (headless=%t, stealth=%t)", cfg.Browser.Headless, cfg.Browser.Stealth)
	}

	if err == nil && resp.StatusCode == http.StatusOK {
		var targets []struct{}
		if r, err := client.get(ctx, "/v1/targets"); err == nil && decodeJSON(r, &targets) == nil {
			printStatus("Targets", "%d open", len(targets))
		}
		var scripts []scriptView
		if r, err := client.get(ctx, "/v1/scripts"); err == nil && decodeJSON(r, &scripts) == nil {
			applied := 0
			for _, s := range scripts {
				if s.Status == "applied" {
					applied++
				}
			}
			printStatus("Scripts", "%d stored, %d applied", len(scripts), applied)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
