// ABOUTME: Entry point for the gru agent orchestration server
// ABOUTME: Wires the store, crypto, coordinator, orchestrator and HTTP ingress

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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/grulabs/gru/internal/auth"
	"github.com/grulabs/gru/internal/config"
	"github.com/grulabs/gru/internal/coordinator"
	"github.com/grulabs/gru/internal/crypto"
	"github.com/grulabs/gru/internal/model"
	"github.com/grulabs/gru/internal/orchestrator"
	"github.com/grulabs/gru/internal/store"
	"github.com/grulabs/gru/internal/webhook"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const banner = `
  __ _ _ __ _   _
 / _' | '__| | | |
| (_| | |  | |_| |
 \__, |_|   \__,_|
 |___/
`

// getConfigPath returns the path to the gru config file.
// Priority: GRU_CONFIG env var > XDG_CONFIG_HOME/gru/gru.yaml > ~/.config/gru/gru.yaml
func getConfigPath() string {
	if envPath := os.Getenv("GRU_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gru.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "gru", "gru.yaml")
}

func main() {
	// A local .env is optional.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: gru <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the orchestration server")
		fmt.Println("  token --operator NAME  Generate an operator API token")
		fmt.Println("  health                 Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Data:     %s\n", cfg.Data.Dir)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Agents:   max %d concurrent\n", cfg.Agents.MaxConcurrent)
	fmt.Println()

	logger.Info("starting gru",
		"config", configPath,
		"data_dir", cfg.Data.Dir,
		"max_concurrent", cfg.Agents.MaxConcurrent,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Secret storage needs a master password; without one it stays disabled.
	keeper := crypto.NewKeeper(cfg.Data.Dir)
	if masterPass := os.Getenv("GRU_MASTER_PASSWORD"); masterPass != "" {
		if err := keeper.Initialize(masterPass); err != nil {
			return fmt.Errorf("initializing encryption: %w", err)
		}
	} else {
		logger.Warn("GRU_MASTER_PASSWORD not set, secret storage disabled")
	}
	secrets := crypto.NewSecretStore(st, keeper)

	// A stored API key takes precedence over the config value.
	apiKey := cfg.Model.APIKey
	if keeper.IsInitialized() {
		if stored, err := secrets.Get(ctx, "anthropic_api_key"); err == nil {
			apiKey = stored
		}
	}
	client := model.NewAnthropicClient(apiKey, cfg.Model.BaseURL)

	coord := coordinator.New(st)
	orch := orchestrator.New(cfg, st, coord, client)
	orch.Start(ctx)

	if cfg.Server.HTTPAddr == "" {
		logger.Info("HTTP ingress disabled")
		<-ctx.Done()
		logger.Info("shutdown complete")
		return nil
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: webhook.NewServer(cfg, orch, verifier).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runToken() error {
	operator := ""
	for i := 2; i < len(os.Args)-1; i++ {
		if os.Args[i] == "--operator" {
			operator = os.Args[i+1]
		}
	}
	if operator == "" {
		return fmt.Errorf("usage: gru token --operator NAME")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(operator, 90*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	color.New(color.FgGreen).Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
