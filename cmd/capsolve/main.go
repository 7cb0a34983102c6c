// Command capsolve is the CAPTCHA solving daemon: it drives a Chrome tab,
// finds CAPTCHA images, sends them to a configured vision model, and types
// the answer back into the page. Control is over HTTP or MCP.
//
// Usage:
//
//	capsolve -config capsolve.yaml
//	capsolve -url https://example.com/login      # open a page at startup
//	capsolve -mcp-stdio                          # serve MCP on stdio
//
// The credential sealing secret comes from CAPSOLVE_SECRET.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/capsolve/browser"
	"github.com/hazyhaar/capsolve/server"
	"github.com/hazyhaar/capsolve/solver"
	"github.com/hazyhaar/capsolve/store"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to capsolve.yaml")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	startURL := flag.String("url", "", "open this URL after startup")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP on stdio instead of HTTP")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("capsolve: config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *startURL, *mcpStdio); err != nil {
		logger.Error("capsolve: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger, startURL string, mcpStdio bool) error {
	secret := os.Getenv("CAPSOLVE_SECRET")
	if secret == "" {
		return errors.New("CAPSOLVE_SECRET is not set")
	}
	sealer, err := store.NewSealer(secret)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, sealer, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg.Browser.Logger = logger
	mgr := browser.NewManager(cfg.Browser)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	ctrl := solver.NewController(mgr, st, logger)
	defer ctrl.Close()

	if startURL != "" {
		if err := ctrl.Open(ctx, startURL); err != nil {
			logger.Warn("capsolve: startup navigation failed", "url", startURL, "error", err)
		}
	}

	cfg.Server.Logger = logger
	srv := server.New(ctrl, st, cfg.Server)

	if mcpStdio {
		mcpSrv := newMCPServer(srv)
		logger.Info("capsolve: serving MCP on stdio")
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	if cfg.MCP.Enabled {
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return newMCPServer(srv)
		}, nil)
		mux.Handle("/mcp", handler)
		logger.Info("capsolve: MCP mounted", "path", "/mcp")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("capsolve: listening", "addr", cfg.Listen, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("capsolve: shutdown", "error", err)
	}
	return nil
}

func newMCPServer(srv *server.Server) *mcp.Server {
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "capsolve", Version: version}, nil)
	srv.RegisterMCP(mcpSrv)
	return mcpSrv
}
