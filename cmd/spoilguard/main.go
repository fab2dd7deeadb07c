// Command spoilguard hides the timeline of YouTube videos whose titles
// match a keyword list, so a match's length cannot spoil its outcome.
//
// Usage:
//
//	spoilguard -config spoilguard.yaml              # guard pages from YAML config
//	spoilguard -url https://www.youtube.com/watch?v=abc
//	spoilguard -check-title "2024 Masters Final Round"
//	spoilguard -mcp-stdio                           # MCP tools on stdin/stdout
//	spoilguard -hash-password 'secret'              # print a bcrypt hash for api.password_hash
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spoilguard/api"
	"github.com/hazyhaar/spoilguard/audit"
	"github.com/hazyhaar/spoilguard/dbopen"
	"github.com/hazyhaar/spoilguard/guard"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to spoilguard.yaml config file")
	singleURL := flag.String("url", "", "guard a single URL with default settings")
	checkTitle := flag.String("check-title", "", "print the decision for a title and exit")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve the MCP tools on stdin/stdout")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash of the given password and exit")
	dbPath := flag.String("db", "", "override db.path")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
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

	if *hashPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashPassword), bcrypt.DefaultCost)
		if err != nil {
			logger.Error("spoilguard: hash password", "error", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath, *singleURL)
	if err != nil {
		logger.Error("spoilguard: config", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	switch {
	case *checkTitle != "":
		err = runCheck(ctx, logger, cfg, *checkTitle)
	case *mcpStdio:
		err = runMCPStdio(ctx, logger, cfg)
	case len(cfg.Pages) > 0:
		err = runGuard(ctx, logger, cfg)
	default:
		fmt.Fprintln(os.Stderr, "usage: spoilguard -config <file> | -url <url> | -check-title <title> | -mcp-stdio")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("spoilguard: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path, singleURL string) (*guard.Config, error) {
	cfg := guard.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = guard.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if singleURL != "" {
		cfg.Pages = []guard.PageConfig{{ID: "page-1", URL: singleURL}}
	}
	return cfg, nil
}

// openOffline binds a guard to the database without a browser.
func openOffline(ctx context.Context, logger *slog.Logger, cfg *guard.Config) (*guard.Guard, func(), error) {
	db, err := dbopen.Open(cfg.DB.Path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	g := guard.New(cfg, logger)
	if err := g.Open(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return g, func() {
		g.Stop()
		db.Close()
	}, nil
}

func runCheck(ctx context.Context, logger *slog.Logger, cfg *guard.Config, title string) error {
	g, closeFn, err := openOffline(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := g.CheckTitle(ctx, title)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runMCPStdio(ctx context.Context, logger *slog.Logger, cfg *guard.Config) error {
	g, closeFn, err := openOffline(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	al, err := audit.Open(ctx, g.DB(), audit.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer al.Close()

	srv, err := api.New(api.Config{
		Store:   g.Store(),
		Journal: g.Journal(),
		Pages:   g,
		Audit:   al,
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info("spoilguard: serving MCP on stdio")
	if err := srv.MCPServer().Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runGuard(ctx context.Context, logger *slog.Logger, cfg *guard.Config) error {
	g := guard.New(cfg, logger)
	if err := g.Start(ctx); err != nil {
		g.Stop()
		return err
	}
	defer g.Stop()
	logger.Info("spoilguard: started", "pages", len(cfg.Pages), "version", version)

	var httpSrv *http.Server
	if cfg.API.Addr != "" {
		al, err := audit.Open(ctx, g.DB(), audit.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer al.Close()
		go pruneAudit(ctx, logger, al)

		srv, err := api.New(api.Config{
			Store:        g.Store(),
			Journal:      g.Journal(),
			Pages:        g,
			User:         cfg.API.User,
			PasswordHash: cfg.API.PasswordHash,
			Audit:        al,
			MCP:          cfg.API.MCP,
			Version:      version,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		httpSrv = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("spoilguard: api listening", "addr", cfg.API.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("spoilguard: api", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("spoilguard: shutting down")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("spoilguard: api shutdown", "error", err)
		}
	}
	return nil
}

// pruneAudit keeps thirty days of audit entries.
func pruneAudit(ctx context.Context, logger *slog.Logger, al *audit.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if n, err := al.Cleanup(ctx, 30*24*time.Hour); err != nil {
			logger.Warn("spoilguard: audit cleanup", "error", err)
		} else if n > 0 {
			logger.Info("spoilguard: audit pruned", "entries", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
