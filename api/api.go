// Package api is the settings-editing surface: a small JSON API, a popup
// page listing the hide journal, and MCP tools over the same operations.
// Every successful settings write is broadcast to the guarded pages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/spoilguard/audit"
	"github.com/hazyhaar/spoilguard/guard"
	"github.com/hazyhaar/spoilguard/idgen"
	"github.com/hazyhaar/spoilguard/kit"
	"github.com/hazyhaar/spoilguard/observe"
	"github.com/hazyhaar/spoilguard/settings"
	"github.com/hazyhaar/spoilguard/shield"
)

// Pages is what the API needs from the guard.
type Pages interface {
	Broadcast(msg observe.Message) int
	CheckTitle(ctx context.Context, title string) (guard.CheckResult, error)
	Stats(ctx context.Context) (guard.Stats, error)
}

// Journal is the hide log.
type Journal interface {
	Logs(ctx context.Context) ([]string, error)
	HiddenToday(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Store   settings.Store
	Journal Journal
	Pages   Pages

	// User and PasswordHash enable HTTP Basic auth on mutating routes.
	// An empty hash leaves them open.
	User         string
	PasswordHash string

	// Audit, when set, records every state-changing call.
	Audit *audit.Logger

	// MCP mounts the streamable MCP endpoint at /mcp.
	MCP     bool
	Version string
	Shield  shield.Options
	Logger  *slog.Logger
}

// Server serves the API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	policy *bluemonday.Policy
	mcp    *mcp.Server

	setSettings kit.Endpoint // *settings.Patch
	clearLogs   kit.Endpoint // nil request
	refresh     kit.Endpoint // *observe.Message
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Journal == nil || cfg.Pages == nil {
		return nil, errors.New("api: store, journal and pages are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("api: password hash: %w", err)
		}
		if cfg.User == "" {
			cfg.User = "admin"
		}
	}
	if cfg.Shield.Logger == nil {
		cfg.Shield.Logger = cfg.Logger
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		policy: bluemonday.StrictPolicy(),
	}
	s.setSettings = s.endpoint("set_settings", func(ctx context.Context, req any) (any, error) {
		return s.update(ctx, *req.(*settings.Patch))
	})
	s.clearLogs = s.endpoint("clear_logs", func(ctx context.Context, _ any) (any, error) {
		return nil, s.cfg.Journal.Clear(ctx)
	})
	s.refresh = s.endpoint("refresh", func(ctx context.Context, req any) (any, error) {
		msg := *req.(*observe.Message)
		if !msg.Valid() {
			return nil, fmt.Errorf("%w %q", errUnknownMessage, msg.Type)
		}
		return s.cfg.Pages.Broadcast(msg), nil
	})
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "spoilguard", Version: cfg.Version}, nil)
	s.RegisterMCP(s.mcp)
	return s, nil
}

// endpoint wraps ep with request ids, logging and, when configured,
// the audit trail.
func (s *Server) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	mws := []kit.Middleware{requestID, kit.Logging(s.logger, name)}
	if s.cfg.Audit != nil {
		mws = append(mws, audit.Middleware(s.cfg.Audit, name))
	}
	return kit.Chain(mws...)(ep)
}

func requestID(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		if kit.GetRequestID(ctx) == "" {
			ctx = kit.WithRequestID(ctx, idgen.Request())
		}
		return next(ctx, req)
	}
}

// MCPServer returns the MCP server carrying the spoilguard tools.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.cfg.Shield) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/", s.handlePopup)

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleGetSettings)
		r.Get("/logs", s.handleLogs)
		r.Get("/stats", s.handleStats)
		r.Post("/check", s.handleCheck)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Put("/settings", s.handlePutSettings)
			r.Delete("/logs", s.handleClearLogs)
			r.Post("/refresh", s.handleRefresh)
			if s.cfg.Audit != nil {
				r.Get("/audit", s.handleAudit)
			}
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/settings", s.handleSettingsForm)
	})

	if s.cfg.MCP {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Handle("/mcp", h)
		})
	}
	return r
}

// requireAuth checks HTTP Basic credentials against the bcrypt hash.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PasswordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.User ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(pass)) != nil {
			shield.GetLogger(r.Context()).Warn("api: authentication failed", "user", user)
			w.Header().Set("WWW-Authenticate", `Basic realm="spoilguard"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithUser(r.Context(), user)))
	})
}

// update writes p and tells every page. Returns the stored settings.
func (s *Server) update(ctx context.Context, p settings.Patch) (settings.Settings, error) {
	if p.Empty() {
		return settings.Settings{}, errEmptyPatch
	}
	if err := s.cfg.Store.Set(ctx, p); err != nil {
		return settings.Settings{}, fmt.Errorf("api: update settings: %w", err)
	}
	n := s.cfg.Pages.Broadcast(observe.Message{Type: observe.MsgRefreshSettings})
	if p.Keywords != nil {
		s.cfg.Pages.Broadcast(observe.Message{Type: observe.MsgRefreshKeywords})
	}
	if p.Enabled != nil {
		on := *p.Enabled
		s.cfg.Pages.Broadcast(observe.Message{Type: observe.MsgExtensionState, Enabled: &on})
	}
	s.logger.Info("api: settings updated", "pages", n)
	return s.cfg.Store.Get(ctx)
}

var (
	errEmptyPatch     = errors.New("api: empty settings patch")
	errUnknownMessage = errors.New("api: unknown message type")
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
