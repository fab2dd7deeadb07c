// Package shield provides the HTTP middleware in front of the settings
// surface: security headers, body limits, request ids with a per-request
// logger, rate limiting and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(shield.Options{}) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Options tune Stack.
type Options struct {
	Headers HeaderConfig // zero value means DefaultHeaders()
	MaxBody int64        // default 64 KiB
	// Limits are per "METHOD /path" rules. Nil means DefaultLimits().
	Limits map[string]RateLimit
	Logger *slog.Logger
}

// Stack returns the middleware chain, outermost first:
// HeadToGet → SecurityHeaders → MaxBody → RequestID → RateLimiter.
func Stack(opts Options) []func(http.Handler) http.Handler {
	if opts.Headers == (HeaderConfig{}) {
		opts.Headers = DefaultHeaders()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 64 * 1024
	}
	if opts.Limits == nil {
		opts.Limits = DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rl := NewRateLimiter(opts.Limits, opts.Logger)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(opts.Headers),
		MaxBody(opts.MaxBody),
		RequestID(opts.Logger),
		rl.Middleware,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
