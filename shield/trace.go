package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mssola/useragent"

	"github.com/hazyhaar/spoilguard/idgen"
	"github.com/hazyhaar/spoilguard/kit"
)

// RequestID tags each request with an id (kit.RequestIDKey), echoes it in
// X-Request-ID, labels the client (kit.ClientKey) and attaches a
// per-request logger under LoggerKey. An incoming X-Request-ID is kept.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 64 {
				id = idgen.Request()
			}
			w.Header().Set("X-Request-ID", id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			client := ClientLabel(r.UserAgent())
			ctx = kit.WithClient(ctx, client)
			logger := base.With(
				"request_id", id,
				"client", client,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientLabel condenses a User-Agent into "Browser version (OS)", or
// "bot:Name" for crawlers. Empty input gives "".
func ClientLabel(ua string) string {
	if ua == "" {
		return ""
	}
	p := useragent.New(ua)
	name, version := p.Browser()
	if p.Bot() {
		return "bot:" + name
	}
	label := name
	if version != "" {
		label += " " + version
	}
	if os := p.OS(); os != "" {
		label += " (" + os + ")"
	}
	return label
}
