package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/spoilguard/kit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func chain(h http.Handler, mws []func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestSecurityHeaders_Defaults(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := w.Header().Get("Content-Security-Policy"); !strings.Contains(got, "script-src 'none'") {
		t.Errorf("CSP = %q", got)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("HEAD", "/health", nil))
	if method != "GET" {
		t.Fatalf("method = %q, want GET", method)
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		var total int
		for {
			n, err := r.Body.Read(buf)
			total += n
			if err != nil {
				if strings.Contains(err.Error(), "too large") {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					return
				}
				break
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("PUT", "/api/settings", strings.NewReader(`{"keywords":["masters"]}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen, transport string
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetRequestID(r.Context())
		transport = kit.GetTransport(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("no request logger")
		}
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/logs", nil))
	if !strings.HasPrefix(seen, "req_") || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get("X-Request-ID"))
	}
	if transport != "http" {
		t.Errorf("transport = %q", transport)
	}

	req := httptest.NewRequest("GET", "/api/logs", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-1" {
		t.Errorf("incoming id not kept: %q", seen)
	}
}

func TestRateLimiter_BlocksAfterMax(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{
		"PUT /api/settings": {MaxRequests: 2, Window: time.Minute},
	}, nil)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	do := func(method, path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := do("PUT", "/api/settings", "10.0.0.1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, w.Code)
		}
	}
	w := do("PUT", "/api/settings", "10.0.0.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	if w := do("PUT", "/api/settings", "10.0.0.2"); w.Code != http.StatusOK {
		t.Errorf("other client blocked: %d", w.Code)
	}
	if w := do("GET", "/api/settings", "10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("unlimited endpoint blocked: %d", w.Code)
	}

	now = now.Add(time.Minute + time.Second)
	if w := do("PUT", "/api/settings", "10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("window did not reset: %d", w.Code)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Errorf("xff = %q", got)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := ExtractIP(req); got != "192.0.2.1" {
		t.Errorf("remote = %q", got)
	}
}

func TestStack_Order(t *testing.T) {
	h := chain(okHandler(), Stack(Options{}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("HEAD", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Frame-Options") == "" {
		t.Errorf("headers = %v", w.Header())
	}
}

func TestClientLabel(t *testing.T) {
	if got := ClientLabel(""); got != "" {
		t.Errorf("empty = %q", got)
	}
	ff := "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"
	if got := ClientLabel(ff); !strings.HasPrefix(got, "Firefox 120.0") {
		t.Errorf("firefox = %q", got)
	}

	var seen string
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetClient(r.Context())
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", ff)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !strings.HasPrefix(seen, "Firefox") {
		t.Errorf("client in context = %q", seen)
	}
}
