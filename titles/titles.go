// Package titles looks up a video title from its public watch page, for
// pages (embedded players) whose own document does not carry it.
package titles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoTitle means the page was fetched but carries no usable title.
var ErrNoTitle = errors.New("titles: no title in page")

// Fetcher resolves a video id to its title.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// Config for a Client.
type Config struct {
	// BaseURL of the watch pages. Default "https://www.youtube.com".
	BaseURL string
	// Timeout bounds one Fetch including retries. Default 20s.
	Timeout time.Duration
	// Retries after the first attempt. Default 2; negative disables.
	Retries int
	// Backoff grows linearly per retry. Default 500ms.
	Backoff time.Duration
	// CacheSize is the number of titles kept. Default 128.
	CacheSize int
	UserAgent string
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.youtube.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 128
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client fetches titles over HTTP with bounded retry and a small cache.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
	order []string
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &retryTransport{
				base:      cfg.Transport,
				retries:   cfg.Retries,
				backoff:   cfg.Backoff,
				userAgent: cfg.UserAgent,
			},
		},
		logger: cfg.Logger,
		cache:  make(map[string]string),
	}
}

// Fetch returns the title of video id.
func (c *Client) Fetch(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("titles: empty video id")
	}
	if t, ok := c.cached(id); ok {
		return t, nil
	}

	u := c.cfg.BaseURL + "/watch?v=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("titles: request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("titles: fetch %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("titles: fetch %s: status %d", id, resp.StatusCode)
	}

	title, err := Parse(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("titles: %s: %w", id, err)
	}
	c.store(id, title)
	c.logger.Debug("titles: fetched", "id", id, "title", title)
	return title, nil
}

// Parse extracts the title from a watch page: the title meta tag first,
// then the document title without the site suffix.
func Parse(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	if v, ok := doc.Find(`meta[name="title"]`).First().Attr("content"); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	// The leading space lets a title of only the suffix strip to nothing.
	t := " " + strings.TrimSpace(doc.Find("title").First().Text())
	t = strings.TrimSpace(strings.TrimSuffix(t, " - YouTube"))
	if t == "" {
		return "", ErrNoTitle
	}
	return t, nil
}

func (c *Client) cached(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.cache[id]
	return t, ok
}

func (c *Client) store(id, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[id]; ok {
		return
	}
	if len(c.order) >= c.cfg.CacheSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[id] = title
	c.order = append(c.order, id)
}
