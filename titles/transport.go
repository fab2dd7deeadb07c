package titles

import (
	"errors"
	"net/http"
	"time"
)

// retryTransport retries replayable requests (GET/HEAD without body) on
// transport errors and 5xx responses, with linear backoff.
type retryTransport struct {
	base      http.RoundTripper
	retries   int
	backoff   time.Duration
	userAgent string
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("titles: nil request")
	}
	max := t.retries
	if (req.Method != http.MethodGet && req.Method != http.MethodHead) || req.Body != nil || max < 0 {
		max = 0
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * t.backoff)
			select {
			case <-req.Context().Done():
				timer.Stop()
				if lastErr == nil {
					lastErr = req.Context().Err()
				}
				return resp, lastErr
			case <-timer.C:
			}
		}
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" && t.userAgent != "" {
			r.Header.Set("User-Agent", t.userAgent)
		}

		resp, lastErr = t.base.RoundTrip(r)
		if lastErr == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if req.Context().Err() != nil {
			break
		}
		if lastErr == nil && attempt < max {
			resp.Body.Close()
			resp = nil
		}
	}
	return resp, lastErr
}
