package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jomei/notionapi"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// rebase sends every request to another host, keeping the path. The Notion
// client has a fixed API host; this points it at a proxy or a test server.
type rebase struct {
	base *url.URL
	next http.RoundTripper
}

func (r rebase) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.base.Scheme
	out.URL.Host = r.base.Host
	out.Host = r.base.Host
	return r.next.RoundTrip(out)
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL == DefaultBaseURL {
		return hc, nil
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid notion base url %q", cfg.BaseURL)
	}
	hc.Transport = rebase{base: base, next: http.DefaultTransport}
	return hc, nil
}

// classify maps a notionapi failure onto the store error kinds.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: notion %s: %v", pipeline.ErrStoreUnavailable, op, err)
	}
	switch {
	case apiErr.Status == http.StatusConflict:
		return fmt.Errorf("%w: notion %s: %v", pipeline.ErrStoreConflict, op, apiErr)
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500:
		return fmt.Errorf("%w: notion %s: %v", pipeline.ErrStoreUnavailable, op, apiErr)
	}
	return fmt.Errorf("notion %s: %w", op, err)
}
