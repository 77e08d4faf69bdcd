// Package headless contains the render fetch strategy, which executes
// JavaScript in a real browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/jobtrack/internal/fetcher"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleTimeout     time.Duration
	ExecPath          string
	NoSandbox         bool
}

// Gauge tracks sessions in flight. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

type rendered struct {
	html     string
	finalURL string
	meta     *responseMeta
}

// Fetcher implements fetcher.Strategy using chromedp and headless Chrome.
// Every call starts its own browser and tears it down before returning.
type Fetcher struct {
	cfg       Config
	limiter   chan struct{}
	allocOpts []chromedp.ExecAllocatorOption
	active    Gauge

	open   func(parent context.Context) (context.Context, context.CancelFunc)
	render func(ctx context.Context, url string) (rendered, error)
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, active Gauge) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.SettleTimeout < 0 {
		cfg.SettleTimeout = 0
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	f := &Fetcher{
		cfg:       cfg,
		limiter:   make(chan struct{}, cfg.MaxParallel),
		allocOpts: opts,
		active:    active,
	}
	f.open = f.openBrowser
	f.render = f.runHeadless
	return f, nil
}

// Fetch navigates with a headless browser and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, url string) (fetcher.Page, error) {
	if err := f.acquire(ctx); err != nil {
		return fetcher.Page{}, err
	}
	defer f.release()
	if f.active != nil {
		f.active.Inc()
		defer f.active.Dec()
	}

	browserCtx, closeBrowser := f.open(ctx)
	defer closeBrowser()

	navCtx, cancel := context.WithTimeout(browserCtx, f.navTimeout())
	defer cancel()

	start := time.Now()
	out, err := f.render(navCtx, url)
	if err != nil {
		if isBrowserUnavailable(err) {
			return fetcher.Page{}, fmt.Errorf("%w: %v", fetcher.ErrBrowserUnavailable, err)
		}
		return fetcher.Page{}, err
	}

	meta := out.meta
	if meta == nil {
		meta = newResponseMeta()
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(url, out.finalURL)
	return fetcher.Page{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(out.html),
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) openBrowser(parent context.Context) (context.Context, context.CancelFunc) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, f.allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return browserCtx, func() {
		browserCancel()
		allocCancel()
	}
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (rendered, error) {
	out := rendered{meta: newResponseMeta()}
	idle := newIdleWatcher()
	chromedp.ListenTarget(ctx, func(ev any) {
		out.meta.captureEvent(ev)
		idle.observe(ev)
	})

	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.ActionFunc(func(context.Context) error {
			idle.arm()
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		idle.wait(f.cfg.SettleTimeout),
		chromedp.Location(&out.finalURL),
		chromedp.OuterHTML("html", &out.html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return rendered{}, fmt.Errorf("chromedp run: %w", err)
	}
	return out, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

func isBrowserUnavailable(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "failed to start") ||
		strings.Contains(msg, "chrome failed to start")
}

// idleWatcher closes its channel on the first networkIdle lifecycle event
// seen after arm.
type idleWatcher struct {
	mu     sync.Mutex
	armed  bool
	closed bool
	ch     chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{ch: make(chan struct{})}
}

func (w *idleWatcher) arm() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
}

func (w *idleWatcher) observe(ev any) {
	lifecycle, ok := ev.(*page.EventLifecycleEvent)
	if !ok || lifecycle.Name != "networkIdle" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed || w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}

// wait blocks until network idle, the settle timeout, or ctx is done.
func (w *idleWatcher) wait(settle time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if settle <= 0 {
			return nil
		}
		timer := time.NewTimer(settle)
		defer timer.Stop()
		select {
		case <-w.ch:
			return nil
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the first document response; later ones are iframes.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}
