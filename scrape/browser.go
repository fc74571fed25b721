package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless-browser fetcher.
type BrowserConfig struct {
	// Timeout bounds navigation + render per page. Default: 30s.
	Timeout time.Duration
	// ControlURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome.
	ControlURL string
	// IdleWait is the quiet period for the network-idle wait. Many targets
	// render via client-side frameworks; returning at document load would
	// yield an empty shell. Default: 500ms.
	IdleWait time.Duration
	Logger   *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// closeSelectors is a best-effort sweep of common modal/consent close
// buttons, applied after the Escape keypress.
var closeSelectors = []string{
	`[aria-label="Close"]`,
	`[aria-label="close"]`,
	`.modal-close`,
	`.popup-close`,
	`.close-button`,
	`button.close`,
	`[data-dismiss="modal"]`,
	`#onetrust-accept-btn-handler`,
	`.cookie-accept`,
}

// BrowserFetcher drives headless Chrome through Rod. One shared browser
// process serves all pages; each Fetch opens its own stealth tab, so the
// fetcher is safe for concurrent use.
type BrowserFetcher struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowserFetcher creates the fetcher. Call Start before the first Fetch.
func NewBrowserFetcher(cfg BrowserConfig) *BrowserFetcher {
	cfg.defaults()
	return &BrowserFetcher{cfg: cfg}
}

// Start launches (or connects to) Chrome.
func (b *BrowserFetcher) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wsURL := b.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("scrape: launch chrome: %w", err)
		}
		b.lnch = l
		wsURL = u
		b.cfg.Logger.Info("scrape: launched local chrome", "url", wsURL)
	} else {
		b.cfg.Logger.Info("scrape: connecting to remote chrome", "url", wsURL)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("scrape: connect chrome: %w", err)
	}
	if err := browser.IgnoreCertErrors(true); err != nil {
		b.cfg.Logger.Warn("scrape: ignore cert errors failed", "error", err)
	}
	b.browser = browser
	return nil
}

// Close shuts down Chrome.
func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}

// Fetch renders pageURL in a fresh stealth tab and returns the final DOM.
// Fails on timeout or HTTP status >= 400.
func (b *BrowserFetcher) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("scrape: browser fetcher not started")
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("scrape: open tab: %w", err)
	}
	defer page.Close()
	page = page.Context(navCtx)

	err = (proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}).Call(page)
	if err != nil {
		return nil, fmt.Errorf("scrape: set viewport: %w", err)
	}

	// Capture the document response for its status code.
	var navResp proto.NetworkResponseReceived
	waitResp := page.WaitEvent(&navResp)

	if err := page.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("scrape: navigate %s: %w", pageURL, err)
	}
	waitResp()

	status := 0
	if navResp.Response != nil {
		status = navResp.Response.Status
	}
	if status >= 400 {
		return nil, fmt.Errorf("%w: %d for %s", ErrHTTPStatus, status, pageURL)
	}

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("scrape: wait load %s: %w", pageURL, err)
	}
	// Network idle: wait until no requests for IdleWait.
	page.WaitRequestIdle(b.cfg.IdleWait, nil, nil, nil)()

	b.dismissOverlays(page)

	res, err := page.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("scrape: read DOM %s: %w", pageURL, err)
	}

	finalURL := pageURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	return &FetchResult{
		HTML:        []byte(res.Value.Str()),
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: "text/html",
	}, nil
}

// dismissOverlays sends Escape and clicks common close buttons. Best-effort:
// every step may fail without affecting the fetch.
func (b *BrowserFetcher) dismissOverlays(page *rod.Page) {
	if err := page.Keyboard.Press(input.Escape); err != nil {
		b.cfg.Logger.Debug("scrape: escape keypress failed", "error", err)
	}
	for _, sel := range closeSelectors {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if visible, err := el.Visible(); err != nil || !visible {
				continue
			}
			_ = el.Click(proto.InputMouseButtonLeft, 1)
		}
	}
}
