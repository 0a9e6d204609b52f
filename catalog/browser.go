package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/aluiziolira/go-scrape-listings/config"
)

// Selectors of the search page's filter form.
const (
	cookieButtonText  = "Kabul Et"
	facetButton       = ".facet-button.closed"
	minPriceInput     = "input[placeholder='Min TL'][maxlength='9']"
	searchButton      = "button.btn.btn-search"
	listingItem       = ".listing-list-item"
	cookieWaitTimeout = 5 * time.Second
)

// BrowserCatalog applies the price filter through the search page's own
// form in a headless Chrome session. The page is owned by one goroutine.
type BrowserCatalog struct {
	cfg      *config.Config
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu    sync.Mutex
	query string
}

// NewBrowserCatalog launches Chrome and opens the search page.
func NewBrowserCatalog(cfg *config.Config) (*BrowserCatalog, error) {
	l := launcher.New().Headless(true)
	if cfg.ChromePath != "" {
		l = l.Bin(cfg.ChromePath)
	}
	l = l.
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("blink-settings", "imagesEnabled=false")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
		browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("set user agent: %w", err)
	}

	return &BrowserCatalog{
		cfg:      cfg,
		launcher: l,
		browser:  browser,
		page:     page,
	}, nil
}

// ApplyFilter opens the search page, types minPrice into the filter form
// and submits it. The resulting URL becomes the active query.
func (bc *BrowserCatalog) ApplyFilter(ctx context.Context, minPrice int64) error {
	page, done := bc.scoped(ctx)
	defer done()

	if err := page.Navigate(bc.cfg.SearchURL); err != nil {
		return fmt.Errorf("navigate to search page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for search page: %w", err)
	}

	bc.dismissCookies(page)

	if facet, err := page.Timeout(cookieWaitTimeout).Element(facetButton); err == nil {
		if err := facet.Click(proto.InputMouseButtonLeft, 1); err != nil {
			slog.Debug("facet button click failed", slog.Any("error", err))
		}
	}

	input, err := page.Element(minPriceInput)
	if err != nil {
		return fmt.Errorf("find min price input: %w", err)
	}
	if err := input.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll to min price input: %w", err)
	}
	if err := input.SelectAllText(); err != nil {
		return fmt.Errorf("clear min price input: %w", err)
	}
	if err := input.Input(strconv.FormatInt(minPrice, 10)); err != nil {
		return fmt.Errorf("type min price: %w", err)
	}

	button, err := page.Element(searchButton)
	if err != nil {
		return fmt.Errorf("find search button: %w", err)
	}
	waitNav := page.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("submit filter: %w", err)
	}
	waitNav()
	if _, err := page.Element(listingItem); err != nil {
		return fmt.Errorf("wait for filtered listings: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return fmt.Errorf("read filtered url: %w", err)
	}

	bc.mu.Lock()
	bc.query = info.URL
	bc.mu.Unlock()

	slog.Debug("price filter applied in browser",
		slog.Int64("min_price", minPrice),
		slog.String("query", info.URL),
	)
	return nil
}

// scoped binds the shared page to ctx and the configured page timeout.
func (bc *BrowserCatalog) scoped(ctx context.Context) (*rod.Page, func()) {
	if bc.cfg.PageTimeout <= 0 {
		return bc.page.Context(ctx), func() {}
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, bc.cfg.PageTimeout)
	return bc.page.Context(timeoutCtx), cancel
}

func (bc *BrowserCatalog) dismissCookies(page *rod.Page) {
	button, err := page.Timeout(cookieWaitTimeout).ElementR("button", cookieButtonText)
	if err != nil {
		slog.Debug("no cookie banner")
		return
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		slog.Debug("cookie banner click failed", slog.Any("error", err))
	}
}

// LoadSearchPage navigates to page n of the active query and returns its HTML.
func (bc *BrowserCatalog) LoadSearchPage(ctx context.Context, n int) ([]byte, error) {
	bc.mu.Lock()
	query := bc.query
	bc.mu.Unlock()
	if query == "" {
		return nil, errors.New("no filter applied")
	}

	target, err := pageURL(query, n)
	if err != nil {
		return nil, err
	}

	page, done := bc.scoped(ctx)
	defer done()

	if err := page.Navigate(target); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", target, err)
	}
	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return []byte(html), nil
}

// CurrentURL returns the URL the filter form produced.
func (bc *BrowserCatalog) CurrentURL() string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.query == "" {
		return bc.cfg.SearchURL
	}
	return bc.query
}

// Close shuts the browser down and removes its profile.
func (bc *BrowserCatalog) Close() error {
	err := bc.browser.Close()
	bc.launcher.Cleanup()
	return err
}
