package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/scraper"
)

// HTTPCatalog applies the price filter as a query parameter and loads
// search pages with a synchronous colly collector.
type HTTPCatalog struct {
	cfg       *config.Config
	collector *colly.Collector
	metrics   *scraper.Metrics

	mu    sync.Mutex
	query string
	first []byte
}

// NewHTTPCatalog builds the collector from cfg.
func NewHTTPCatalog(cfg *config.Config, metrics *scraper.Metrics) (*HTTPCatalog, error) {
	parsed, err := url.Parse(cfg.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("search url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	hc := &HTTPCatalog{
		cfg:       cfg,
		collector: collector,
		metrics:   metrics,
	}
	hc.configureHandlers()
	return hc, nil
}

// WithTransport swaps the collector's round tripper.
func (hc *HTTPCatalog) WithTransport(rt http.RoundTripper) {
	hc.collector.WithTransport(rt)
}

func (hc *HTTPCatalog) configureHandlers() {
	hc.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		hc.metrics.IncRequest("started")
	})

	hc.collector.OnResponse(func(r *colly.Response) {
		if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
			hc.metrics.ObserveDuration(time.Since(start))
		}
		hc.metrics.IncRequest("completed")
		r.Ctx.Put("body", r.Body)
	})

	hc.collector.OnError(func(r *colly.Response, err error) {
		target := ""
		status := 0
		if r != nil {
			status = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				target = r.Request.URL.String()
			}
		}
		slog.Error("search request error",
			slog.String("url", target),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	})
}

// ApplyFilter points the active query at listings priced from minPrice
// upwards and confirms the filtered query loads.
func (hc *HTTPCatalog) ApplyFilter(ctx context.Context, minPrice int64) error {
	query, err := filterURL(hc.cfg.SearchURL, minPrice)
	if err != nil {
		return err
	}
	first, err := pageURL(query, 1)
	if err != nil {
		return err
	}

	body, err := hc.load(ctx, first)
	if err != nil {
		return fmt.Errorf("load filtered query: %w", err)
	}

	hc.mu.Lock()
	hc.query = query
	hc.first = body
	hc.mu.Unlock()

	slog.Debug("price filter applied",
		slog.Int64("min_price", minPrice),
		slog.String("query", query),
	)
	return nil
}

// LoadSearchPage returns the markup of page n of the active query.
func (hc *HTTPCatalog) LoadSearchPage(ctx context.Context, n int) ([]byte, error) {
	hc.mu.Lock()
	query := hc.query
	cached := hc.first
	if n == 1 {
		hc.first = nil
	}
	hc.mu.Unlock()

	if query == "" {
		return nil, fmt.Errorf("no filter applied")
	}
	if n == 1 && cached != nil {
		return cached, nil
	}

	target, err := pageURL(query, n)
	if err != nil {
		return nil, err
	}
	return hc.load(ctx, target)
}

// CurrentURL returns the filtered query without a page parameter.
func (hc *HTTPCatalog) CurrentURL() string {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.query == "" {
		return hc.cfg.SearchURL
	}
	return hc.query
}

// Close is a no-op; the collector keeps no session state.
func (hc *HTTPCatalog) Close() error {
	return nil
}

func (hc *HTTPCatalog) load(ctx context.Context, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The collector has no per-request context, so an abandoned request
	// finishes in the background within cfg.Timeout.
	reqCtx := colly.NewContext()
	done := make(chan error, 1)
	go func() {
		done <- hc.collector.Request(http.MethodGet, target, nil, reqCtx, nil)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", target, err)
		}
	}

	body, ok := reqCtx.GetAny("body").([]byte)
	if !ok {
		return nil, fmt.Errorf("get %s: no response body", target)
	}
	return body, nil
}
