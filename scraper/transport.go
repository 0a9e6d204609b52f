package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-listings/config"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	URL        string
}

// Transport issues GET requests with its own retry policy. A returned
// error is terminal: the retry budget is already spent.
type Transport interface {
	Get(ctx context.Context, url string) (*Response, error)
}

type attemptOutcome int

const (
	attemptSuccess attemptOutcome = iota
	attemptRetryable
	attemptTerminal
)

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// HTTPTransport is the retry-wrapped client used by detail fetch workers.
type HTTPTransport struct {
	client     *http.Client
	cfg        *config.Config
	limiter    *rate.Limiter
	metrics    *Metrics
	sleep      func(context.Context, time.Duration) error
	maxBodyLen int64
}

// NewHTTPTransport builds a transport configured from cfg.
func NewHTTPTransport(cfg *config.Config, metrics *Metrics) *HTTPTransport {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.MaxWorkers,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &HTTPTransport{
		client:     &http.Client{Transport: base},
		cfg:        cfg,
		limiter:    limiter,
		metrics:    metrics,
		sleep:      sleepContext,
		maxBodyLen: 10 << 20,
	}
}

// WithRoundTripper swaps the underlying round tripper.
func (t *HTTPTransport) WithRoundTripper(rt http.RoundTripper) {
	t.client.Transport = rt
}

// Get fetches url, retrying transient failures with exponential backoff
// and jitter until MaxRetries is exhausted.
func (t *HTTPTransport) Get(ctx context.Context, url string) (*Response, error) {
	maxAttempts := t.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{URL: url, Attempts: attempt - 1, Err: err}
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, &FetchError{URL: url, Attempts: attempt - 1, Err: err}
			}
		}

		resp, outcome, err := t.do(ctx, url)
		switch outcome {
		case attemptSuccess:
			return resp, nil
		case attemptTerminal:
			t.metrics.IncError(errorTypeLabel(err))
			return nil, &FetchError{URL: url, Attempts: attempt, Err: err}
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := t.backoff(attempt)
		slog.Debug("transient fetch failure, retrying",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		t.metrics.IncRetries()
		if err := t.sleep(ctx, delay); err != nil {
			return nil, &FetchError{URL: url, Attempts: attempt, Err: err}
		}
	}

	t.metrics.IncError(errorTypeLabel(lastErr))
	return nil, &FetchError{URL: url, Attempts: maxAttempts, Err: lastErr}
}

func (t *HTTPTransport) do(ctx context.Context, url string) (*Response, attemptOutcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, attemptTerminal, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Connection", "keep-alive")

	start := time.Now()
	t.metrics.IncRequest("started")
	resp, err := t.client.Do(req)
	t.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, attemptTerminal, ctx.Err()
		}
		return nil, attemptRetryable, classifyError(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		classified := classifyError(nil, resp.StatusCode)
		if retryableStatus[resp.StatusCode] {
			return nil, attemptRetryable, classified
		}
		return nil, attemptTerminal, classified
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, t.maxBodyLen), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, attemptTerminal, fmt.Errorf("decode charset: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, attemptTerminal, ctx.Err()
		}
		return nil, attemptRetryable, classifyError(fmt.Errorf("read body: %w", err), 0)
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	t.metrics.IncRequest("completed")
	return &Response{StatusCode: resp.StatusCode, Body: body, URL: finalURL}, attemptSuccess, nil
}

func (t *HTTPTransport) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := t.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := t.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int64N(half))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
