package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-listings/models"
)

type funcFetcher func(ctx context.Context, url string) FetchResult

func (f funcFetcher) Fetch(ctx context.Context, url string) FetchResult {
	return f(ctx, url)
}

func fetchedResult(url string) FetchResult {
	return FetchResult{URL: url, Outcome: Fetched, Record: models.NewListingRecord(url)}
}

func testURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = listingURL(fmt.Sprintf("%d", i))
	}
	return urls
}

func TestFetchPoolRespectsWidth(t *testing.T) {
	const width = 3

	var inFlight, peak atomic.Int32
	fetcher := funcFetcher(func(ctx context.Context, url string) FetchResult {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return fetchedResult(url)
	})

	pool := NewFetchPool(fetcher, width, NewMetrics())
	records, stats, err := pool.RunPage(context.Background(), 1, testURLs(20))
	if err != nil {
		t.Fatalf("run page: %v", err)
	}
	if len(records) != 20 || stats.Fetched != 20 {
		t.Fatalf("records=%d fetched=%d, want 20", len(records), stats.Fetched)
	}
	if got := peak.Load(); got > width {
		t.Fatalf("peak concurrency=%d exceeds width %d", got, width)
	}
}

func TestFetchPoolDropsFailures(t *testing.T) {
	fetcher := funcFetcher(func(ctx context.Context, url string) FetchResult {
		switch {
		case strings.HasSuffix(url, "/3"), strings.HasSuffix(url, "/7"):
			return FetchResult{URL: url, Outcome: Failed, Err: &FetchError{URL: url, Attempts: 4, Err: ErrServerError{Err: errors.New("http status 503")}}}
		case strings.HasSuffix(url, "/5"):
			return FetchResult{URL: url, Outcome: Skipped}
		default:
			return fetchedResult(url)
		}
	})

	pool := NewFetchPool(fetcher, 4, NewMetrics())
	records, stats, err := pool.RunPage(context.Background(), 2, testURLs(10))
	if err != nil {
		t.Fatalf("run page: %v", err)
	}
	if len(records) != 7 {
		t.Fatalf("records=%d, want 7", len(records))
	}
	if stats.Failed != 2 || stats.Skipped != 1 || stats.Fetched != 7 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats.ErrorTypes["server_error"] != 2 {
		t.Fatalf("error types=%v", stats.ErrorTypes)
	}
	if len(stats.FailedURLs) != 2 {
		t.Fatalf("failed urls=%v", stats.FailedURLs)
	}
}

func TestFetchPoolEmptyPage(t *testing.T) {
	pool := NewFetchPool(funcFetcher(func(ctx context.Context, url string) FetchResult {
		t.Fatalf("fetch should not be called")
		return FetchResult{}
	}), 4, nil)

	records, stats, err := pool.RunPage(context.Background(), 1, nil)
	if err != nil || len(records) != 0 || stats.Submitted != 0 {
		t.Fatalf("records=%d stats=%+v err=%v", len(records), stats, err)
	}
}

func TestFetchPoolDeadlineReturnsPartialPage(t *testing.T) {
	fetcher := funcFetcher(func(ctx context.Context, url string) FetchResult {
		if strings.HasSuffix(url, "/0") || strings.HasSuffix(url, "/1") {
			return fetchedResult(url)
		}
		<-ctx.Done()
		return FetchResult{URL: url, Outcome: Failed, Err: &FetchError{URL: url, Err: ctx.Err()}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	pool := NewFetchPool(fetcher, 2, NewMetrics())
	records, stats, err := pool.RunPage(ctx, 1, testURLs(6))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if stats.Failed != 0 {
		t.Fatalf("cancelled fetches counted as failures: %+v", stats)
	}
	if stats.Cancelled != 4 {
		t.Fatalf("cancelled=%d, want 4", stats.Cancelled)
	}
}

func TestFetchPoolDeadlineAfterLastFetchKeepsPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	urls := testURLs(5)
	var calls atomic.Int32
	fetcher := funcFetcher(func(_ context.Context, url string) FetchResult {
		if int(calls.Add(1)) == len(urls) {
			cancel()
		}
		return fetchedResult(url)
	})

	pool := NewFetchPool(fetcher, 1, NewMetrics())
	records, stats, err := pool.RunPage(ctx, 1, urls)
	if err != nil {
		t.Fatalf("completed page reported err=%v", err)
	}
	if len(records) != 5 || stats.Cancelled != 0 {
		t.Fatalf("records=%d stats=%+v", len(records), stats)
	}
}
