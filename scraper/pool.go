package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-scrape-listings/models"
)

// PageStats summarises one RunPage call.
type PageStats struct {
	Submitted  int
	Fetched    int
	Skipped    int
	Failed     int
	Cancelled  int
	FailedURLs []string
	ErrorTypes map[string]int
}

// FetchPool runs detail fetches for one page with bounded width.
type FetchPool struct {
	fetcher    Fetcher
	maxWorkers int
	metrics    *Metrics
}

// NewFetchPool returns a pool that never runs more than maxWorkers
// fetches at once.
func NewFetchPool(fetcher Fetcher, maxWorkers int, metrics *Metrics) *FetchPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &FetchPool{fetcher: fetcher, maxWorkers: maxWorkers, metrics: metrics}
}

// RunPage fetches urls and returns the parsed records in completion order.
// Failed fetches are logged and dropped. The returned error is non-nil only
// when ctx ended while fetches were still pending; records gathered so far
// are still returned.
func (p *FetchPool) RunPage(ctx context.Context, page int, urls []string) ([]models.ListingRecord, PageStats, error) {
	stats := PageStats{Submitted: len(urls), ErrorTypes: make(map[string]int)}
	if len(urls) == 0 {
		return nil, stats, nil
	}

	results := make(chan FetchResult, len(urls))
	var g errgroup.Group
	g.SetLimit(p.maxWorkers)

	var started atomic.Int64
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started.Add(1)
			p.metrics.TrackFetch(1)
			defer p.metrics.TrackFetch(-1)
			results <- p.fetcher.Fetch(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	records := make([]models.ListingRecord, 0, len(urls))
	for res := range results {
		switch res.Outcome {
		case Fetched:
			stats.Fetched++
			records = append(records, *res.Record)
		case Skipped:
			stats.Skipped++
		case Failed:
			if ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
				stats.Cancelled++
				continue
			}
			stats.Failed++
			stats.FailedURLs = append(stats.FailedURLs, res.URL)
			stats.ErrorTypes[errorTypeLabel(res.Err)]++
			slog.Warn("dropping listing after failed fetch",
				slog.Int("page", page),
				slog.String("url", res.URL),
				slog.Any("error", res.Err),
			)
		}
	}
	stats.Cancelled += len(urls) - int(started.Load())

	if stats.Cancelled > 0 {
		return records, stats, ctx.Err()
	}
	return records, stats, nil
}
