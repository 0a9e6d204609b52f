package scraper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
)

// Sink persists one page of records. Implementations must be durable once
// AppendBatch returns nil.
type Sink interface {
	AppendBatch(records []models.ListingRecord) error
}

// Stop reasons reported in ScraperResult.StopReason.
const (
	StopNoRecords    = "partition produced no new listings"
	StopNoPrice      = "partition produced no usable price"
	StopNoAdvance    = "price bound did not advance"
	StopFilterFailed = "price filter could not be applied"
	StopInterrupted  = "interrupted"
)

// Driver partitions the catalog by minimum price and scans each partition
// page by page until a partition yields nothing new.
type Driver struct {
	cfg        *config.Config
	automation Automation
	extractor  parser.Extractor
	pool       *FetchPool
	sink       Sink
	metrics    *Metrics
	startBound int64
	sleep      func(context.Context, time.Duration) error
}

// NewDriver wires the partition loop. The automation session is owned by
// the driver for the whole run.
func NewDriver(cfg *config.Config, automation Automation, extractor parser.Extractor, fetcher Fetcher, sink Sink, metrics *Metrics) *Driver {
	return &Driver{
		cfg:        cfg,
		automation: automation,
		extractor:  extractor,
		pool:       NewFetchPool(fetcher, cfg.MaxWorkers, metrics),
		sink:       sink,
		metrics:    metrics,
		startBound: cfg.MinPrice,
		sleep:      sleepContext,
	}
}

// StartAt overrides the first partition's lower bound, e.g. when resuming.
func (d *Driver) StartAt(bound int64) {
	if bound > d.startBound {
		d.startBound = bound
	}
}

// Run scans partitions until termination. It fails only when the first
// filter cannot be applied or a checkpoint cannot be written.
func (d *Driver) Run(ctx context.Context) (*models.ScraperResult, error) {
	result := &models.ScraperResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}
	defer func() {
		result.EndTime = time.Now()
		result.RequestCount = d.metrics.TotalRequests()
		result.RetryCount = d.metrics.TotalRetries()
	}()

	bound := d.startBound
	for index := 1; ; index++ {
		result.FinalBound = bound
		if ctx.Err() != nil {
			result.StopReason = StopInterrupted
			return result, nil
		}

		state := models.NewPartitionState(index, bound)
		result.PartitionCount++
		d.metrics.StartPartition(bound)
		slog.Info("starting partition",
			slog.Int("partition", index),
			slog.Int64("min_price", bound),
		)

		if err := d.automation.ApplyFilter(ctx, bound); err != nil {
			aerr := &AutomationError{Op: "apply filter", Err: err}
			result.ErrorsByType[errorTypeLabel(aerr)]++
			d.metrics.IncError(errorTypeLabel(aerr))
			if index == 1 {
				return result, aerr
			}
			slog.Error("price filter failed, stopping run",
				slog.Int("partition", index),
				slog.Int64("min_price", bound),
				slog.Any("error", err),
			)
			result.StopReason = StopFilterFailed
			return result, nil
		}

		if err := d.paginate(ctx, state, result); err != nil {
			return result, err
		}
		if ctx.Err() != nil {
			result.StopReason = StopInterrupted
			return result, nil
		}

		next, reason := closePartition(state)
		slog.Info("partition closed",
			slog.Int("partition", index),
			slog.Int64("min_price", bound),
			slog.Int("records", state.RecordsThisPartition),
			slog.Int("pages", state.CurrentPage),
			slog.Int64("max_price", state.MaxPriceSeen),
		)
		if reason != "" {
			slog.Info("crawl finished", slog.String("reason", reason))
			result.StopReason = reason
			return result, nil
		}

		slog.Info("advancing price bound", slog.Int64("min_price", next))
		bound = next
		if err := d.pause(ctx); err != nil {
			result.FinalBound = bound
			result.StopReason = StopInterrupted
			return result, nil
		}
	}
}

func (d *Driver) paginate(ctx context.Context, state *models.PartitionState, result *models.ScraperResult) error {
	en := NewEnumerator(d.automation, d.extractor, d.cfg.MaxPages)
	for en.Next(ctx) {
		page := en.Page()
		slog.Info("processing search page",
			slog.Int("partition", state.Index),
			slog.Int("page", page.Number),
			slog.Int("listings", len(page.URLs)),
		)

		pageCtx, cancel := d.pageContext(ctx)
		records, stats, runErr := d.pool.RunPage(pageCtx, page.Number, page.URLs)
		cancel()

		if len(records) > 0 {
			if err := d.sink.AppendBatch(records); err != nil {
				sinkErr := &SinkWriteError{Err: err}
				result.ErrorsByType[errorTypeLabel(sinkErr)]++
				return sinkErr
			}
		}

		state.Observe(page.Number, records)
		d.metrics.IncPages()
		result.PageCount++
		result.TotalCount += len(records)
		result.SkippedCount += stats.Skipped
		result.ErrorCount += stats.Failed
		result.FailedURLs = append(result.FailedURLs, stats.FailedURLs...)
		for label, n := range stats.ErrorTypes {
			result.ErrorsByType[label] += n
		}

		slog.Info("page checkpointed",
			slog.Int("partition", state.Index),
			slog.Int("page", page.Number),
			slog.Int("records", len(records)),
			slog.Int("skipped", stats.Skipped),
			slog.Int("failed", stats.Failed),
		)

		if runErr != nil {
			if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
				result.ErrorsByType["page_timeout"]++
				slog.Warn("page timed out, closing partition early",
					slog.Int("partition", state.Index),
					slog.Int("page", page.Number),
					slog.Int("cancelled", stats.Cancelled),
				)
			}
			return nil
		}

		if err := d.pause(ctx); err != nil {
			return nil
		}
	}

	if err := en.Err(); err != nil && ctx.Err() == nil {
		result.ErrorsByType[errorTypeLabel(err)]++
		d.metrics.IncError(errorTypeLabel(err))
	}
	return nil
}

func (d *Driver) pageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.PageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.PageTimeout)
}

func (d *Driver) pause(ctx context.Context) error {
	delay := d.cfg.DelayMin
	if spread := d.cfg.DelayMax - d.cfg.DelayMin; spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread)))
	}
	return d.sleep(ctx, delay)
}

// closePartition returns the next lower bound, or a non-empty stop reason.
func closePartition(state *models.PartitionState) (int64, string) {
	if state.RecordsThisPartition == 0 {
		return 0, StopNoRecords
	}
	next, ok := state.NextBound()
	if !ok {
		return 0, StopNoPrice
	}
	if next <= state.LowerBoundPrice {
		return 0, StopNoAdvance
	}
	return next, ""
}
