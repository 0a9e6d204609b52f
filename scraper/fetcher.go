package scraper

import (
	"context"
	"log/slog"

	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
)

// Outcome is the result kind of one detail fetch.
type Outcome int

const (
	Fetched Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Fetched:
		return "fetched"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchResult carries a record on Fetched and the cause on Failed.
type FetchResult struct {
	URL     string
	Outcome Outcome
	Record  *models.ListingRecord
	Err     error
}

// Fetcher fetches and parses one listing.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// DetailFetcher claims a listing URL, downloads it and parses it into a
// record. It never writes to the sink.
type DetailFetcher struct {
	ledger    *Ledger
	transport Transport
	extractor parser.Extractor
	metrics   *Metrics
}

// NewDetailFetcher wires a fetcher to the run's ledger.
func NewDetailFetcher(ledger *Ledger, transport Transport, extractor parser.Extractor, metrics *Metrics) *DetailFetcher {
	return &DetailFetcher{
		ledger:    ledger,
		transport: transport,
		extractor: extractor,
		metrics:   metrics,
	}
}

// Fetch implements Fetcher.
func (f *DetailFetcher) Fetch(ctx context.Context, url string) FetchResult {
	if !f.ledger.TryClaim(url) {
		slog.Debug("listing already claimed", slog.String("url", url))
		f.metrics.IncSkipped()
		return FetchResult{URL: url, Outcome: Skipped}
	}

	resp, err := f.transport.Get(ctx, url)
	if err != nil {
		return FetchResult{URL: url, Outcome: Failed, Err: err}
	}

	record := models.NewListingRecord(url)

	fields, err := f.extractor.ExtractDetailFields(resp.Body)
	if err != nil {
		// Unreadable markup still yields a record keyed by its URL.
		slog.Warn("detail page could not be parsed",
			slog.String("url", url),
			slog.Any("error", err),
		)
	}
	for name, value := range fields {
		record.Set(name, value)
	}
	if _, ok := record.ID(); !ok {
		if id, ok := parser.ListingIDFromURL(url); ok {
			record.Set(models.FieldID, id)
		}
	}

	f.metrics.IncListings()
	return FetchResult{URL: url, Outcome: Fetched, Record: record}
}
