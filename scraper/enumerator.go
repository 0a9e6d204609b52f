package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/aluiziolira/go-scrape-listings/parser"
)

// Automation is the single-owner session that drives the catalog search.
type Automation interface {
	// ApplyFilter restricts the active query to listings priced at or
	// above minPrice.
	ApplyFilter(ctx context.Context, minPrice int64) error
	// LoadSearchPage returns the markup of result page n of the active query.
	LoadSearchPage(ctx context.Context, n int) ([]byte, error)
	// CurrentURL is the base URL of the active query.
	CurrentURL() string
	Close() error
}

// Page is one enumerated search result page.
type Page struct {
	Number int
	URLs   []string
}

// Enumerator walks the result pages of the active query in order. Use it
// like bufio.Scanner; it cannot be restarted.
type Enumerator struct {
	automation Automation
	extractor  parser.Extractor
	maxPages   int

	next      int
	page      Page
	done      bool
	exhausted bool
	err       error
}

// NewEnumerator returns an enumerator starting at page 1.
func NewEnumerator(automation Automation, extractor parser.Extractor, maxPages int) *Enumerator {
	return &Enumerator{
		automation: automation,
		extractor:  extractor,
		maxPages:   maxPages,
		next:       1,
	}
}

// Next loads the following page. It returns false once a page has no
// listings, the page cap is reached, or loading fails.
func (e *Enumerator) Next(ctx context.Context) bool {
	if e.done {
		return false
	}
	if e.maxPages > 0 && e.next > e.maxPages {
		slog.Info("page cap reached", slog.Int("max_pages", e.maxPages))
		e.done = true
		return false
	}
	if err := ctx.Err(); err != nil {
		e.fail(err)
		return false
	}

	n := e.next
	body, err := e.automation.LoadSearchPage(ctx, n)
	if err != nil {
		e.fail(&AutomationError{Op: "load search page", Page: n, Err: err})
		slog.Error("search page failed, closing partition",
			slog.Int("page", n),
			slog.Any("error", err),
		)
		return false
	}

	base, err := url.Parse(e.automation.CurrentURL())
	if err != nil {
		e.fail(&AutomationError{Op: "parse query url", Page: n, Err: err})
		return false
	}
	urls, err := e.extractor.ExtractListingURLs(body, base)
	if err != nil {
		e.fail(fmt.Errorf("page %d: %w", n, err))
		slog.Error("search page unreadable, closing partition",
			slog.Int("page", n),
			slog.Any("error", err),
		)
		return false
	}
	if len(urls) == 0 {
		slog.Info("no listings on page, partition exhausted", slog.Int("page", n))
		e.done = true
		e.exhausted = true
		return false
	}

	e.page = Page{Number: n, URLs: urls}
	e.next++
	return true
}

// Page returns the page loaded by the last successful Next.
func (e *Enumerator) Page() Page {
	return e.page
}

// Err returns the failure that stopped enumeration, if any. Running out of
// listings is not an error.
func (e *Enumerator) Err() error {
	return e.err
}

// Exhausted reports whether enumeration ended on an empty page.
func (e *Enumerator) Exhausted() bool {
	return e.exhausted
}

func (e *Enumerator) fail(err error) {
	e.done = true
	e.err = err
}
