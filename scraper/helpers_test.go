package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-listings/models"
)

const testHost = "http://www.example.test"

type fakeListing struct {
	ID    string
	Price int64
}

func listingURL(id string) string {
	return testHost + "/ilan/" + id
}

func searchPageHTML(urls []string) []byte {
	var b strings.Builder
	b.WriteString(`<html><body><div class="listing-list">`)
	for _, u := range urls {
		fmt.Fprintf(&b, `<div class="listing-list-item"><a href="%s">listing</a></div>`, strings.TrimPrefix(u, testHost))
	}
	b.WriteString(`</div></body></html>`)
	return []byte(b.String())
}

func detailHTML(l fakeListing) []byte {
	return []byte(fmt.Sprintf(`<html><body>
<div class="product-properties-details linear-gradient">
  <div class="property-item"><div class="property-key">İlan No</div><div class="property-value">%s</div></div>
  <div class="property-item"><div class="property-key">Marka</div><div class="property-value">Renault</div></div>
</div>
<div class="classified-detail-price">%d TL</div>
<div class="tab-content-wrapper tab-description">Temiz araç</div>
</body></html>`, l.ID, l.Price))
}

// fakeSite serves a price-sorted catalog for a fakeAutomation and a
// fakeTransport. Pages are computed from the active lower bound.
type fakeSite struct {
	mu       sync.Mutex
	listings []fakeListing
	pageSize int
	pages    map[int][]string

	filterErr  map[int]error
	loadErr    map[int]error
	detailErr  map[string]error
	filters    []int64
	pageLoads  []int
	detailHits map[string]int
}

func newFakeSite(pageSize int, listings ...fakeListing) *fakeSite {
	return &fakeSite{
		listings:   listings,
		pageSize:   pageSize,
		filterErr:  make(map[int]error),
		loadErr:    make(map[int]error),
		detailErr:  make(map[string]error),
		detailHits: make(map[string]int),
	}
}

func pricedListings(n int, start, step int64) []fakeListing {
	out := make([]fakeListing, n)
	for i := range out {
		out[i] = fakeListing{ID: fmt.Sprintf("%d", 1000+i), Price: start + int64(i)*step}
	}
	return out
}

func (s *fakeSite) bound() int64 {
	if len(s.filters) == 0 {
		return 0
	}
	return s.filters[len(s.filters)-1]
}

func (s *fakeSite) pageURLs(n int) []string {
	if urls, ok := s.pages[n]; ok {
		return urls
	}
	var matching []string
	for _, l := range s.listings {
		if l.Price >= s.bound() {
			matching = append(matching, listingURL(l.ID))
		}
	}
	lo := (n - 1) * s.pageSize
	if lo >= len(matching) {
		return nil
	}
	hi := lo + s.pageSize
	if hi > len(matching) {
		hi = len(matching)
	}
	return matching[lo:hi]
}

func (s *fakeSite) appliedFilters() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.filters...)
}

type fakeAutomation struct {
	site   *fakeSite
	closed bool
}

func (a *fakeAutomation) ApplyFilter(ctx context.Context, minPrice int64) error {
	s := a.site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, minPrice)
	return s.filterErr[len(s.filters)]
}

func (a *fakeAutomation) LoadSearchPage(ctx context.Context, n int) ([]byte, error) {
	s := a.site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageLoads = append(s.pageLoads, n)
	if err := s.loadErr[n]; err != nil {
		return nil, err
	}
	return searchPageHTML(s.pageURLs(n)), nil
}

func (a *fakeAutomation) CurrentURL() string {
	a.site.mu.Lock()
	defer a.site.mu.Unlock()
	return testHost + fmt.Sprintf("/ikinci-el/otomobil?minPrice=%d", a.site.bound())
}

func (a *fakeAutomation) Close() error {
	a.closed = true
	return nil
}

type fakeTransport struct {
	site *fakeSite
}

func (t *fakeTransport) Get(ctx context.Context, raw string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{URL: raw, Err: err}
	}
	s := t.site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailHits[raw]++

	if err := s.detailErr[raw]; err != nil {
		return nil, &FetchError{URL: raw, Attempts: 4, Err: err}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	id := path.Base(u.Path)
	for _, l := range s.listings {
		if l.ID == id {
			return &Response{StatusCode: 200, Body: detailHTML(l), URL: raw}, nil
		}
	}
	return nil, &FetchError{URL: raw, Attempts: 1, Err: ErrNotFound{Err: errors.New("http status 404")}}
}

type collectingSink struct {
	mu      sync.Mutex
	batches [][]models.ListingRecord
	err     error
}

func (cs *collectingSink) AppendBatch(records []models.ListingRecord) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.err != nil {
		return cs.err
	}
	batch := make([]models.ListingRecord, len(records))
	copy(batch, records)
	cs.batches = append(cs.batches, batch)
	return nil
}

func (cs *collectingSink) records() []models.ListingRecord {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []models.ListingRecord
	for _, b := range cs.batches {
		out = append(out, b...)
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }
