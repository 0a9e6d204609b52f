// Package models defines data structures for the scraper.
package models

import (
	"strconv"
	"strings"
	"time"
)

// Field names as they appear in the catalog's property table.
const (
	FieldID          = "İlan No"
	FieldPrice       = "Fiyat"
	FieldDate        = "İlan Tarihi"
	FieldBrand       = "Marka"
	FieldSeries      = "Seri"
	FieldModel       = "Model"
	FieldYear        = "Yıl"
	FieldMileage     = "Kilometre"
	FieldDescription = "Açıklama"
)

// PreferredColumns is the fixed leading column order of the checkpoint sink.
var PreferredColumns = []string{
	FieldID,
	FieldPrice,
	FieldDate,
	FieldBrand,
	FieldSeries,
	FieldModel,
	FieldYear,
	FieldMileage,
	FieldDescription,
}

// IsPreferred reports whether name is one of PreferredColumns.
func IsPreferred(name string) bool {
	for _, col := range PreferredColumns {
		if col == name {
			return true
		}
	}
	return false
}

// ListingRecord is one parsed vehicle listing. A field missing from Fields
// is unknown; empty strings are never stored.
type ListingRecord struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	ScrapedAt time.Time         `json:"scraped_at"`
}

// NewListingRecord returns an empty record for url.
func NewListingRecord(url string) *ListingRecord {
	return &ListingRecord{
		URL:       url,
		Fields:    make(map[string]string),
		ScrapedAt: time.Now(),
	}
}

// Get returns the value of name and whether it is present.
func (r *ListingRecord) Get(name string) (string, bool) {
	if r == nil || r.Fields == nil {
		return "", false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Set stores value under name. Blank values delete the field instead.
func (r *ListingRecord) Set(name, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		delete(r.Fields, name)
		return
	}
	r.Fields[name] = value
}

// ID returns the listing identifier, if known.
func (r *ListingRecord) ID() (string, bool) {
	return r.Get(FieldID)
}

// Price returns the numeric price, if present and parseable.
func (r *ListingRecord) Price() (int64, bool) {
	raw, ok := r.Get(FieldPrice)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// PartitionState tracks one price partition while it is paginated.
type PartitionState struct {
	Index                int
	LowerBoundPrice      int64
	CurrentPage          int
	MaxPriceSeen         int64
	HasMaxPrice          bool
	RecordsThisPartition int
}

// NewPartitionState starts a partition at lowerBound.
func NewPartitionState(index int, lowerBound int64) *PartitionState {
	return &PartitionState{Index: index, LowerBoundPrice: lowerBound}
}

// Observe folds a page of records into the partition totals.
func (p *PartitionState) Observe(page int, records []ListingRecord) {
	p.CurrentPage = page
	p.RecordsThisPartition += len(records)
	for i := range records {
		price, ok := records[i].Price()
		if !ok {
			continue
		}
		if !p.HasMaxPrice || price > p.MaxPriceSeen {
			p.MaxPriceSeen = price
			p.HasMaxPrice = true
		}
	}
}

// NextBound returns maxPriceSeen+1, or false when no usable price was seen.
func (p *PartitionState) NextBound() (int64, bool) {
	if !p.HasMaxPrice {
		return 0, false
	}
	return p.MaxPriceSeen + 1, true
}

// ScraperResult holds the overall result of a scraping operation
type ScraperResult struct {
	StartTime      time.Time
	EndTime        time.Time
	TotalCount     int
	SkippedCount   int
	ErrorCount     int
	FailedURLs     []string
	ErrorsByType   map[string]int
	RetryCount     int
	RequestCount   int
	PageCount      int
	PartitionCount int
	FinalBound     int64
	StopReason     string
}
