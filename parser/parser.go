// Package parser extracts listing links and listing fields from catalog markup.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-listings/models"
)

var (
	leadingDigits = regexp.MustCompile(`^(\d+)`)
	nonDigits     = regexp.MustCompile(`[^\d]`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Extractor turns catalog and detail markup into URLs and field values.
type Extractor interface {
	ExtractListingURLs(body []byte, base *url.URL) ([]string, error)
	ExtractDetailFields(body []byte) (map[string]string, error)
}

// Selectors are the CSS selectors the parser relies on.
type Selectors struct {
	ListingItem         string
	ListingLink         string
	PropertiesContainer string
	PropertyKey         string
	PropertyValue       string
	Price               string
	Description         string
	DescriptionFallback string
}

// DefaultSelectors matches the catalog's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		ListingItem:         ".listing-list-item",
		ListingLink:         "a",
		PropertiesContainer: ".product-properties-details.linear-gradient",
		PropertyKey:         ".property-key",
		PropertyValue:       ".property-value",
		Price:               ".classified-detail-price, .price, .banner-price, .desktop-information-price",
		Description:         ".tab-content-wrapper.tab-description",
		DescriptionFallback: ".classified-description, .description",
	}
}

// CatalogParser is the goquery-backed Extractor.
type CatalogParser struct {
	sel Selectors
}

// NewCatalogParser builds a parser using sel.
func NewCatalogParser(sel Selectors) *CatalogParser {
	return &CatalogParser{sel: sel}
}

// ExtractListingURLs returns absolute detail URLs in page order. Items
// without a usable link are skipped.
func (p *CatalogParser) ExtractListingURLs(body []byte, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	var urls []string
	doc.Find(p.sel.ListingItem).Each(func(_ int, item *goquery.Selection) {
		href, ok := item.Find(p.sel.ListingLink).First().Attr("href")
		if !ok {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		urls = append(urls, abs)
	})
	return urls, nil
}

// ExtractDetailFields does a best-effort extraction of one detail page.
// Missing elements leave their fields absent.
func (p *CatalogParser) ExtractDetailFields(body []byte) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}

	fields := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}

	if container := doc.Find(p.sel.PropertiesContainer).First(); container.Length() > 0 {
		keys := container.Find(p.sel.PropertyKey)
		values := container.Find(p.sel.PropertyValue)
		n := keys.Length()
		if values.Length() < n {
			n = values.Length()
		}
		for i := 0; i < n; i++ {
			key := CleanText(keys.Eq(i).Text())
			if key == "" {
				continue
			}
			value := CleanText(values.Eq(i).Text())
			if key == models.FieldID {
				value = leadingDigits.FindString(value)
			}
			set(key, value)
		}
	}

	if price := doc.Find(p.sel.Price).First(); price.Length() > 0 {
		set(models.FieldPrice, NormalizePrice(price.Text()))
	}

	description := doc.Find(p.sel.Description).First()
	if description.Length() == 0 {
		description = doc.Find(p.sel.DescriptionFallback).First()
	}
	if description.Length() > 0 {
		set(models.FieldDescription, CleanText(description.Text()))
	}

	return fields, nil
}

// CleanText collapses runs of whitespace and trims the result.
func CleanText(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// NormalizePrice keeps only the digits of a displayed price.
func NormalizePrice(price string) string {
	return nonDigits.ReplaceAllString(price, "")
}

// ParsePrice converts a normalized price into an integer.
func ParsePrice(price string) (int64, bool) {
	digits := NormalizePrice(price)
	if digits == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ListingIDFromURL returns the leading digits of the last path segment.
func ListingIDFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	id := leadingDigits.FindString(path.Base(strings.TrimSuffix(u.Path, "/")))
	return id, id != ""
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base == nil {
		if !ref.IsAbs() {
			return "", false
		}
		return ref.String(), true
	}
	return base.ResolveReference(ref).String(), true
}
