// Package catalog drives the search side of the catalog: applying the
// minimum price filter and loading result pages of the filtered query.
package catalog

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	minPriceParam = "minPrice"
	pageParam     = "page"
)

// filterURL sets the minimum price on the search query and drops any page.
func filterURL(search string, minPrice int64) (string, error) {
	u, err := url.Parse(search)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set(minPriceParam, strconv.FormatInt(minPrice, 10))
	q.Del(pageParam)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pageURL addresses result page n of query.
func pageURL(query string, n int) (string, error) {
	u, err := url.Parse(query)
	if err != nil {
		return "", fmt.Errorf("parse query url: %w", err)
	}
	q := u.Query()
	q.Set(pageParam, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
