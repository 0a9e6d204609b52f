package scraper

import (
	"sync"
	"sync/atomic"
)

// Ledger is the run-wide set of listing URLs already handed to a fetcher.
// Entries are never removed.
type Ledger struct {
	claimed sync.Map
	size    atomic.Int64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// TryClaim marks url as claimed and reports whether this call did so.
func (l *Ledger) TryClaim(url string) bool {
	if _, loaded := l.claimed.LoadOrStore(url, struct{}{}); loaded {
		return false
	}
	l.size.Add(1)
	return true
}

// Seed claims urls up front, e.g. the ones found in an earlier checkpoint.
func (l *Ledger) Seed(urls []string) int {
	added := 0
	for _, u := range urls {
		if l.TryClaim(u) {
			added++
		}
	}
	return added
}

// Len returns the number of claimed URLs.
func (l *Ledger) Len() int {
	return int(l.size.Load())
}
