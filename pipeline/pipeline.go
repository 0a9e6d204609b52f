// Package pipeline persists parsed listings as append-only checkpoints.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-listings/models"
)

var (
	// ErrCheckpointClosed is returned when AppendBatch is called after Close.
	ErrCheckpointClosed = errors.New("pipeline: checkpoint closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []models.ListingRecord) error
	Close() error
	Validate() error
}

// Checkpoint appends each page's records to the output writer before the
// crawl moves on. Listings already written under another URL are dropped.
type Checkpoint struct {
	writer OutputWriter
	seen   *lru.Cache[string, struct{}]

	mu      sync.Mutex
	closed  bool
	metrics metrics
}

// NewCheckpoint builds a checkpoint remembering up to cacheSize listing keys.
func NewCheckpoint(writer OutputWriter, cacheSize int) (*Checkpoint, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Checkpoint{
		writer: writer,
		seen:   seen,
	}, nil
}

// Remember marks listing keys as already persisted, e.g. from a previous run.
func (c *Checkpoint) Remember(keys []string) {
	for _, key := range keys {
		c.seen.Add(key, struct{}{})
	}
}

// AppendBatch durably appends records. An empty batch is a no-op.
func (c *Checkpoint) AppendBatch(records []models.ListingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCheckpointClosed
	}

	batch := make([]models.ListingRecord, 0, len(records))
	for i := range records {
		key := recordKey(&records[i])
		if found, _ := c.seen.ContainsOrAdd(key, struct{}{}); found {
			c.metrics.addDuplicate()
			slog.Debug("listing already checkpointed",
				slog.String("key", key),
				slog.String("url", records[i].URL),
			)
			continue
		}
		batch = append(batch, records[i])
	}
	if len(batch) == 0 {
		return nil
	}

	if err := c.writer.Write(batch); err != nil {
		// Let a retry of the same batch through the cache.
		for i := range batch {
			c.seen.Remove(recordKey(&batch[i]))
		}
		return fmt.Errorf("write batch: %w", err)
	}
	c.metrics.addWritten(len(batch))
	return nil
}

// Close prevents further appends and closes the writer.
func (c *Checkpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.writer.Close()
}

// Validate reports whether the writer produced any output.
func (c *Checkpoint) Validate() error {
	return c.writer.Validate()
}

// GetMetrics returns a snapshot of the internal counters.
func (c *Checkpoint) GetMetrics() map[string]interface{} {
	return c.metrics.snapshot()
}

func recordKey(record *models.ListingRecord) string {
	if id, ok := record.ID(); ok {
		return "id:" + id
	}
	return "url:" + record.URL
}

type metrics struct {
	mu         sync.Mutex
	written    int64
	duplicates int64
}

func (m *metrics) addWritten(n int) {
	m.mu.Lock()
	m.written += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"written_listings":   m.written,
		"duplicate_listings": m.duplicates,
	}
}
