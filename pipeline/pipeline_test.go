package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aluiziolira/go-scrape-listings/models"
)

type mockWriter struct {
	mu       sync.Mutex
	batches  [][]models.ListingRecord
	closed   bool
	writeErr error
}

func (mw *mockWriter) Write(records []models.ListingRecord) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	batch := make([]models.ListingRecord, len(records))
	copy(batch, records)
	mw.batches = append(mw.batches, batch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error {
	return nil
}

func (mw *mockWriter) totalWritten() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	total := 0
	for _, batch := range mw.batches {
		total += len(batch)
	}
	return total
}

func TestCheckpointAppendBatch(t *testing.T) {
	writer := &mockWriter{}
	cp, err := NewCheckpoint(writer, 100)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}

	if err := cp.AppendBatch(nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(writer.batches) != 0 {
		t.Fatalf("empty batch reached the writer")
	}

	batch := []models.ListingRecord{
		listing("1", "1000", "https://example.test/ilan/1"),
		listing("2", "2000", "https://example.test/ilan/2"),
	}
	if err := cp.AppendBatch(batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := writer.totalWritten(); got != 2 {
		t.Fatalf("written=%d, want 2", got)
	}

	if err := cp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !writer.closed {
		t.Fatalf("writer was not closed")
	}
	if err := cp.AppendBatch(batch); !errors.Is(err, ErrCheckpointClosed) {
		t.Fatalf("append after close err=%v, want ErrCheckpointClosed", err)
	}
}

func TestCheckpointDropsRepeatedListingID(t *testing.T) {
	writer := &mockWriter{}
	cp, err := NewCheckpoint(writer, 100)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}

	first := listing("42", "1000", "https://example.test/ilan/42")
	sameListing := listing("42", "1000", "https://example.test/ilan/42?ref=promo")
	if err := cp.AppendBatch([]models.ListingRecord{first}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := cp.AppendBatch([]models.ListingRecord{sameListing}); err != nil {
		t.Fatalf("append second: %v", err)
	}

	if got := writer.totalWritten(); got != 1 {
		t.Fatalf("written=%d, want 1", got)
	}
	metrics := cp.GetMetrics()
	if metrics["duplicate_listings"].(int64) != 1 {
		t.Fatalf("duplicate_listings=%v, want 1", metrics["duplicate_listings"])
	}
	if metrics["written_listings"].(int64) != 1 {
		t.Fatalf("written_listings=%v, want 1", metrics["written_listings"])
	}
}

func TestCheckpointRetriesAfterWriteFailure(t *testing.T) {
	writer := &mockWriter{writeErr: errors.New("disk full")}
	cp, err := NewCheckpoint(writer, 100)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}

	batch := []models.ListingRecord{listing("1", "1000", "https://example.test/ilan/1")}
	if err := cp.AppendBatch(batch); err == nil {
		t.Fatalf("expected write error")
	}

	writer.writeErr = nil
	if err := cp.AppendBatch(batch); err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if got := writer.totalWritten(); got != 1 {
		t.Fatalf("written=%d, want 1", got)
	}
}

func TestCheckpointRemember(t *testing.T) {
	writer := &mockWriter{}
	cp, err := NewCheckpoint(writer, 100)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}

	state := CheckpointState{IDs: []string{"7"}, URLs: []string{"https://example.test/ilan/8"}}
	cp.Remember(state.DedupeKeys())

	noID := models.NewListingRecord("https://example.test/ilan/8")
	batch := []models.ListingRecord{
		listing("7", "1000", "https://example.test/ilan/7"),
		*noID,
		listing("9", "3000", "https://example.test/ilan/9"),
	}
	if err := cp.AppendBatch(batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := writer.totalWritten(); got != 1 {
		t.Fatalf("written=%d, want 1", got)
	}
}

func TestScanCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cars.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	records := []models.ListingRecord{
		listing("1", "15000", "https://example.test/ilan/1"),
		listing("2", "98000", "https://example.test/ilan/2"),
		listing("3", "", "https://example.test/ilan/3"),
	}
	if err := writer.Write(records); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	state, err := ScanCheckpoint(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if state.Rows != 3 {
		t.Fatalf("rows=%d, want 3", state.Rows)
	}
	if len(state.URLs) != 3 || len(state.IDs) != 3 {
		t.Fatalf("urls=%d ids=%d, want 3 and 3", len(state.URLs), len(state.IDs))
	}
	next, ok := state.NextBound()
	if !ok || next != 98001 {
		t.Fatalf("next bound=%d ok=%v, want 98001", next, ok)
	}
}

func TestScanCheckpointMissingFile(t *testing.T) {
	state, err := ScanCheckpoint(filepath.Join(t.TempDir(), "absent.csv"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if state.Rows != 0 || state.HasPrice {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestScanCheckpointTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cars.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write([]models.ListingRecord{listing("1", "15000", "https://example.test/ilan/1")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	writer.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(`2,"99000`); err != nil {
		t.Fatalf("write partial row: %v", err)
	}
	f.Close()

	state, err := ScanCheckpoint(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if state.Rows != 1 || state.MaxPrice != 15000 {
		t.Fatalf("rows=%d max=%d, want 1 and 15000", state.Rows, state.MaxPrice)
	}
}
