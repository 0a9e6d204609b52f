package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-scrape-listings/models"
)

// DualWriter keeps the CSV checkpoint as the record of progress and mirrors
// each committed batch into a JSONL file. The mirror is best-effort: once
// it fails it is detached and the run continues on the CSV alone.
type DualWriter struct {
	checkpoint *CSVWriter
	mirror     *JSONWriter
	mirrorErr  error
	mu         sync.Mutex
}

// NewDualWriter opens the checkpoint at csvFilename and its mirror at
// jsonFilename, both for appending.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	checkpoint, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("open csv checkpoint: %w", err)
	}

	mirror, err := NewJSONWriter(jsonFilename)
	if err != nil {
		checkpoint.Close()
		return nil, fmt.Errorf("open jsonl mirror: %w", err)
	}

	return &DualWriter{checkpoint: checkpoint, mirror: mirror}, nil
}

// Write commits records to the checkpoint. Only a checkpoint failure is
// returned; the caller retries those records, so a mirror failure after a
// successful commit must not be reported as a failed batch.
func (dw *DualWriter) Write(records []models.ListingRecord) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.checkpoint.Write(records); err != nil {
		return err
	}
	if dw.mirror == nil {
		return nil
	}
	if err := dw.mirror.Write(records); err != nil {
		dw.detachMirror(err)
	}
	return nil
}

// MirrorErr returns the error that detached the JSONL mirror, if any.
func (dw *DualWriter) MirrorErr() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.mirrorErr
}

// Close closes the mirror, then the checkpoint. Only the checkpoint's
// error is returned.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.mirror != nil {
		if err := dw.mirror.Close(); err != nil {
			slog.Warn("closing jsonl mirror", slog.Any("error", err))
		}
		dw.mirror = nil
	}
	return dw.checkpoint.Close()
}

// Validate checks the checkpoint has content. An empty or detached mirror
// is logged but does not fail validation.
func (dw *DualWriter) Validate() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.checkpoint.Validate(); err != nil {
		return err
	}
	switch {
	case dw.mirrorErr != nil:
		slog.Warn("jsonl mirror is incomplete", slog.Any("error", dw.mirrorErr))
	case dw.mirror != nil:
		if err := dw.mirror.Validate(); err != nil {
			slog.Warn("jsonl mirror failed validation", slog.Any("error", err))
		}
	}
	return nil
}

func (dw *DualWriter) detachMirror(err error) {
	slog.Error("jsonl mirror write failed, continuing with csv only",
		slog.String("file", dw.mirror.file.Name()),
		slog.Any("error", err),
	)
	dw.mirrorErr = err
	if cerr := dw.mirror.Close(); cerr != nil {
		slog.Debug("closing failed jsonl mirror", slog.Any("error", cerr))
	}
	dw.mirror = nil
}
