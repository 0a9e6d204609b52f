package pipeline

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
)

// CheckpointState summarises an existing CSV checkpoint.
type CheckpointState struct {
	URLs     []string
	IDs      []string
	MaxPrice int64
	HasPrice bool
	Rows     int
}

// DedupeKeys returns the keys Checkpoint uses to recognise these listings.
func (s CheckpointState) DedupeKeys() []string {
	keys := make([]string, 0, len(s.IDs)+len(s.URLs))
	for _, id := range s.IDs {
		keys = append(keys, "id:"+id)
	}
	for _, u := range s.URLs {
		keys = append(keys, "url:"+u)
	}
	return keys
}

// NextBound returns the lower bound that continues after the checkpoint.
func (s CheckpointState) NextBound() (int64, bool) {
	if !s.HasPrice {
		return 0, false
	}
	return s.MaxPrice + 1, true
}

// ScanCheckpoint reads the CSV checkpoint at path. A missing file yields an
// empty state. A malformed trailing row is ignored.
func ScanCheckpoint(path string) (CheckpointState, error) {
	var state CheckpointState

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read checkpoint header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], utf8BOM)

	idCol, priceCol, urlCol := -1, -1, -1
	for i, col := range header {
		switch col {
		case models.FieldID:
			idCol = i
		case models.FieldPrice:
			priceCol = i
		case ColumnURL:
			urlCol = i
		}
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("stopping checkpoint scan at malformed row",
				slog.String("file", path),
				slog.Int("rows", state.Rows),
				slog.Any("error", err),
			)
			break
		}
		state.Rows++

		if v := cell(row, urlCol); v != "" {
			state.URLs = append(state.URLs, v)
		}
		if v := cell(row, idCol); v != "" {
			state.IDs = append(state.IDs, v)
		}
		if price, ok := parser.ParsePrice(cell(row, priceCol)); ok {
			if !state.HasPrice || price > state.MaxPrice {
				state.MaxPrice = price
				state.HasPrice = true
			}
		}
	}

	return state, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
