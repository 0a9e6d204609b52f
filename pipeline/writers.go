package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-listings/models"
)

const (
	// ColumnURL holds the listing's source URL.
	ColumnURL = "url"
	// ColumnExtras holds a JSON object of fields the header has no column for.
	ColumnExtras = "extras"

	utf8BOM = "\ufeff"
)

// CSVWriter appends records to a CSV checkpoint. The header is written once,
// when the file is first created; an existing file keeps its header.
type CSVWriter struct {
	file    *os.File
	writer  *csv.Writer
	header  []string
	columns map[string]bool
	mu      sync.Mutex
}

// ErrHeaderMismatch is returned when an existing checkpoint lacks the
// columns needed to append records without losing data.
var ErrHeaderMismatch = errors.New("checkpoint header cannot hold listing records")

// NewCSVWriter opens filename for appending, creating it if needed. A torn
// row left by an interrupted run is cut off first.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	if err := trimTornTail(filename); err != nil {
		return nil, err
	}

	header, err := readHeader(filename)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(header); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	if header != nil {
		slog.Info("appending to existing checkpoint",
			slog.String("file", filename),
			slog.Int("columns", len(header)),
		)
	}

	cw := &CSVWriter{
		file:   f,
		writer: csv.NewWriter(f),
	}
	cw.setHeader(header)
	return cw, nil
}

// Write appends records, writing the BOM and header first if the file is new.
func (cw *CSVWriter) Write(records []models.ListingRecord) error {
	if len(records) == 0 {
		return nil
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.header == nil {
		header := buildHeader(records)
		if _, err := cw.file.WriteString(utf8BOM); err != nil {
			return fmt.Errorf("write csv bom: %w", err)
		}
		if err := cw.writer.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		cw.setHeader(header)
	}

	for i := range records {
		row, err := cw.row(&records[i])
		if err != nil {
			return err
		}
		if err := cw.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	if err := cw.file.Sync(); err != nil {
		return fmt.Errorf("sync csv file: %w", err)
	}
	return nil
}

// Header returns the column names in file order, or nil before the first write.
func (cw *CSVWriter) Header() []string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.header == nil {
		return nil
	}
	out := make([]string, len(cw.header))
	copy(out, cw.header)
	return out
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

func (cw *CSVWriter) setHeader(header []string) {
	cw.header = header
	cw.columns = make(map[string]bool, len(header))
	for _, col := range header {
		cw.columns[col] = true
	}
}

func (cw *CSVWriter) row(record *models.ListingRecord) ([]string, error) {
	row := make([]string, len(cw.header))
	for i, col := range cw.header {
		switch col {
		case ColumnURL:
			row[i] = record.URL
		case ColumnExtras:
			extras, err := cw.extras(record)
			if err != nil {
				return nil, err
			}
			row[i] = extras
		default:
			row[i] = record.Fields[col]
		}
	}
	return row, nil
}

func (cw *CSVWriter) extras(record *models.ListingRecord) (string, error) {
	var overflow map[string]string
	for name, value := range record.Fields {
		if cw.columns[name] {
			continue
		}
		if overflow == nil {
			overflow = make(map[string]string)
		}
		overflow[name] = value
	}
	if overflow == nil {
		return "", nil
	}
	data, err := json.Marshal(overflow)
	if err != nil {
		return "", fmt.Errorf("encode extra fields: %w", err)
	}
	return string(data), nil
}

// buildHeader orders columns: preferred fields, url, the first batch's
// other fields sorted by name, then the extras column.
func buildHeader(records []models.ListingRecord) []string {
	header := append([]string(nil), models.PreferredColumns...)
	header = append(header, ColumnURL)

	seen := make(map[string]bool)
	var others []string
	for i := range records {
		for name := range records[i].Fields {
			if models.IsPreferred(name) || name == ColumnURL || name == ColumnExtras || seen[name] {
				continue
			}
			seen[name] = true
			others = append(others, name)
		}
	}
	sort.Strings(others)

	header = append(header, others...)
	return append(header, ColumnExtras)
}

// readHeader returns the header of an existing non-empty CSV file, or nil.
func readHeader(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	return header, nil
}

// checkHeader rejects an existing header without the url or extras column;
// appending to it would drop source URLs and unknown fields.
func checkHeader(header []string) error {
	if header == nil {
		return nil
	}
	var missing []string
	for _, want := range []string{ColumnURL, ColumnExtras} {
		found := false
		for _, col := range header {
			if col == want {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s column", ErrHeaderMismatch, strings.Join(missing, ", "))
	}
	return nil
}

// trimTornTail truncates filename after its last complete row. Every row
// the writer emits ends in a newline, so an unterminated or unparseable
// tail is the remains of an interrupted write.
func trimTornTail(filename string) error {
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var prev, good int64
	var parseErr error
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			parseErr = err
			break
		}
		prev, good = good, reader.InputOffset()
	}

	if good == size {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return fmt.Errorf("read csv tail: %w", err)
		}
		if last[0] == '\n' {
			return nil
		}
		good = prev
	}

	slog.Warn("checkpoint ends with a torn row, truncating",
		slog.String("file", filename),
		slog.Int64("offset", good),
		slog.Int64("dropped_bytes", size-good),
		slog.Any("error", parseErr),
	)
	if err := f.Truncate(good); err != nil {
		return fmt.Errorf("truncate torn row: %w", err)
	}
	return nil
}

// JSONWriter appends newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter opens filename for appending.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []models.ListingRecord) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for i := range records {
		if err := jw.encoder.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
