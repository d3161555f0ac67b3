package recordstore

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/phillip-england/returndesk/internal/returns"
)

var (
	// ErrCorrupt marks a backing table that exists but could not be read back.
	ErrCorrupt = errors.New("record store unreadable")
	// ErrSchemaMismatch marks a header or row that does not carry the canonical columns.
	ErrSchemaMismatch = errors.New("record store schema mismatch")
)

const utf8BOM = "\ufeff"

// CSV keeps every return record in one comma-delimited file with a fixed header row.
type CSV struct {
	path     string
	imageDir string
	now      func() time.Time
}

func NewCSV(path, imageDir string) *CSV {
	return &CSV{path: path, imageDir: imageDir, now: time.Now}
}

func (s *CSV) Path() string {
	return s.path
}

func (s *CSV) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ensureDirs(s.imageDir, filepath.Dir(s.path)); err != nil {
		return err
	}

	info, err := os.Stat(s.path)
	switch {
	case err == nil && info.Size() > 0:
		return nil
	case err == nil, errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("stat %s: %w", s.path, err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.path, err)
	}
	w := csv.NewWriter(file)
	if err := w.Write(returns.StorageKeys()); err != nil {
		_ = file.Close()
		return fmt.Errorf("write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = file.Close()
		return fmt.Errorf("write header: %w", err)
	}
	return file.Close()
}

func (s *CSV) Append(ctx context.Context, rec returns.Record) (returns.Record, error) {
	if err := ctx.Err(); err != nil {
		return returns.Record{}, err
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := s.Initialize(ctx); err != nil {
			return returns.Record{}, err
		}
	}

	rec.Timestamp = returns.NewTimestamp(s.now())

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return returns.Record{}, fmt.Errorf("open %s: %w", s.path, err)
	}
	w := csv.NewWriter(file)
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = false
	if err := enc.Encode(rec); err != nil {
		_ = file.Close()
		return returns.Record{}, fmt.Errorf("encode record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = file.Close()
		return returns.Record{}, fmt.Errorf("append record: %w", err)
	}
	if err := file.Close(); err != nil {
		return returns.Record{}, fmt.Errorf("close %s: %w", s.path, err)
	}
	return rec, nil
}

// LoadAll always returns a usable table. A missing or empty file is simply no data;
// anything unreadable yields an empty table together with an ErrCorrupt error.
func (s *CSV) LoadAll(ctx context.Context) (returns.Table, error) {
	if err := ctx.Err(); err != nil {
		return returns.Table{}, err
	}
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return returns.Table{}, nil
		}
		return returns.Table{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer file.Close()

	table, err := decodeTable(file)
	if err != nil {
		return returns.Table{}, err
	}
	return table, nil
}

func (s *CSV) RawCSV(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return writeRecords(w, "", returns.Table{})
		}
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer file.Close()
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("copy %s: %w", s.path, err)
	}
	return nil
}

func decodeTable(r io.Reader) (returns.Table, error) {
	buffered := bufio.NewReader(r)
	if prefix, err := buffered.Peek(len(utf8BOM)); err == nil && string(prefix) == utf8BOM {
		_, _ = buffered.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = len(returns.Columns)

	dec, err := csvutil.NewDecoder(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return returns.Table{}, nil
		}
		return nil, classifyReadError(err)
	}
	if header := dec.Header(); !slices.Equal(header, returns.StorageKeys()) {
		return nil, fmt.Errorf("%w: %w: header %q", ErrCorrupt, ErrSchemaMismatch, header)
	}
	dec.DisallowMissingColumns = true

	table := returns.Table{}
	for {
		var rec returns.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, classifyReadError(err)
		}
		table = append(table, rec)
	}
	return table, nil
}

func classifyReadError(err error) error {
	if errors.Is(err, csv.ErrFieldCount) {
		return fmt.Errorf("%w: %w: %w", ErrCorrupt, ErrSchemaMismatch, err)
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}

// writeRecords renders rows with the header named by tag ("" for stored keys).
func writeRecords(w io.Writer, tag string, table returns.Table) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if tag != "" {
		enc.Tag = tag
	}
	if err := enc.EncodeHeader(returns.Record{}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, rec := range table {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDisplayCSV renders the table with display labels as the header row.
func WriteDisplayCSV(w io.Writer, table returns.Table) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	return writeRecords(w, "display", table)
}

func ensureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
