// Package desk holds the commands behind the return desk: submit a return, view the
// current records and summaries, export a selection, and download CSV copies.
package desk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phillip-england/returndesk/internal/imagestore"
	"github.com/phillip-england/returndesk/internal/recordstore"
	"github.com/phillip-england/returndesk/internal/report"
	"github.com/phillip-england/returndesk/internal/returns"
	"github.com/phillip-england/returndesk/internal/xlsxexport"
	"go.uber.org/zap"
)

// RecordStore is the narrow persistence contract the desk depends on.
type RecordStore interface {
	Initialize(ctx context.Context) error
	Append(ctx context.Context, rec returns.Record) (returns.Record, error)
	LoadAll(ctx context.Context) (returns.Table, error)
	RawCSV(ctx context.Context, w io.Writer) error
}

type ImageStore interface {
	Ensure() error
	Save(at time.Time, uploads []imagestore.Upload) ([]string, error)
	Remove(names ...string)
}

type Exporter interface {
	Export(ctx context.Context, records []returns.Record, destination string) (xlsxexport.Result, error)
}

// ValidationError maps form fields to user-facing messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

type SubmitInput struct {
	TrackingNumber    string
	ProductName       string
	Barcode           string
	SAIN              string
	ActualProductName string
	Reason            string
	Notes             string
	Images            []imagestore.Upload
}

type View struct {
	Table   returns.Table
	Summary report.Summary
	// LoadError is set when the store exists but could not be read; Table is then empty.
	LoadError error
}

type SubmitResult struct {
	Record returns.Record
	View   View
}

type Desk struct {
	store    RecordStore
	images   ImageStore
	exporter Exporter
	logger   *zap.Logger
	now      func() time.Time

	// One action at a time, as with a single operator at the desk.
	mu sync.Mutex
}

func New(store RecordStore, images ImageStore, exporter Exporter, logger *zap.Logger) *Desk {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Desk{
		store:    store,
		images:   images,
		exporter: exporter,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Desk) Initialize(ctx context.Context) error {
	if err := d.images.Ensure(); err != nil {
		return err
	}
	if err := d.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize record store: %w", err)
	}
	return nil
}

// Validate normalizes a submission into a record without touching storage.
func Validate(in SubmitInput) (returns.Record, error) {
	fields := map[string]string{}
	productName := strings.TrimSpace(in.ProductName)
	barcode := strings.TrimSpace(in.Barcode)
	if productName == "" {
		fields["product_name"] = "Product name is required."
	}
	if barcode == "" {
		fields["barcode"] = "Barcode is required."
	}
	reason, err := returns.ParseReason(in.Reason)
	if err != nil {
		fields["return_reason"] = "Choose a return reason."
	}
	if err := imagestore.Validate(in.Images); err != nil {
		fields["images"] = err.Error()
	}
	if len(fields) > 0 {
		return returns.Record{}, &ValidationError{Fields: fields}
	}
	return returns.Record{
		TrackingNumber:    strings.TrimSpace(in.TrackingNumber),
		ProductName:       productName,
		Barcode:           barcode,
		SAIN:              strings.TrimSpace(in.SAIN),
		ActualProductName: strings.TrimSpace(in.ActualProductName),
		Reason:            reason,
		Notes:             strings.TrimSpace(in.Notes),
	}, nil
}

// Submit validates, stores the photos, appends the record, and reloads the table.
func (d *Desk) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := Validate(in)
	if err != nil {
		return SubmitResult{}, err
	}

	names, err := d.images.Save(d.now(), in.Images)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("save images: %w", err)
	}
	rec.ImageNames = names

	stored, err := d.store.Append(ctx, rec)
	if err != nil {
		d.images.Remove(names...)
		return SubmitResult{}, fmt.Errorf("append record: %w", err)
	}
	d.logger.Info("recorded return",
		zap.String("product_name", stored.ProductName),
		zap.String("barcode", stored.Barcode),
		zap.String("reason", string(stored.Reason)),
		zap.Int("images", len(stored.ImageNames)),
	)

	return SubmitResult{Record: stored, View: d.load(ctx)}, nil
}

// View reloads the full table. Unreadable data is reported in View.LoadError rather
// than as an error so the page can still render.
func (d *Desk) View(ctx context.Context) View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(ctx)
}

func (d *Desk) load(ctx context.Context) View {
	table, err := d.store.LoadAll(ctx)
	if err != nil {
		d.logger.Error("load return records", zap.Error(err))
		table = returns.Table{}
	}
	return View{Table: table, Summary: report.Build(table), LoadError: err}
}

// Export writes the selected rows of the current table to destination.
func (d *Desk) Export(ctx context.Context, selection []int, destination string) (xlsxexport.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	view := d.load(ctx)
	if view.LoadError != nil {
		return xlsxexport.Result{}, view.LoadError
	}
	selected, err := view.Table.Select(selection)
	if err != nil {
		return xlsxexport.Result{}, &ValidationError{Fields: map[string]string{"rows": err.Error()}}
	}
	if dir := filepath.Dir(destination); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xlsxexport.Result{}, fmt.Errorf("create export directory: %w", err)
		}
	}
	return d.exporter.Export(ctx, selected, destination)
}

// AllRows returns every row index of the current table, for "export everything".
func (d *Desk) AllRows(ctx context.Context) ([]int, error) {
	view := d.View(ctx)
	if view.LoadError != nil {
		return nil, view.LoadError
	}
	rows := make([]int, len(view.Table))
	for i := range rows {
		rows[i] = i
	}
	return rows, nil
}

// DisplayCSV writes the table with display labels as headers.
func (d *Desk) DisplayCSV(ctx context.Context, w io.Writer) error {
	view := d.View(ctx)
	if view.LoadError != nil {
		return view.LoadError
	}
	return recordstore.WriteDisplayCSV(w, view.Table)
}

// RawCSV writes the stored table with its stored headers.
func (d *Desk) RawCSV(ctx context.Context, w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.RawCSV(ctx, w)
}

// Import appends already-parsed records; each gets a fresh timestamp. It stops at the
// first failure and reports how many rows were stored.
func (d *Desk) Import(ctx context.Context, records []returns.Record) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, rec := range records {
		if strings.TrimSpace(rec.ProductName) == "" || strings.TrimSpace(rec.Barcode) == "" || !rec.Reason.Valid() {
			return i, &ValidationError{Fields: map[string]string{
				"row": fmt.Sprintf("record %d needs a product name, barcode, and known reason", i+1),
			}}
		}
		if _, err := d.store.Append(ctx, rec); err != nil {
			return i, fmt.Errorf("append imported record %d: %w", i+1, err)
		}
	}
	d.logger.Info("imported return records", zap.Int("count", len(records)))
	return len(records), nil
}

// IsValidation reports whether err is a ValidationError and returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
