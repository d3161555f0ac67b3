package recordstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/phillip-england/returndesk/internal/returns"
)

var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

const canonicalHeader = "timestamp,tracking_number,product_name,barcode,SAIN,product_name_actual,return_reason,notes,image_name\n"

func newTestCSV(t *testing.T) *CSV {
	t.Helper()
	dir := t.TempDir()
	store := NewCSV(filepath.Join(dir, "returns.csv"), filepath.Join(dir, "images"))
	store.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 15, 0, time.Local) }
	return store
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestCSV(t)

	for i := 0; i < 3; i++ {
		if err := store.Initialize(ctx); err != nil {
			t.Fatalf("initialize #%d: %v", i, err)
		}
	}
	if _, err := store.Append(ctx, returns.Record{ProductName: "Lamp", Barcode: "123", Reason: returns.ReasonOther}); err != nil {
		t.Fatalf("append: %v", err)
	}
	before, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Initialize(ctx); err != nil {
			t.Fatalf("initialize again: %v", err)
		}
	}
	after, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("initialize changed file contents:\nbefore=%q\nafter=%q", before, after)
	}
	if !strings.HasPrefix(string(after), canonicalHeader) {
		t.Fatalf("unexpected header in %q", after)
	}
	if info, err := os.Stat(store.imageDir); err != nil || !info.IsDir() {
		t.Fatalf("expected image directory to exist: %v", err)
	}
}

func TestAppendThenLoadAllRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestCSV(t)
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	input := []returns.Record{
		{
			TrackingNumber:    "TRK-1",
			ProductName:       "BT-Ice Grey-Twin",
			Barcode:           "799392016279",
			SAIN:              "S-42",
			ActualProductName: "BT-Ice Grey-Full",
			Reason:            returns.ReasonPackagingDamaged,
			Notes:             "box crushed, \"corner\" torn\nsecond line",
			ImageNames:        returns.ImageNames{"20240501_093015_0_a.png", "20240501_093015_1_b.jpg"},
		},
		{
			ProductName: "Kettle",
			Barcode:     "0001",
			Reason:      returns.ReasonOther,
		},
	}
	for _, rec := range input {
		stored, err := store.Append(ctx, rec)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if !timestampPattern.MatchString(stored.Timestamp.String()) {
			t.Fatalf("timestamp %q does not match layout", stored.Timestamp.String())
		}
	}

	table, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(table) != len(input) {
		t.Fatalf("expected %d rows, got %d", len(input), len(table))
	}
	for i := range input {
		want := input[i]
		want.Timestamp = returns.NewTimestamp(store.now())
		got := table[i]
		if !got.Timestamp.Equal(want.Timestamp.Time) {
			t.Fatalf("row %d timestamp: got %v want %v", i, got.Timestamp, want.Timestamp)
		}
		got.Timestamp, want.Timestamp = returns.Timestamp{}, returns.Timestamp{}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("row %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLoadAllMissingFileIsEmptyTable(t *testing.T) {
	ctx := context.Background()
	store := newTestCSV(t)
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := store.Append(ctx, returns.Record{ProductName: "Lamp", Barcode: "1", Reason: returns.ReasonOther}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := os.Remove(store.path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	table, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if table == nil || len(table) != 0 {
		t.Fatalf("expected empty non-nil table, got %#v", table)
	}
}

func TestLoadAllRejectsLegacyShortRows(t *testing.T) {
	store := newTestCSV(t)
	legacy := canonicalHeader + "2024-01-01 10:00:00,Lamp,123,Other,,\n"
	if err := os.WriteFile(store.path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := store.LoadAll(context.Background())
	if !errors.Is(err, ErrCorrupt) || !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected corrupt schema mismatch, got %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(table))
	}
}

func TestLoadAllRejectsForeignHeader(t *testing.T) {
	store := newTestCSV(t)
	foreign := "a,b,c,d,e,f,g,h,i\n1,2,3,4,5,6,7,8,9\n"
	if err := os.WriteFile(store.path, []byte(foreign), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.LoadAll(context.Background()); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestLoadAllRejectsUnknownReason(t *testing.T) {
	store := newTestCSV(t)
	content := canonicalHeader + "2024-01-01 10:00:00,,Lamp,123,,,Stolen,,\n"
	if err := os.WriteFile(store.path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := store.LoadAll(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("bad cell value is not a schema mismatch: %v", err)
	}
}

func TestLoadAllAcceptsByteOrderMark(t *testing.T) {
	store := newTestCSV(t)
	content := utf8BOM + canonicalHeader + "2024-01-01 10:00:00,,Lamp,123,,,Other,,\n"
	if err := os.WriteFile(store.path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(table) != 1 || table[0].ProductName != "Lamp" {
		t.Fatalf("unexpected table %#v", table)
	}
}

func TestRawCSVIsFileContents(t *testing.T) {
	ctx := context.Background()
	store := newTestCSV(t)
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := store.Append(ctx, returns.Record{ProductName: "Lamp", Barcode: "1", Reason: returns.ReasonOther}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var buf bytes.Buffer
	if err := store.RawCSV(ctx, &buf); err != nil {
		t.Fatalf("raw csv: %v", err)
	}
	onDisk, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(onDisk, buf.Bytes()) {
		t.Fatalf("raw csv differs from file:\n%q\n%q", onDisk, buf.Bytes())
	}
}

func TestWriteDisplayCSVUsesLabels(t *testing.T) {
	var buf bytes.Buffer
	table := returns.Table{{ProductName: "Lamp", Barcode: "1", Reason: returns.ReasonShippingDamage}}
	if err := WriteDisplayCSV(&buf, table); err != nil {
		t.Fatalf("write display csv: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, utf8BOM+"Return Time,Tracking Number,Product Name,Barcode,SAIN,Actual Product Name,Return Reason,Notes,Image Files\n") {
		t.Fatalf("unexpected display header in %q", out)
	}
	if !strings.Contains(out, ",Lamp,1,,,ShippingDamage,,") {
		t.Fatalf("unexpected display row in %q", out)
	}
}
