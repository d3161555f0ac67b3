package xlsxexport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/phillip-england/returndesk/internal/imagestore"
	"github.com/phillip-england/returndesk/internal/imaging"
	"github.com/phillip-england/returndesk/internal/returns"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type fixture struct {
	images  *imagestore.Store
	scratch string
	out     string
	exp     *Exporter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	images := imagestore.New(filepath.Join(root, "images"))
	if err := images.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	scratch := filepath.Join(root, "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	exp := New(images, zap.NewNop(), Options{TempDir: scratch})
	exp.newID = func() string { return "test" }
	return fixture{images: images, scratch: scratch, out: filepath.Join(root, "export.xlsx"), exp: exp}
}

func (fx fixture) writeImage(t *testing.T, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fx.images.Dir(), name), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
}

func (fx fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(fx.scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		var names []string
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("expected no temporary files, found %v", names)
	}
}

func openWorkbook(t *testing.T, path string) *excelize.File {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func record(product string, images ...string) returns.Record {
	return returns.Record{
		Timestamp:   returns.NewTimestamp(time.Date(2024, 4, 1, 12, 0, 0, 0, time.Local)),
		ProductName: product,
		Barcode:     "799392016279",
		Reason:      returns.ReasonPackagingDamaged,
		Notes:       "box crushed",
		ImageNames:  images,
	}
}

func TestExportImageColumnsFollowLargestRecord(t *testing.T) {
	fx := newFixture(t)
	fx.writeImage(t, "a0.png", 1600, 800)

	records := []returns.Record{
		record("A", "a0.png", "a1-missing.png"),
		record("B"),
	}
	result, err := fx.exp.Export(context.Background(), records, fx.out)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if result.ImageColumns != 2 || result.Rows != 2 || result.Embedded != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", result.Warnings)
	}
	if w := result.Warnings[0]; w.Row != 2 || w.Index != 1 || w.Image != "a1-missing.png" || !errors.Is(w.Err, ErrImageMissing) {
		t.Fatalf("unexpected warning %+v", w)
	}

	f := openWorkbook(t, fx.out)
	if name := f.GetSheetName(0); name != SheetName {
		t.Fatalf("expected sheet %q, got %q", SheetName, name)
	}
	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	wantHeader := append(returns.BaseLabels(), "Image 1", "Image 2")
	if diff := cmp.Diff(wantHeader, rows[0]); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(records[0].BaseValues(), rows[1][:8]); diff != "" {
		t.Fatalf("row A mismatch (-want +got):\n%s", diff)
	}

	pics, err := f.GetPictures(SheetName, "I2")
	if err != nil {
		t.Fatalf("get pictures: %v", err)
	}
	if len(pics) != 1 {
		t.Fatalf("expected one picture at I2, got %d", len(pics))
	}
	for _, cell := range []string{"J2", "I3", "J3"} {
		pics, err := f.GetPictures(SheetName, cell)
		if err != nil {
			t.Fatalf("get pictures %s: %v", cell, err)
		}
		if len(pics) != 0 {
			t.Fatalf("expected no picture at %s", cell)
		}
		if v, _ := f.GetCellValue(SheetName, cell); v != "" {
			t.Fatalf("expected empty cell %s, got %q", cell, v)
		}
	}

	height, err := f.GetRowHeight(SheetName, 2)
	if err != nil || height != imageRowHeight {
		t.Fatalf("expected row height %v, got %v err=%v", imageRowHeight, height, err)
	}
	width, err := f.GetColWidth(SheetName, "I")
	if err != nil || width != imageColumnWidth {
		t.Fatalf("expected image column width %v, got %v err=%v", imageColumnWidth, width, err)
	}
	width, err = f.GetColWidth(SheetName, "C")
	if err != nil || width != baseColumnWidth {
		t.Fatalf("expected base column width %v, got %v err=%v", baseColumnWidth, width, err)
	}

	fx.assertScratchEmpty(t)
}

func TestExportEmptySelection(t *testing.T) {
	fx := newFixture(t)
	result, err := fx.exp.Export(context.Background(), nil, fx.out)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.ImageColumns != 0 || result.Rows != 0 || len(result.Warnings) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	rows, err := openWorkbook(t, fx.out).GetRows(SheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only the header row, got %d rows", len(rows))
	}
	if diff := cmp.Diff(returns.BaseLabels(), rows[0]); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	fx.assertScratchEmpty(t)
}

func TestExportUndecodableImageIsWarningAndCleansUp(t *testing.T) {
	fx := newFixture(t)
	fx.writeImage(t, "good.png", 20, 10)
	if err := os.WriteFile(filepath.Join(fx.images.Dir(), "broken.png"), []byte("\x89PNG\r\n\x1a\nnot really"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}

	result, err := fx.exp.Export(context.Background(), []returns.Record{
		record("A", "broken.png", "good.png"),
	}, fx.out)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Image != "broken.png" {
		t.Fatalf("expected one warning for broken.png, got %v", result.Warnings)
	}
	if errors.Is(result.Warnings[0].Err, ErrImageMissing) {
		t.Fatalf("decode failure must not be reported as missing")
	}
	if result.Embedded != 1 {
		t.Fatalf("expected good.png embedded, got %d", result.Embedded)
	}
	pics, err := openWorkbook(t, fx.out).GetPictures(SheetName, "J2")
	if err != nil || len(pics) != 1 {
		t.Fatalf("expected picture at J2, got %d err=%v", len(pics), err)
	}
	fx.assertScratchEmpty(t)
}

func TestExportSaveFailureStillCleansUp(t *testing.T) {
	fx := newFixture(t)
	fx.writeImage(t, "a.png", 10, 10)

	dest := filepath.Join(fx.scratch, "..", "missing-dir", "out.xlsx")
	_, err := fx.exp.Export(context.Background(), []returns.Record{record("A", "a.png")}, dest)
	if err == nil {
		t.Fatalf("expected save error")
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected no workbook at %s", dest)
	}
	fx.assertScratchEmpty(t)
}

func TestExportHonoursCancellation(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fx.exp.Export(ctx, []returns.Record{record("A")}, fx.out); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(fx.out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no workbook written")
	}
	fx.assertScratchEmpty(t)
}

func TestExportOversizedImageIsWarning(t *testing.T) {
	fx := newFixture(t)
	header := make([]byte, 13)
	binary.BigEndian.PutUint32(header[0:4], 12000)
	binary.BigEndian.PutUint32(header[4:8], 12000)
	header[8], header[9] = 8, 2
	chunk := append([]byte("IHDR"), header...)
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(header)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	if err := os.WriteFile(filepath.Join(fx.images.Dir(), "huge.png"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write huge: %v", err)
	}

	result, err := fx.exp.Export(context.Background(), []returns.Record{record("A", "huge.png")}, fx.out)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.Warnings) != 1 || !errors.Is(result.Warnings[0].Err, imaging.ErrTooLarge) {
		t.Fatalf("expected one ErrTooLarge warning, got %v", result.Warnings)
	}
	if result.Embedded != 0 {
		t.Fatalf("expected nothing embedded, got %d", result.Embedded)
	}
	fx.assertScratchEmpty(t)
}

func TestEmbedFailureKeepsCellSize(t *testing.T) {
	fx := newFixture(t)
	fx.writeImage(t, "a.png", 20, 10)
	f := excelize.NewFile()
	t.Cleanup(func() { _ = f.Close() })
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		t.Fatalf("rename sheet: %v", err)
	}
	beforeHeight, _ := f.GetRowHeight(SheetName, 2)
	beforeWidth, _ := f.GetColWidth(SheetName, "I")

	// AddPicture rejects the extension after the PNG has been written.
	if err := fx.exp.embed(f, 2, 9, "a.png", filepath.Join(fx.scratch, "a.bin")); err == nil {
		t.Fatalf("expected embed to fail")
	}
	if height, _ := f.GetRowHeight(SheetName, 2); height != beforeHeight {
		t.Fatalf("row height changed from %v to %v", beforeHeight, height)
	}
	if width, _ := f.GetColWidth(SheetName, "I"); width != beforeWidth {
		t.Fatalf("column width changed from %v to %v", beforeWidth, width)
	}
}
