// Package xlsxexport writes a selection of return records, with their photos, into a
// single-sheet workbook.
package xlsxexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/phillip-england/returndesk/internal/imaging"
	"github.com/phillip-england/returndesk/internal/returns"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	SheetName = "Return Records"

	baseColumnWidth  = 25.0
	imageColumnWidth = 90.0
	imageRowHeight   = 200.0

	// MaxImageSide bounds the longest side, in pixels, of an embedded photo.
	MaxImageSide = 1000
)

var ErrImageMissing = errors.New("image file not found")

// ImageSource resolves the photo names stored on records.
type ImageSource interface {
	Exists(name string) bool
	Read(name string) ([]byte, error)
}

// Warning describes one photo that could not be placed. The export itself continues.
type Warning struct {
	Row   int
	Index int
	Image string
	Err   error
}

func (w Warning) String() string {
	return fmt.Sprintf("row %d image %d (%s): %v", w.Row, w.Index+1, w.Image, w.Err)
}

type Result struct {
	Path         string
	Rows         int
	ImageColumns int
	Embedded     int
	Warnings     []Warning
}

type Options struct {
	// TempDir is where per-export scratch directories are created; empty means os.TempDir.
	TempDir string
}

type Exporter struct {
	images  ImageSource
	logger  *zap.Logger
	tempDir string
	newID   func() string
}

func New(images ImageSource, logger *zap.Logger, opts Options) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		images:  images,
		logger:  logger,
		tempDir: opts.TempDir,
		newID:   uuid.NewString,
	}
}

// ImageHeader is the header of the k-th (1-based) image column.
func ImageHeader(k int) string {
	return "Image " + strconv.Itoa(k)
}

// Export writes records to destination in the order given. Missing or unreadable photos
// become warnings; only failing to save the workbook is an error. Scratch files are
// removed before Export returns on every path.
func (e *Exporter) Export(ctx context.Context, records []returns.Record, destination string) (Result, error) {
	exportID := e.newID()
	baseLabels := returns.BaseLabels()
	maxImages := returns.Table(records).MaxImages()

	headers := make([]string, 0, len(baseLabels)+maxImages)
	headers = append(headers, baseLabels...)
	for k := 1; k <= maxImages; k++ {
		headers = append(headers, ImageHeader(k))
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return Result{}, fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &headers); err != nil {
		return Result{}, fmt.Errorf("write header: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(headers))
	if err != nil {
		return Result{}, err
	}
	if err := f.SetColWidth(SheetName, "A", lastCol, baseColumnWidth); err != nil {
		return Result{}, fmt.Errorf("set column width: %w", err)
	}

	scratch, err := os.MkdirTemp(e.tempDir, "returndesk-export-")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("remove export scratch directory", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	result := Result{Path: destination, Rows: len(records), ImageColumns: maxImages}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		row := i + 2
		values := rec.BaseValues()
		if err := f.SetSheetRow(SheetName, "A"+strconv.Itoa(row), &values); err != nil {
			return Result{}, fmt.Errorf("write row %d: %w", row, err)
		}

		for k, name := range rec.ImageNames {
			col := len(baseLabels) + 1 + k
			if !e.images.Exists(name) {
				result.Warnings = append(result.Warnings, e.warn(row, k, name, ErrImageMissing))
				continue
			}
			tempPath := filepath.Join(scratch, fmt.Sprintf("temp_%s_%d_%d.png", exportID, row, k))
			if err := e.embed(f, row, col, name, tempPath); err != nil {
				result.Warnings = append(result.Warnings, e.warn(row, k, name, err))
				continue
			}
			result.Embedded++
		}
	}

	if err := f.SaveAs(destination); err != nil {
		_ = os.Remove(destination)
		return Result{}, fmt.Errorf("save workbook %s: %w", destination, err)
	}

	e.logger.Info("exported return records",
		zap.String("export_id", exportID),
		zap.String("path", destination),
		zap.Int("rows", result.Rows),
		zap.Int("image_columns", result.ImageColumns),
		zap.Int("embedded", result.Embedded),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (e *Exporter) embed(f *excelize.File, row, col int, name, tempPath string) error {
	raw, err := e.images.Read(name)
	if err != nil {
		return err
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return err
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tempPath), err)
	}
	if err := imaging.EncodePNG(out, imaging.Fit(img, MaxImageSide)); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	colName, err := excelize.ColumnNumberToName(col)
	if err != nil {
		return err
	}
	restore, err := sizeImageCell(f, row, colName)
	if err != nil {
		return err
	}
	if err := f.AddPicture(SheetName, colName+strconv.Itoa(row), tempPath, &excelize.GraphicOptions{
		AltText:         name,
		AutoFit:         true,
		LockAspectRatio: true,
	}); err != nil {
		restore()
		return err
	}
	return nil
}

// sizeImageCell enlarges the anchor cell ahead of AddPicture, which autofits to it. The
// returned func puts the previous row height and column width back.
func sizeImageCell(f *excelize.File, row int, colName string) (func(), error) {
	height, err := f.GetRowHeight(SheetName, row)
	if err != nil {
		return nil, err
	}
	width, err := f.GetColWidth(SheetName, colName)
	if err != nil {
		return nil, err
	}
	restore := func() {
		_ = f.SetRowHeight(SheetName, row, height)
		_ = f.SetColWidth(SheetName, colName, colName, width)
	}
	if err := f.SetRowHeight(SheetName, row, imageRowHeight); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetName, colName, colName, imageColumnWidth); err != nil {
		restore()
		return nil, err
	}
	return restore, nil
}

func (e *Exporter) warn(row, index int, name string, err error) Warning {
	w := Warning{Row: row, Index: index, Image: name, Err: err}
	e.logger.Warn("skipped image in export",
		zap.Int("row", row),
		zap.Int("index", index),
		zap.String("image", name),
		zap.Error(err),
	)
	return w
}
