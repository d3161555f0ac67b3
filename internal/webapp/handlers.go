package webapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/csrf"
	"github.com/phillip-england/returndesk/internal/desk"
	"github.com/phillip-england/returndesk/internal/imagestore"
	"github.com/phillip-england/returndesk/internal/recordstore"
	"github.com/phillip-england/returndesk/internal/report"
	"github.com/phillip-england/returndesk/internal/returns"
	"github.com/phillip-england/returndesk/internal/security"
	"github.com/phillip-england/returndesk/internal/xlsxexport"
	"go.uber.org/zap"
)

const (
	maxSubmitBytes   = 12 * imagestore.MaxUploadBytes
	multipartMemory  = 32 << 20
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exportDownloadAs = "returns_export.xlsx"
)

type reasonOption struct {
	Value string
	Label string
}

type recordRow struct {
	Index  int
	Record returns.Record
}

type pageData struct {
	CSRFField template.HTML
	Flashes   []Flash
	LoadError string
	Reasons   []reasonOption
	Rows      []recordRow
	Summary   report.Summary
	Columns   []returns.Column
}

func (s *server) indexPage(w http.ResponseWriter, r *http.Request) {
	view := s.desk.View(r.Context())
	data := pageData{
		CSRFField: csrf.TemplateField(r),
		Flashes:   s.takeFlashes(w, r),
		Summary:   view.Summary,
		Columns:   returns.Columns,
	}
	if view.LoadError != nil {
		data.LoadError = "The return log could not be read. Existing records are hidden until the file is repaired."
		if errors.Is(view.LoadError, recordstore.ErrSchemaMismatch) {
			data.LoadError = "The return log has rows that do not match its columns. Existing records are hidden until the file is repaired."
		}
	}
	for _, reason := range returns.Reasons() {
		data.Reasons = append(data.Reasons, reasonOption{Value: string(reason), Label: reason.Label()})
	}
	for i, rec := range view.Table {
		data.Rows = append(data.Rows, recordRow{Index: i, Record: rec})
	}

	if err := renderHTMLTemplate(w, s.indexTmpl, data); err != nil {
		http.Error(w, "template render failed", http.StatusInternalServerError)
		s.logger.Error("index template render failed", zap.Error(err))
	}
}

func (s *server) submitReturn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "Invalid upload."})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	uploads, err := readUploads(r.MultipartForm.File["images"])
	if err != nil {
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "Photo upload failed: " + err.Error()})
		return
	}

	res, err := s.desk.Submit(r.Context(), desk.SubmitInput{
		TrackingNumber:    r.FormValue("tracking_number"),
		ProductName:       r.FormValue("product_name"),
		Barcode:           r.FormValue("barcode"),
		SAIN:              r.FormValue("sain"),
		ActualProductName: r.FormValue("product_name_actual"),
		Reason:            r.FormValue("return_reason"),
		Notes:             r.FormValue("notes"),
		Images:            uploads,
	})
	if err != nil {
		if verr, ok := desk.IsValidation(err); ok {
			s.redirectWithFlash(w, r, validationFlashes(verr)...)
			return
		}
		s.logger.Error("submit return", zap.Error(err))
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "The return could not be saved. Please try again."})
		return
	}

	msg := fmt.Sprintf("Return recorded for %s.", res.Record.ProductName)
	if n := len(res.Record.ImageNames); n > 0 {
		msg = fmt.Sprintf("Return recorded for %s with %d photo(s).", res.Record.ProductName, n)
	}
	s.redirectWithFlash(w, r, Flash{Type: "success", Message: msg})
}

func readUploads(headers []*multipart.FileHeader) ([]imagestore.Upload, error) {
	uploads := make([]imagestore.Upload, 0, len(headers))
	for _, header := range headers {
		// Browsers send one empty part when no file was chosen.
		if header.Filename == "" && header.Size == 0 {
			continue
		}
		if header.Size > imagestore.MaxUploadBytes {
			return nil, fmt.Errorf("%s is larger than %d MiB", header.Filename, imagestore.MaxUploadBytes>>20)
		}
		file, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("%s could not be read", header.Filename)
		}
		data, err := io.ReadAll(io.LimitReader(file, imagestore.MaxUploadBytes+1))
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("%s could not be read", header.Filename)
		}
		uploads = append(uploads, imagestore.Upload{Name: header.Filename, Data: data})
	}
	return uploads, nil
}

func validationFlashes(verr *desk.ValidationError) []Flash {
	fields := make([]string, 0, len(verr.Fields))
	for field := range verr.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	flashes := make([]Flash, 0, len(fields))
	for _, field := range fields {
		flashes = append(flashes, Flash{Type: "error", Message: verr.Fields[field]})
	}
	return flashes
}

func (s *server) exportRecords(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "Invalid form data."})
		return
	}
	rows, err := parseRows(r.PostForm["rows"])
	if err != nil {
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "Invalid row selection."})
		return
	}
	if len(rows) == 0 {
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "Select at least one record to export."})
		return
	}

	dest := filepath.Join(s.exportDir, fmt.Sprintf("returns_export_%s_%s.xlsx", time.Now().Format("20060102_150405"), s.newID()))
	result, err := s.desk.Export(r.Context(), rows, dest)
	if err != nil {
		if verr, ok := desk.IsValidation(err); ok {
			s.redirectWithFlash(w, r, validationFlashes(verr)...)
			return
		}
		s.logger.Error("export records", zap.Error(err))
		s.redirectWithFlash(w, r, Flash{Type: "error", Message: "The export could not be created."})
		return
	}

	defer func() {
		if err := os.Remove(result.Path); err != nil {
			s.logger.Warn("remove streamed export", zap.String("path", result.Path), zap.Error(err))
		}
	}()
	file, err := os.Open(result.Path)
	if err != nil {
		s.logger.Error("open export", zap.String("path", result.Path), zap.Error(err))
		http.Error(w, "export unavailable", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	if len(result.Warnings) > 0 {
		flashes := make([]Flash, 0, len(result.Warnings))
		for _, warning := range result.Warnings {
			flashes = append(flashes, Flash{Type: "error", Message: exportWarningMessage(warning)})
		}
		s.addFlashes(w, r, flashes...)
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportDownloadAs+`"`)
	w.Header().Set("X-Export-Warnings", strconv.Itoa(len(result.Warnings)))
	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn("stream export", zap.Error(err))
	}
}

func exportWarningMessage(w xlsxexport.Warning) string {
	if errors.Is(w.Err, xlsxexport.ErrImageMissing) {
		return fmt.Sprintf("Photo %s (spreadsheet row %d) is missing and was left out of the export.", w.Image, w.Row)
	}
	return fmt.Sprintf("Photo %s (spreadsheet row %d) could not be embedded in the export.", w.Image, w.Row)
}

func parseRows(values []string) ([]int, error) {
	rows := make([]int, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid row %q", part)
			}
			rows = append(rows, idx)
		}
	}
	return rows, nil
}

func (s *server) downloadDisplayCSV(w http.ResponseWriter, r *http.Request) {
	s.streamCSV(w, r, "returns_display.csv", s.desk.DisplayCSV)
}

func (s *server) downloadRawCSV(w http.ResponseWriter, r *http.Request) {
	s.streamCSV(w, r, "returns_raw.csv", s.desk.RawCSV)
}

func (s *server) streamCSV(w http.ResponseWriter, r *http.Request, filename string, write func(context.Context, io.Writer) error) {
	var buf bytes.Buffer
	if err := write(r.Context(), &buf); err != nil {
		s.logger.Error("render csv download", zap.String("file", filename), zap.Error(err))
		http.Error(w, "download unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(buf.Bytes())
}

func (s *server) imageFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var (
		data []byte
		err  error
	)
	if r.URL.Query().Get("full") == "1" {
		data, err = s.images.Read(name)
	} else {
		data, err = s.images.Thumbnail(name, thumbnailSide)
	}
	if err != nil {
		if errors.Is(err, imagestore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if errors.Is(err, security.ErrUnsafePath) {
			http.Error(w, "invalid image name", http.StatusBadRequest)
			return
		}
		s.logger.Warn("serve image", zap.String("name", name), zap.Error(err))
		http.Error(w, "image unavailable", http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func newExportID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
