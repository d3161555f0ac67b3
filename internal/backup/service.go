// Package backup snapshots the record table and the photo directory into a single
// tar.xz archive.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

const (
	RecordsEntry = "returns.csv"
	ImagesPrefix = "uploaded_images/"
)

type RecordSource interface {
	RawCSV(ctx context.Context, w io.Writer) error
}

type ImageSource interface {
	List() ([]string, error)
	Path(name string) (string, error)
}

type Service struct {
	records RecordSource
	images  ImageSource
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(records RecordSource, images ImageSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{records: records, images: images, logger: logger, now: time.Now}
}

// FileName is the archive name for a backup taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("returndesk_backup_%s.tar.xz", t.Format("20060102_150405"))
}

// Create writes a new archive into outputDir and returns its path. A partially written
// archive is removed on failure.
func (s *Service) Create(ctx context.Context, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	target := filepath.Join(outputDir, FileName(s.now()))

	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	count, writeErr := s.write(ctx, file)
	closeErr := file.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("backup failed: %w", err)
	}

	s.logger.Info("wrote backup", zap.String("path", target), zap.Int("images", count))
	return target, nil
}

func (s *Service) write(ctx context.Context, w io.Writer) (int, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(xw)
	modTime := s.now()

	var records bytes.Buffer
	if err := s.records.RawCSV(ctx, &records); err != nil {
		return 0, fmt.Errorf("dump records: %w", err)
	}
	if err := writeEntry(tw, RecordsEntry, int64(records.Len()), modTime, &records); err != nil {
		return 0, err
	}

	names, err := s.images.List()
	if err != nil {
		return 0, fmt.Errorf("list images: %w", err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.addImage(tw, name); err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := xw.Close(); err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *Service) addImage(tw *tar.Writer, name string) error {
	p, err := s.images.Path(name)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open image %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return writeEntry(tw, path.Join(ImagesPrefix, name), info.Size(), info.ModTime(), f)
}

func writeEntry(tw *tar.Writer, name string, size int64, modTime time.Time, r io.Reader) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    size,
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Contents lists the entry names of an archive, for verification and the CLI.
func Contents(archivePath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}
	tr := tar.NewReader(xr)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		names = append(names, hdr.Name)
	}
}
