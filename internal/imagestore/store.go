// Package imagestore keeps uploaded return photos in one flat directory. Records refer
// to photos by file name only.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/phillip-england/returndesk/internal/imaging"
	"github.com/phillip-england/returndesk/internal/security"
)

// MaxUploadBytes caps a single uploaded photo.
const MaxUploadBytes = 10 << 20

const (
	namePrefixLayout = "20060102_150405"
	maxNameAttempts  = 1000
)

var ErrNotFound = errors.New("image not found")

// Upload is one photo received with a submission.
type Upload struct {
	Name string
	Data []byte
}

type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create image directory %s: %w", s.dir, err)
	}
	return nil
}

// Validate checks every upload before anything is written.
func Validate(uploads []Upload) error {
	for _, up := range uploads {
		if len(up.Data) > MaxUploadBytes {
			return fmt.Errorf("%s exceeds %d MiB", up.Name, MaxUploadBytes>>20)
		}
		if _, err := imaging.Sniff(up.Data); err != nil {
			return fmt.Errorf("%s: %w", up.Name, err)
		}
	}
	return nil
}

// Save writes uploads as {YYYYMMDD_HHMMSS}_{index}_{name} and returns the stored names in
// upload order. A failure removes whatever this call already wrote.
func (s *Store) Save(at time.Time, uploads []Upload) ([]string, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if err := Validate(uploads); err != nil {
		return nil, err
	}
	if err := s.Ensure(); err != nil {
		return nil, err
	}

	prefix := at.Format(namePrefixLayout)
	names := make([]string, 0, len(uploads))
	for idx, up := range uploads {
		name, file, err := s.create(prefix, idx, security.SanitizeFilename(up.Name))
		if err != nil {
			s.Remove(names...)
			return nil, err
		}
		_, writeErr := file.Write(up.Data)
		closeErr := file.Close()
		if writeErr != nil || closeErr != nil {
			s.Remove(append(names, name)...)
			return nil, fmt.Errorf("write %s: %w", name, errors.Join(writeErr, closeErr))
		}
		names = append(names, name)
	}
	return names, nil
}

// create opens a new file for the upload. Names taken by an earlier submission in the
// same second get a counter after the index: {prefix}_{idx}-{n}_{name}.
func (s *Store) create(prefix string, idx int, base string) (string, *os.File, error) {
	name := fmt.Sprintf("%s_%d_%s", prefix, idx, base)
	for n := 1; ; n++ {
		path, err := security.SafeJoin(s.dir, name)
		if err != nil {
			return "", nil, err
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return name, file, nil
		}
		if !errors.Is(err, fs.ErrExist) || n >= maxNameAttempts {
			return "", nil, fmt.Errorf("create %s: %w", name, err)
		}
		name = fmt.Sprintf("%s_%d-%d_%s", prefix, idx, n, base)
	}
}

// Remove deletes stored images, ignoring names that are already gone.
func (s *Store) Remove(names ...string) {
	for _, name := range names {
		if path, err := security.SafeJoin(s.dir, name); err == nil {
			_ = os.Remove(path)
		}
	}
}

// Path resolves a stored name to a path inside the directory. It does not check existence.
func (s *Store) Path(name string) (string, error) {
	return security.SafeJoin(s.dir, name)
}

// Read returns the stored bytes or ErrNotFound.
func (s *Store) Read(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Thumbnail renders a PNG preview whose longest side is at most maxSide pixels.
func (s *Store) Thumbnail(name string, maxSide int) ([]byte, error) {
	raw, err := s.Read(name)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.EncodePNG(&buf, imaging.Preview(img, maxSide)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// List returns every regular file name in the directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
