// Package recordstore persists return records. Two backends share one contract: a
// comma-delimited file with a fixed header row, and an embedded SQLite database.
package recordstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/phillip-england/returndesk/internal/returns"
)

const (
	KindCSV    = "csv"
	KindSQLite = "sqlite"
)

type Store interface {
	Initialize(ctx context.Context) error
	Append(ctx context.Context, rec returns.Record) (returns.Record, error)
	LoadAll(ctx context.Context) (returns.Table, error)
	RawCSV(ctx context.Context, w io.Writer) error
	Path() string
	Close() error
}

type Options struct {
	Kind       string
	CSVPath    string
	SQLitePath string
	ImageDir   string
}

func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindCSV:
		return NewCSV(opts.CSVPath, opts.ImageDir), nil
	case KindSQLite:
		return OpenSQLite(opts.SQLitePath, opts.ImageDir)
	default:
		return nil, fmt.Errorf("unknown record store %q (want %s or %s)", opts.Kind, KindCSV, KindSQLite)
	}
}

func (s *CSV) Close() error {
	return nil
}
