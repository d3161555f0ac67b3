package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/phillip-england/returndesk/internal/returns"
	_ "modernc.org/sqlite"
)

// SQLite stores return records in an embedded database file. It satisfies the same
// contract as CSV and exports the same stored-key CSV for downloads and backups.
type SQLite struct {
	db       *sql.DB
	path     string
	imageDir string
	now      func() time.Time
}

func OpenSQLite(path, imageDir string) (*SQLite, error) {
	if err := ensureDirs(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db, path: path, imageDir: imageDir, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Initialize(ctx context.Context) error {
	if err := ensureDirs(s.imageDir); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS return_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		tracking_number TEXT NOT NULL DEFAULT '',
		product_name TEXT NOT NULL,
		barcode TEXT NOT NULL,
		sain TEXT NOT NULL DEFAULT '',
		product_name_actual TEXT NOT NULL DEFAULT '',
		return_reason TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		image_name TEXT NOT NULL DEFAULT ''
	);`)
	if err != nil {
		return fmt.Errorf("create return_records: %w", err)
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, rec returns.Record) (returns.Record, error) {
	rec.Timestamp = returns.NewTimestamp(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO return_records (
		timestamp, tracking_number, product_name, barcode, sain,
		product_name_actual, return_reason, notes, image_name
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.String(),
		rec.TrackingNumber,
		rec.ProductName,
		rec.Barcode,
		rec.SAIN,
		rec.ActualProductName,
		string(rec.Reason),
		rec.Notes,
		rec.ImageNames.String(),
	)
	if err != nil {
		return returns.Record{}, fmt.Errorf("insert return record: %w", err)
	}
	return rec, nil
}

func (s *SQLite) LoadAll(ctx context.Context) (returns.Table, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		timestamp, tracking_number, product_name, barcode, sain,
		product_name_actual, return_reason, notes, image_name
	FROM return_records
	ORDER BY id ASC`)
	if err != nil {
		return returns.Table{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer rows.Close()

	table := returns.Table{}
	for rows.Next() {
		var (
			rec       returns.Record
			timestamp string
			reason    string
			images    string
		)
		if err := rows.Scan(
			&timestamp,
			&rec.TrackingNumber,
			&rec.ProductName,
			&rec.Barcode,
			&rec.SAIN,
			&rec.ActualProductName,
			&reason,
			&rec.Notes,
			&images,
		); err != nil {
			return returns.Table{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if err := rec.Timestamp.UnmarshalText([]byte(timestamp)); err != nil {
			return returns.Table{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if err := rec.Reason.UnmarshalText([]byte(reason)); err != nil {
			return returns.Table{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		rec.ImageNames = returns.ParseImageNames(images)
		table = append(table, rec)
	}
	if err := rows.Err(); err != nil {
		return returns.Table{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return table, nil
}

func (s *SQLite) RawCSV(ctx context.Context, w io.Writer) error {
	table, err := s.LoadAll(ctx)
	if err != nil {
		return err
	}
	return writeRecords(w, "", table)
}
