package artifact

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists artifacts in a SQLite database. Payloads are zstd
// compressed; statistics and block maps of large mosaics compress well.
type SQLiteStore struct {
	DB *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; SQLite locks the file anyway.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS artifacts (
            subject TEXT NOT NULL,
            band INTEGER NOT NULL,
            kind TEXT NOT NULL,
            payload BLOB NOT NULL,
            raw_size INTEGER NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (subject, band, kind)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *SQLiteStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT payload FROM artifacts WHERE subject = ? AND band = ? AND kind = ?`,
		key.Subject, key.Band, string(key.Kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading artifact %s: %w", key, err)
	}
	data, err := decompress(payload)
	if err != nil {
		return nil, false, fmt.Errorf("error decompressing artifact %s: %w", key, err)
	}
	return data, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, data []byte) error {
	payload, err := compress(data)
	if err != nil {
		return fmt.Errorf("error compressing artifact %s: %w", key, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (subject, band, kind, payload, raw_size) VALUES (?, ?, ?, ?, ?)`,
		key.Subject, key.Band, string(key.Kind), payload, len(data))
	if err != nil {
		return fmt.Errorf("error writing artifact %s: %w", key, err)
	}
	return nil
}

// Stats reports the number of artifacts and their uncompressed and stored
// sizes in bytes.
func (s *SQLiteStore) Stats(ctx context.Context) (count, rawBytes, storedBytes int64, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(raw_size), 0), COALESCE(SUM(LENGTH(payload)), 0) FROM artifacts`,
	).Scan(&count, &rawBytes, &storedBytes)
	return count, rawBytes, storedBytes, err
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)
		return enc
	},
}

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := zstdEncPool.Get().(*zstd.Encoder)
	defer zstdEncPool.Put(enc)
	enc.Reset(&buf)
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	dec := zstdDecPool.Get().(*zstd.Decoder)
	defer zstdDecPool.Put(dec)
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(dec); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
