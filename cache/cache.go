// Package cache keeps analysis reports in a local SQLite file, keyed by a digest of the
// trace bytes and the parameters they were analysed with.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

const schema = `CREATE TABLE IF NOT EXISTS reports (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// Store is a report cache backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the cache database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached report for key; ok is false on a miss.
func (s *Store) Get(ctx context.Context, key string) (report *types.Report, ok bool, err error) {
	var payload []byte
	err = s.db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached report: %w", err)
	}
	report = new(types.Report)
	if err := sonnet.Unmarshal(payload, report); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached report: %w", err)
	}
	return report, true, nil
}

// Put stores report under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key string, report *types.Report) error {
	payload, err := sonnet.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reports (key, payload, created_at) VALUES (?, ?, ?)`,
		key, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// Delete drops the entry for key if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cached report: %w", err)
	}
	return nil
}

// Prune removes entries older than maxAge and reports how many were dropped.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE created_at < ?`, time.Now().Add(-maxAge).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return res.RowsAffected()
}

// keyMaterial is everything besides the trace bytes that changes a report.
type keyMaterial struct {
	Params types.AnalysisParams `json:"params"`
	NCore  int                  `json:"nCore"`
	Model  *types.ModelParams   `json:"model,omitempty"`
}

// Key digests the analysis inputs with SHA3-256. Traces are hashed in order, each
// prefixed by its length so that moving bytes between files changes the key.
func Key(params types.AnalysisParams, nCore int, model *types.ModelParams, tracePaths ...string) (string, error) {
	h := sha3.New256()
	material, err := sonnet.Marshal(keyMaterial{Params: params, NCore: nCore, Model: model})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key material: %w", err)
	}
	h.Write(material)
	for _, path := range tracePaths {
		if err := hashFile(h, path); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	fmt.Fprintf(w, "\x00%d\x00", info.Size())
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return nil
}
