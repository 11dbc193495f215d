package curator

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_confirmed_fixes.sql
var migrationSQL string

// Store is the SQLite file holding one database's confirmed fixes. It does
// no locking of its own; Curator serializes access.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps transactions and pragmas on the same handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertFix = `
	INSERT INTO confirmed_fixes
		(id, intent, corrected_sql, error_sql, explanation, tables, error_tags, categories, confirmed_at, usage_count, embedding)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(fix ConfirmedFix) ([]any, error) {
	tables, err := encodeStrings(fix.Tables)
	if err != nil {
		return nil, err
	}
	tags, err := encodeStrings(fix.ErrorTags)
	if err != nil {
		return nil, err
	}
	categories, err := encodeStrings(fix.Categories)
	if err != nil {
		return nil, err
	}
	return []any{
		fix.ID, fix.Intent, fix.CorrectedSQL, fix.ErrorSQL, fix.Explanation,
		tables, tags, categories, fix.ConfirmedAt.UnixNano(), fix.UsageCount, encodeEmbedding(fix.embedding),
	}, nil
}

const selectColumns = `seq, id, intent, corrected_sql, error_sql, explanation, tables, error_tags, categories, confirmed_at, usage_count, embedding`

// All returns every fix, oldest first.
func (s *Store) All(ctx context.Context) ([]ConfirmedFix, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM confirmed_fixes ORDER BY confirmed_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("querying fixes: %w", err)
	}
	defer rows.Close()

	var fixes []ConfirmedFix
	for rows.Next() {
		fix, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		fixes = append(fixes, fix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fixes: %w", err)
	}
	return fixes, nil
}

// Count returns the number of stored fixes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM confirmed_fixes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting fixes: %w", err)
	}
	return n, nil
}

// IncrementUsage bumps usage_count for ids in one transaction.
func (s *Store) IncrementUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE confirmed_fixes SET usage_count = usage_count + 1 WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage: %w", err)
	}
	return nil
}

// PruneTo evicts fixes until at most floor remain and returns how many were
// removed. Unused fixes go first, oldest first; then the oldest of the rest.
// The count and the delete share one transaction.
func (s *Store) PruneTo(ctx context.Context, floor int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count, err := countFixes(ctx, tx)
	if err != nil {
		return 0, err
	}
	removed, err := evictTo(ctx, tx, count, floor)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return removed, nil
}

// InsertAndPrune stores fix and, when that leaves more than limit fixes,
// evicts down to floor as PruneTo does. Both happen in one transaction, so a
// failed eviction also discards the insert.
func (s *Store) InsertAndPrune(ctx context.Context, fix ConfirmedFix, limit, floor int) (int, error) {
	args, err := insertArgs(fix)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertFix, args...); err != nil {
		return 0, fmt.Errorf("inserting fix %s: %w", fix.ID, err)
	}

	count, err := countFixes(ctx, tx)
	if err != nil {
		return 0, err
	}
	removed := 0
	if count > limit {
		if removed, err = evictTo(ctx, tx, count, floor); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insert: %w", err)
	}
	return removed, nil
}

func countFixes(ctx context.Context, tx *sql.Tx) (int, error) {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM confirmed_fixes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting fixes: %w", err)
	}
	return count, nil
}

func evictTo(ctx context.Context, tx *sql.Tx, count, floor int) (int, error) {
	excess := count - floor
	if excess <= 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM confirmed_fixes WHERE seq IN (
			SELECT seq FROM confirmed_fixes
			ORDER BY CASE WHEN usage_count = 0 THEN 0 ELSE 1 END, confirmed_at, seq
			LIMIT ?
		)`, excess)
	if err != nil {
		return 0, fmt.Errorf("deleting fixes: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading deleted count: %w", err)
	}
	return int(removed), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFix(row scanner) (ConfirmedFix, error) {
	var (
		fix                      ConfirmedFix
		tables, tags, categories string
		confirmedAt              int64
		embedding                []byte
	)
	err := row.Scan(&fix.seq, &fix.ID, &fix.Intent, &fix.CorrectedSQL, &fix.ErrorSQL, &fix.Explanation,
		&tables, &tags, &categories, &confirmedAt, &fix.UsageCount, &embedding)
	if err != nil {
		return ConfirmedFix{}, fmt.Errorf("scanning fix: %w", err)
	}
	if fix.Tables, err = decodeStrings(tables); err != nil {
		return ConfirmedFix{}, err
	}
	if fix.ErrorTags, err = decodeStrings(tags); err != nil {
		return ConfirmedFix{}, err
	}
	if fix.Categories, err = decodeStrings(categories); err != nil {
		return ConfirmedFix{}, err
	}
	fix.ConfirmedAt = time.Unix(0, confirmedAt).UTC()
	if fix.embedding, err = decodeEmbedding(embedding); err != nil {
		return ConfirmedFix{}, fmt.Errorf("fix %s: %w", fix.ID, err)
	}
	return fix, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// encodeEmbedding packs v as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
