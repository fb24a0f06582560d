package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wsync/internal/database/migrations"
	"wsync/internal/vcs"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const timeFormat = time.RFC3339Nano

// SQLiteDatabase implements vcs.Database using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{db: db, path: path, now: time.Now}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, now: time.Now}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: a workspace has a single writer, and every connection to
	// ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

func (s *SQLiteDatabase) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

// Blob operations

func (s *SQLiteDatabase) InsertBlob(ctx context.Context, hash string, content []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (hash, content, size, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		hash, content, len(content), s.timestamp())
	if err != nil {
		return false, fmt.Errorf("inserting blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting blob: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDatabase) LoadBlob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM blobs WHERE hash = ?`, hash).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vcs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading blob: %w", err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

func (s *SQLiteDatabase) HasBlob(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM blobs WHERE hash = ?`, hash)
}

func (s *SQLiteDatabase) ListBlobHashes(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT hash FROM blobs ORDER BY hash`)
}

func (s *SQLiteDatabase) DeleteBlobs(ctx context.Context, hashes []string) error {
	return s.deleteIn(ctx, "blobs", "hash", hashes)
}

// BlobStats returns the number of stored blobs and their total size in bytes.
func (s *SQLiteDatabase) BlobStats(ctx context.Context) (int64, int64, error) {
	var count, size int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("reading blob stats: %w", err)
	}
	return count, size, nil
}

// Snapshot operations

func (s *SQLiteDatabase) InsertSnapshot(ctx context.Context, snap *vcs.Snapshot) error {
	parents, err := json.Marshal(snap.ParentIDs)
	if err != nil {
		return fmt.Errorf("encoding parent ids: %w", err)
	}
	tree, err := vcs.EncodeTree(snap.Tree)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, parent_ids, tree, tree_hash, author, created_at, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		snap.ID, string(parents), string(tree), snap.Tree.Hash(), snap.Author,
		snap.Timestamp.UTC().Format(timeFormat), snap.Message)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) LoadSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	var parents, tree, createdAt string
	snap := &vcs.Snapshot{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT parent_ids, tree, author, created_at, message FROM snapshots WHERE id = ?`, id).
		Scan(&parents, &tree, &snap.Author, &createdAt, &snap.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vcs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(parents), &snap.ParentIDs); err != nil {
		return nil, fmt.Errorf("decoding parent ids of %s: %w", id, err)
	}
	if snap.ParentIDs == nil {
		snap.ParentIDs = []string{}
	}
	if snap.Tree, err = vcs.DecodeTree([]byte(tree)); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	if snap.Timestamp, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing timestamp of %s: %w", id, err)
	}
	return snap, nil
}

func (s *SQLiteDatabase) HasSnapshot(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM snapshots WHERE id = ?`, id)
}

func (s *SQLiteDatabase) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM snapshots ORDER BY id`)
}

func (s *SQLiteDatabase) DeleteSnapshots(ctx context.Context, ids []string) error {
	return s.deleteIn(ctx, "snapshots", "id", ids)
}

// Branch operations

func (s *SQLiteDatabase) GetBranch(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_id FROM branches WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vcs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading branch: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) ListBranches(ctx context.Context) ([]vcs.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, snapshot_id FROM branches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var out []vcs.Branch
	for rows.Next() {
		var b vcs.Branch
		if err := rows.Scan(&b.Name, &b.SnapshotID); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) MoveBranch(ctx context.Context, name, from, to string) error {
	if from == "" {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO branches (name, snapshot_id, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO NOTHING`,
			name, to, s.timestamp())
		if err != nil {
			return fmt.Errorf("creating branch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("branch %s: %w", name, vcs.ErrAlreadyExists)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET snapshot_id = ?, updated_at = ? WHERE name = ? AND snapshot_id = ?`,
		to, s.timestamp(), name, from)
	if err != nil {
		return fmt.Errorf("moving branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("branch %s no longer at %s: %w", name, vcs.ShortHash(from), vcs.ErrStalePointer)
	}
	return nil
}

func (s *SQLiteDatabase) RenameBranch(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE name = ?`, newName).Scan(&taken); err != nil {
		return fmt.Errorf("checking branch %s: %w", newName, err)
	}
	if taken > 0 {
		return fmt.Errorf("branch %s: %w", newName, vcs.ErrAlreadyExists)
	}

	res, err := tx.ExecContext(ctx, `UPDATE branches SET name = ?, updated_at = ? WHERE name = ?`,
		newName, s.timestamp(), oldName)
	if err != nil {
		return fmt.Errorf("renaming branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("branch %s: %w", oldName, vcs.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workspace_state SET value = ? WHERE key = 'active_branch' AND value = ?`,
		newName, oldName); err != nil {
		return fmt.Errorf("updating active branch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteBranch(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("branch %s: %w", name, vcs.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) ActiveBranch(ctx context.Context) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM workspace_state WHERE key = 'active_branch'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading active branch: %w", err)
	}
	return name, nil
}

func (s *SQLiteDatabase) SetActiveBranch(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_state (key, value) VALUES ('active_branch', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, name)
	if err != nil {
		return fmt.Errorf("setting active branch: %w", err)
	}
	return nil
}

// helpers

func (s *SQLiteDatabase) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	return true, nil
}

func (s *SQLiteDatabase) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// deleteIn deletes rows whose column matches any of keys, in batches below SQLite's
// bound parameter limit, inside one transaction.
func (s *SQLiteDatabase) deleteIn(ctx context.Context, table, column string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		chunk := keys[start:end]

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, column, placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements vcs.Database interface
var _ vcs.Database = (*SQLiteDatabase)(nil)
