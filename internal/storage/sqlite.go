package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	fverr "github.com/framevault/framevault/internal/errors"
)

// SQLiteBackend stores objects as BLOBs in a SQLite database, one row
// per object keyed by the full storage path. Suitable for embedded
// single-file deployments and for frame counts that fit comfortably in
// a database page cache.
type SQLiteBackend struct {
	db     *sql.DB
	prefix string
}

// NewSQLiteBackend opens (creating if necessary) the database at dbPath
// and scopes the backend to prefix.
func NewSQLiteBackend(dbPath, prefix string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db, prefix: prefix}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

// initDB applies PRAGMAs and creates the object table.
func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS object_data (
			path TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Prefix returns the dataset-scoped prefix.
func (b *SQLiteBackend) Prefix() string { return b.prefix }

// path maps a relative name to the stored full key.
func (b *SQLiteBackend) path(name string) string {
	return b.prefix + "/" + name
}

// Exists reports whether the named object row is present.
func (b *SQLiteBackend) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM object_data WHERE path = ?`, b.path(name),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %q: %w", name, err)
	}
	return true, nil
}

// Put stores the object as a BLOB. INSERT OR REPLACE keeps re-uploads
// idempotent.
func (b *SQLiteBackend) Put(ctx context.Context, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (path, data) VALUES (?, ?)`,
		b.path(name), data,
	)
	if err != nil {
		return fmt.Errorf("putting object %q: %w", name, err)
	}
	return nil
}

// Get retrieves the object's bytes.
func (b *SQLiteBackend) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM object_data WHERE path = ?`, b.path(name),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fverr.ErrObjectNotFound.WithField("path", b.path(name))
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", name, err)
	}
	return data, nil
}

// List returns all object names under the prefix, sorted.
func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT path FROM object_data WHERE path LIKE ? ESCAPE '\'`,
		likePrefix(b.prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("listing prefix %q: %w", b.prefix, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scanning object path: %w", err)
		}
		names = append(names, trimPrefix(path, b.prefix))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object paths: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// AssertUnique fails if any object row exists under the prefix.
func (b *SQLiteBackend) AssertUnique(ctx context.Context) error {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM object_data WHERE path LIKE ? ESCAPE '\' LIMIT 1`,
		likePrefix(b.prefix)+"%",
	).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking prefix %q: %w", b.prefix, err)
	}
	return fverr.ErrPrefixExists.WithField("prefix", b.prefix)
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fverr.ErrStorageUnavailable.WithMessage("sqlite storage: %v", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in a prefix and appends the
// path separator, so raw_frames/AB-1 does not match raw_frames/AB-10.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "/"
}
