package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryDir is the data directory value that opens an in-memory database.
const MemoryDir = ":memory:"

var (
	// ErrInvalidProject is returned for project names that are not safe file names.
	ErrInvalidProject = errors.New("invalid project name")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound       = errors.New("not found")
)

var projectPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateProject reports whether project may be used as a database file name.
func ValidateProject(project string) error {
	if !projectPattern.MatchString(project) {
		return fmt.Errorf("%w: %q (only letters, digits, '-' and '_' are allowed)", ErrInvalidProject, project)
	}
	return nil
}

// Path returns <dataDir>/knowledge/<project>.db. The project name is checked
// before anything touches the filesystem.
func Path(dataDir, project string) (string, error) {
	if err := ValidateProject(project); err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "knowledge", project+".db"), nil
}

// Execer is satisfied by *DB, *sql.DB, *sql.Tx and *Batch. Upserts accept it so
// callers decide where transactions begin and end.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB is one project's knowledge database.
type DB struct {
	db      *sql.DB
	project string
	path    string
}

// Open opens (or creates) the knowledge database for project under dataDir and
// applies pending migrations. Pass MemoryDir for an in-memory database.
func Open(dataDir, project string) (*DB, error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}

	var dsn string
	if dataDir == MemoryDir {
		dsn = MemoryDir
	} else {
		path, _ := Path(dataDir, project)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating knowledge directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	d := &DB{db: db, project: project, path: dsn}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Project returns the project this database belongs to.
func (d *DB) Project() string { return d.project }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on the project database.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := d.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Batch groups upserts into transactions of at most size records.
type Batch struct {
	db      *DB
	tx      *sql.Tx
	size    int
	pending int
}

// NewBatch begins a batch that commits every size records.
func (d *DB) NewBatch(ctx context.Context, size int) (*Batch, error) {
	if size <= 0 {
		size = 1
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning batch: %w", err)
	}
	return &Batch{db: d, tx: tx, size: size}, nil
}

func (b *Batch) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.tx.ExecContext(ctx, query, args...)
}

// Add records one written item and commits when the batch is full.
func (b *Batch) Add(ctx context.Context) error {
	b.pending++
	if b.pending < b.size {
		return nil
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	b.pending = 0
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		b.tx = nil
		return fmt.Errorf("beginning batch: %w", err)
	}
	b.tx = tx
	return nil
}

// Commit flushes the open transaction.
func (b *Batch) Commit() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Commit()
	b.tx = nil
	return err
}

// Rollback discards uncommitted records. Safe after Commit.
func (b *Batch) Rollback() {
	if b.tx != nil {
		b.tx.Rollback()
		b.tx = nil
	}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
