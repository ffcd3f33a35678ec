package knowledge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrSyncInProgress is returned by Manager.Lock when another process holds the
// project's sync lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// Manager owns the open knowledge databases of all projects. It is constructed
// once at startup and passed to whatever needs project databases.
type Manager struct {
	dataDir string

	mu  sync.Mutex
	dbs map[string]*DB
}

// NewManager returns a Manager rooted at dataDir. Pass MemoryDir for tests.
func NewManager(dataDir string) *Manager {
	return &Manager{dataDir: dataDir, dbs: make(map[string]*DB)}
}

// DataDir returns the root data directory.
func (m *Manager) DataDir() string { return m.dataDir }

// Get returns the database for project, opening and migrating it on first use.
func (m *Manager) Get(project string) (*DB, error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.dbs[project]; ok {
		return db, nil
	}
	db, err := Open(m.dataDir, project)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge db for %s: %w", project, err)
	}
	m.dbs[project] = db
	return db, nil
}

// Exists reports whether project has a database, without creating one.
func (m *Manager) Exists(project string) bool {
	if ValidateProject(project) != nil {
		return false
	}
	m.mu.Lock()
	_, open := m.dbs[project]
	m.mu.Unlock()
	if open || m.dataDir == MemoryDir {
		return open
	}
	path, _ := Path(m.dataDir, project)
	_, err := os.Stat(path)
	return err == nil
}

// Lock takes the cross-process sync lock for project. The returned function
// releases it. In-memory managers use no lock file.
func (m *Manager) Lock(project string) (func(), error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}
	if m.dataDir == MemoryDir {
		return func() {}, nil
	}

	dir := filepath.Join(m.dataDir, "knowledge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating knowledge directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, project+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock for %s: %w", project, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w for %s", ErrSyncInProgress, project)
	}
	return func() { _ = lock.Unlock() }, nil
}

// Close closes every open database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
		delete(m.dbs, name)
	}
	return errors.Join(errs...)
}
