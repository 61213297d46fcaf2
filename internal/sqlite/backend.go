// Package sqlite implements the hierarchical SMLM datastore on a single
// SQLite file.
//
// Records live in a node hierarchy mirroring their keys:
// prefix / prefix_acqID / leaf. Leaf nodes hold a table (one NPY column blob
// per column) or an image. Identifier fields are stored as attributes on the
// leaf; attribute records such as LocMetadata are stored as further
// attributes on the leaf they describe. The in-memory index of identifiers is
// persisted in the same file under a reserved key and reloaded on Attach,
// Lock and Refresh.
//
// Writers must hold an advisory lock on a sidecar file next to the store.
// Readers never take it and may observe the state as of the last commit.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/smlmstore/internal/filelock"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// lockSuffix names the sidecar lock file.
const lockSuffix = ".lock"

// Backend implements types.Datastore on SQLite.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
	registry *types.Registry
	logger   *slog.Logger
	lock     *filelock.Lock

	// session identifies the current locked writer; empty when unlocked.
	// Every state write records it, so lastWrite names the writer session
	// that produced the loaded index.
	session   string
	lastWrite WriteInfo

	index   []types.Identifier
	indexed map[string]bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithRegistry sets the dataset-type registry. The default is
// types.DefaultRegistry().
func WithRegistry(r *types.Registry) Option {
	return func(b *Backend) { b.registry = r }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{indexed: make(map[string]bool)}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = types.DefaultRegistry()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Registry returns the dataset-type registry in use.
func (b *Backend) Registry() *types.Registry { return b.registry }

// Attach opens or creates the store file and loads the persisted index.
// Existing data is kept.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	path := config.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %w", types.ErrStorage, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", types.ErrStorage, path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("%w: apply schema: %w", types.ErrStorage, err)
	}

	b.db = db
	b.config = config
	b.lock = filelock.New(path + lockSuffix)

	if err := b.loadStateLocked(); err != nil {
		db.Close()
		b.db = nil
		return err
	}

	b.attached = true
	b.logger.Debug("datastore attached", "path", path, "records", len(b.index))
	return nil
}

// Detach releases the write lock if held and closes the store.
// Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	var errs []error
	if err := b.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release lock: %w", err))
	}
	if err := b.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: close: %w", types.ErrStorage, err))
	}
	b.db = nil
	b.attached = false
	b.session = ""
	b.index = nil
	b.indexed = make(map[string]bool)
	return errors.Join(errs...)
}

// Path returns the path of the attached store file.
func (b *Backend) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.StorePath()
}

// Lock takes the advisory write lock, waiting up to Config.LockTimeout. The
// index is reloaded after the lock is taken so that it includes every write
// made by earlier holders.
func (b *Backend) Lock(ctx context.Context) error {
	b.mu.RLock()
	if !b.attached {
		b.mu.RUnlock()
		return types.ErrDetached
	}
	lock, timeout := b.lock, b.config.Timeout()
	b.mu.RUnlock()

	if err := lock.Acquire(ctx, timeout); err != nil {
		if errors.Is(err, filelock.ErrTimeout) {
			return fmt.Errorf("%w: %w", types.ErrLockTimeout, err)
		}
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadStateLocked(); err != nil {
		_ = lock.Release()
		return err
	}
	b.session = uuid.NewString()
	b.logger.Debug("datastore locked", "path", lock.Path(), "session", b.session)
	return nil
}

// WriteInfo describes the session that last persisted the index.
type WriteInfo struct {
	Session   string
	UpdatedAt time.Time
}

// LastWrite returns the writer session and time recorded with the index as
// of the last Attach, Lock or Refresh. It is zero for a store never written.
func (b *Backend) LastWrite() WriteInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastWrite
}

// Unlock releases the write lock. Unlock is idempotent.
func (b *Backend) Unlock() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock == nil {
		return nil
	}
	b.session = ""
	return b.lock.Release()
}

// Locked reports whether this backend holds the write lock.
func (b *Backend) Locked() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lock != nil && b.lock.Held()
}

// Update runs fn while holding the write lock.
func (b *Backend) Update(ctx context.Context, fn func(types.Datastore) error) (err error) {
	if err := b.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := b.Unlock(); err == nil {
			err = uerr
		}
	}()
	return fn(b)
}

// writableLocked checks the preconditions shared by every mutation.
// The caller must hold b.mu.
func (b *Backend) writableLocked() error {
	if !b.attached {
		return types.ErrDetached
	}
	if !b.lock.Held() {
		return types.ErrFileNotLocked
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrStorage, op, err)
}
