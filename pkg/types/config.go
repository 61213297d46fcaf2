package types

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// Config holds backend selection and parameters for Datastore.Attach.
type Config struct {
	Backend   string `json:"backend" yaml:"backend"`
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	StoreName string `json:"store_name" yaml:"store_name"`

	// LockTimeout bounds how long Lock waits for another writer. Zero means
	// DefaultLockTimeout.
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// WidefieldPixelSize, when positive, is recorded with every widefield
	// image as its pixel size in micrometers.
	WidefieldPixelSize float64 `json:"widefield_pixel_size" yaml:"widefield_pixel_size"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Defaults applied by Config accessors.
const (
	DefaultStoreName   = "smlm.db"
	DefaultLockTimeout = 5 * time.Second
)

// Config validation errors.
var (
	ErrBackendEmpty     = errors.New("backend must not be empty")
	ErrBackendUnknown   = errors.New("unknown backend")
	ErrStoreNameInvalid = errors.New("store name must be a plain file name")
	ErrLockTimeoutRange = errors.New("lock timeout must not be negative")
	ErrPixelSizeRange   = errors.New("widefield pixel size must not be negative")
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.StoreName != "" && (strings.ContainsAny(c.StoreName, `/\`) || c.StoreName == "." || c.StoreName == "..") {
		return ErrStoreNameInvalid
	}
	if c.LockTimeout < 0 {
		return ErrLockTimeoutRange
	}
	if c.WidefieldPixelSize < 0 {
		return ErrPixelSizeRange
	}
	return nil
}

// StorePath returns the path of the backing file.
func (c Config) StorePath() string {
	dir := c.DataDir
	if dir == "" {
		dir = "."
	}
	name := c.StoreName
	if name == "" {
		name = DefaultStoreName
	}
	return filepath.Join(dir, name)
}

// Timeout returns LockTimeout or the default.
func (c Config) Timeout() time.Duration {
	if c.LockTimeout == 0 {
		return DefaultLockTimeout
	}
	return c.LockTimeout
}
