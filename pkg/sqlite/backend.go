// Package sqlite provides the public API for the SQLite datastore backend.
// It exposes the factory while keeping the implementation internal.
package sqlite

import (
	"log/slog"

	"github.com/mesh-intelligence/smlmstore/internal/sqlite"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// NewBackend creates a new SQLite datastore. A nil registry means
// types.DefaultRegistry(); a nil logger means slog.Default().
// The backend is not attached; call Attach with a Config to initialize.
//
// Example:
//
//	ds := sqlite.NewBackend(nil, nil)
//	err := ds.Attach(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".smlmstore-db",
//	})
//	defer ds.Detach()
func NewBackend(registry *types.Registry, logger *slog.Logger) types.Datastore {
	var opts []sqlite.Option
	if registry != nil {
		opts = append(opts, sqlite.WithRegistry(registry))
	}
	if logger != nil {
		opts = append(opts, sqlite.WithLogger(logger))
	}
	return sqlite.NewBackend(opts...)
}
