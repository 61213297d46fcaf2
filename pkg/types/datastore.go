package types

import (
	"context"
	"fmt"
	"iter"

	"github.com/hashicorp/go-multierror"
)

// Version is stamped into every stored record and into the persisted
// datastore state.
const Version = "0.3.0"

// Datastore is a hierarchical, file-backed store of Datasets keyed by
// encoded Identifiers. Reads never need the write lock; Put and Build do.
type Datastore interface {
	// Attach opens or creates the backing file described by config and
	// loads the persisted index. Returns ErrAlreadyAttached when attached.
	Attach(config Config) error

	// Detach releases the lock if held and closes the backing file.
	// Idempotent.
	Detach() error

	// Lock takes the advisory write lock, waiting up to the configured
	// timeout. Returns ErrLockTimeout when another writer holds it. On
	// success the index is reloaded so it reflects every prior writer.
	Lock(ctx context.Context) error

	// Unlock releases the write lock. Idempotent.
	Unlock() error

	// Update runs fn between Lock and Unlock.
	Update(ctx context.Context, fn func(Datastore) error) error

	// Put writes one record. Requires the lock.
	Put(ds Dataset) error

	// Get reads the record named by id. The returned identifier is rebuilt
	// from the stored attributes.
	Get(id Identifier) (Dataset, error)

	// GetFields is Get for a partial field-name mapping holding enough
	// fields to compute the key.
	GetFields(fields map[string]any) (Dataset, error)

	// Query returns the indexed identifiers of datasetType whose fields
	// equal every filter value.
	Query(datasetType string, filters map[string]any) ([]Identifier, error)

	// Build ingests every file under dir matched by filenameStrings.
	Build(ctx context.Context, parser Parser, dir string, filenameStrings map[string]string, opts BuildOptions) (*BuildSummary, error)

	// Len returns the number of indexed records.
	Len() int

	// At returns the i-th indexed identifier in insertion order.
	At(i int) (Identifier, error)

	// All iterates the indexed identifiers in insertion order.
	All() iter.Seq[Identifier]

	// Contains reports whether id is indexed.
	Contains(id Identifier) bool

	// Refresh reloads the index from the backing file.
	Refresh() error
}

// Reader materializes the payload of one file.
type Reader func(path string, opts ReaderOptions) (Payload, error)

// ReaderOptions carries reader settings for a build or a single read.
type ReaderOptions struct {
	// Header renames CSV columns through FormatMap.Forward. Nil keeps the
	// file's headers.
	Header *FormatMap

	// Comma is the CSV field separator. Zero means ','.
	Comma rune
}

// Parser derives identifiers from file paths. ParseFilename must be called
// before Dataset.
type Parser interface {
	ParseFilename(path, datasetType string) error
	Dataset() (*ParsedDataset, error)
}

// ParsedDataset is what a Parser learned about one file. The payload is read
// only when Data is called.
type ParsedDataset struct {
	DatasetIDs  map[string]any
	DatasetType string

	path   string
	reader Reader
}

// NewParsedDataset returns a ParsedDataset whose Data reads path with reader.
func NewParsedDataset(ids map[string]any, datasetType, path string, reader Reader) *ParsedDataset {
	return &ParsedDataset{DatasetIDs: ids, DatasetType: datasetType, path: path, reader: reader}
}

// Path returns the file the dataset was parsed from.
func (p *ParsedDataset) Path() string { return p.path }

// Identifier builds the Identifier described by DatasetIDs and DatasetType.
func (p *ParsedDataset) Identifier() (Identifier, error) {
	id, err := IdentifierFromFields(p.DatasetIDs)
	if err != nil {
		return id, err
	}
	id.DatasetType = p.DatasetType
	return id, nil
}

// Data reads the payload.
func (p *ParsedDataset) Data(opts ReaderOptions) (Payload, error) {
	if p.reader == nil {
		return nil, fmt.Errorf("%w: no reader for %s", ErrParserNotInitialized, p.DatasetType)
	}
	return p.reader(p.path, opts)
}

// BuildOptions controls Datastore.Build.
type BuildOptions struct {
	// DryRun parses every matched file and reports the result without
	// reading payloads or writing. It does not need the lock.
	DryRun bool

	ReaderOptions ReaderOptions
}

// BuildRecord is one successfully parsed (and, unless dry-running, written)
// file.
type BuildRecord struct {
	ID   Identifier
	Path string
}

// BuildFailure is one file skipped by a build.
type BuildFailure struct {
	Path        string
	DatasetType string
	Err         error
}

func (f BuildFailure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Path, f.DatasetType, f.Err)
}

func (f BuildFailure) Unwrap() error { return f.Err }

// BuildSummary reports a build. Records are sorted by prefix then acqID.
type BuildSummary struct {
	DryRun   bool
	Records  []BuildRecord
	Failures []BuildFailure
}

// Err aggregates the per-file failures, or returns nil when there were none.
func (s *BuildSummary) Err() error {
	var merr *multierror.Error
	for _, f := range s.Failures {
		merr = multierror.Append(merr, f)
	}
	return merr.ErrorOrNil()
}
