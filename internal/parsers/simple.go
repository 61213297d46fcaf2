// Package parsers turns file paths into identifiers and lazily readable
// payloads for Datastore.Build.
package parsers

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// SimpleParser reads identifiers from filenames of the form prefix_acqID.ext.
// Spaces in the prefix become underscores. The payload reader is chosen by
// dataset type from Readers, falling back to the reader for the type's
// payload kind.
type SimpleParser struct {
	registry *types.Registry
	readers  map[string]types.Reader

	parsed *types.ParsedDataset
}

// NewSimpleParser returns a parser for the types in registry. A nil registry
// means types.DefaultRegistry(); nil readers means DefaultReaders().
func NewSimpleParser(registry *types.Registry, readers map[string]types.Reader) *SimpleParser {
	if registry == nil {
		registry = types.DefaultRegistry()
	}
	if readers == nil {
		readers = DefaultReaders()
	}
	return &SimpleParser{registry: registry, readers: readers}
}

// ParseFilename parses path as a datasetType file. On failure the parser is
// left uninitialized.
func (p *SimpleParser) ParseFilename(path, datasetType string) error {
	p.parsed = nil

	dt, err := p.registry.Lookup(datasetType)
	if err != nil {
		return err
	}

	base := filepath.Base(path)
	root := strings.TrimSuffix(base, filepath.Ext(base))
	i := strings.LastIndex(root, "_")
	if i <= 0 {
		return fmt.Errorf("%w: %s has no prefix_acqID stem", types.ErrUnparsableFilename, base)
	}
	acqID, err := strconv.Atoi(root[i+1:])
	if err != nil || acqID < 0 {
		return fmt.Errorf("%w: %s: acqID %q is not a non-negative integer", types.ErrUnparsableFilename, base, root[i+1:])
	}
	prefix := strings.ReplaceAll(root[:i], " ", "_")

	reader, ok := p.readers[datasetType]
	if !ok {
		reader = ReaderForKind(dt.Kind)
	}

	p.parsed = types.NewParsedDataset(map[string]any{
		types.FieldPrefix: prefix,
		types.FieldAcqID:  acqID,
	}, datasetType, path, reader)
	return nil
}

// Dataset returns what the last successful ParseFilename learned.
func (p *SimpleParser) Dataset() (*types.ParsedDataset, error) {
	if p.parsed == nil {
		return nil, types.ErrParserNotInitialized
	}
	return p.parsed, nil
}
