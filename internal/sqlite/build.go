package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Build walks dir once and ingests every file whose name ends with, or
// matches the pattern "*"+s for, the filename string s of a dataset type.
// Primary types are ingested before attribute types. A nil filenameStrings
// uses the registry defaults.
//
// Files that fail to parse, read or store are logged, recorded in the
// summary and skipped. Errors that make further writes impossible (no lock,
// detached store, storage failure) and context cancellation abort the build.
func (b *Backend) Build(ctx context.Context, parser types.Parser, dir string, filenameStrings map[string]string, opts types.BuildOptions) (*types.BuildSummary, error) {
	if parser == nil {
		return nil, types.ErrParserNotInitialized
	}
	if filenameStrings == nil {
		filenameStrings = b.registry.FilenameStrings()
	}
	for name := range filenameStrings {
		if _, err := b.registry.Lookup(name); err != nil {
			return nil, err
		}
	}

	b.mu.RLock()
	attached, locked := b.attached, b.lock != nil && b.lock.Held()
	b.mu.RUnlock()
	if !attached {
		return nil, types.ErrDetached
	}
	if !opts.DryRun && !locked {
		return nil, types.ErrFileNotLocked
	}

	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	summary := &types.BuildSummary{DryRun: opts.DryRun}
	for _, datasetType := range b.registry.BuildOrder() {
		pattern, ok := filenameStrings[datasetType]
		if !ok || pattern == "" {
			continue
		}
		for _, path := range files {
			if !matchesFilename(filepath.Base(path), pattern) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			id, err := b.buildOne(parser, path, datasetType, opts)
			if err != nil {
				if isFatalBuildErr(err) {
					return summary, err
				}
				b.logger.Warn("skipping file", "path", path, "dataset_type", datasetType, "error", err)
				summary.Failures = append(summary.Failures, types.BuildFailure{Path: path, DatasetType: datasetType, Err: err})
				continue
			}
			summary.Records = append(summary.Records, types.BuildRecord{ID: id, Path: path})
		}
	}

	slices.SortStableFunc(summary.Records, func(a, c types.BuildRecord) int {
		if n := strings.Compare(a.ID.Prefix, c.ID.Prefix); n != 0 {
			return n
		}
		return a.ID.AcqID - c.ID.AcqID
	})

	b.logger.Info("build finished",
		"dir", dir,
		"dry_run", opts.DryRun,
		"records", len(summary.Records),
		"failures", len(summary.Failures),
	)
	return summary, nil
}

func (b *Backend) buildOne(parser types.Parser, path, datasetType string, opts types.BuildOptions) (types.Identifier, error) {
	if err := parser.ParseFilename(path, datasetType); err != nil {
		return types.Identifier{}, err
	}
	parsed, err := parser.Dataset()
	if err != nil {
		return types.Identifier{}, err
	}
	id, err := parsed.Identifier()
	if err != nil {
		return id, err
	}
	id, err = b.registry.Normalize(id)
	if err != nil {
		return id, err
	}
	if err := id.Validate(); err != nil {
		return id, err
	}
	if opts.DryRun {
		return id, nil
	}

	data, err := parsed.Data(opts.ReaderOptions)
	if err != nil {
		return id, fmt.Errorf("read %s: %w", path, err)
	}
	if err := b.Put(types.Dataset{ID: id, Data: data}); err != nil {
		return id, err
	}
	return id, nil
}

func isFatalBuildErr(err error) bool {
	return errors.Is(err, types.ErrFileNotLocked) ||
		errors.Is(err, types.ErrDetached) ||
		errors.Is(err, types.ErrStorage)
}

// listFiles returns every regular file under dir in lexical order.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

func matchesFilename(base, pattern string) bool {
	if strings.HasSuffix(base, pattern) {
		return true
	}
	ok, err := filepath.Match("*"+pattern, base)
	return err == nil && ok
}
