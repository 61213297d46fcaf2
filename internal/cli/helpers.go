package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/mesh-intelligence/smlmstore/internal/keys"
	"github.com/mesh-intelligence/smlmstore/internal/paths"
	"github.com/mesh-intelligence/smlmstore/internal/sqlite"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// attachBackend resolves the data directory and attaches a SQLite backend.
// The caller must defer backend.Detach().
func (a *app) attachBackend() (*sqlite.Backend, error) {
	dataDir, err := paths.ResolveDataDir(a.flags.dataDir, a.config.GetString(cfgKeyDataDir))
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg, err := storeConfig(a.config, dataDir)
	if err != nil {
		return nil, err
	}
	backend := sqlite.NewBackend(sqlite.WithLogger(a.logger))
	if err := backend.Attach(cfg); err != nil {
		return nil, fmt.Errorf("attach datastore: %w", err)
	}
	return backend, nil
}

// parseFilters turns field=value arguments into query filters. Values that
// look like JSON arrays are decoded, so posID can be given as [1,2].
func parseFilters(args []string) (map[string]any, error) {
	filters := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid filter %q (expected field=value)", arg)
		}
		var parsed any = value
		if strings.HasPrefix(value, "[") {
			if err := json.Unmarshal([]byte(value), &parsed); err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", arg, err)
			}
		}
		filters[name] = parsed
	}
	return filters, nil
}

// identifierForKey decodes key as a record of datasetType, or as the primary
// record the key names when datasetType is empty.
func identifierForKey(reg *types.Registry, key, datasetType string) (types.Identifier, error) {
	if datasetType == "" {
		return keys.Decode(key)
	}
	dt, err := reg.Lookup(datasetType)
	if err != nil {
		return types.Identifier{}, err
	}
	return keys.DecodeAs(key, dt.Name, dt.AttributeOf)
}

// loadTable reads the table stored under key.
func loadTable(b *sqlite.Backend, key string) (types.Identifier, *types.Table, error) {
	id, err := identifierForKey(b.Registry(), key, "")
	if err != nil {
		return id, nil, err
	}
	ds, err := b.Get(id)
	if err != nil {
		return id, nil, err
	}
	tbl, ok := ds.Data.(*types.Table)
	if !ok {
		return id, nil, fmt.Errorf("%w: %s holds %s, not a table", types.ErrPayloadKind, key, ds.Data.Kind())
	}
	return ds.ID, tbl, nil
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// renderTable writes rows under header as an aligned text table.
func renderTable(w io.Writer, header []string, rows [][]string) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetBorder(false)
	tw.AppendBulk(rows)
	tw.Render()
}

var identifierHeader = []string{"key", "datasetType", "prefix", "acqID", "channelID", "posID", "sliceID", "dateID", "replicateID"}

// identifierRow formats id for renderTable under identifierHeader.
func identifierRow(id types.Identifier) []string {
	key, err := keys.Encode(id)
	if err != nil {
		key = "?"
	}
	opt := func(s *string) string {
		if s == nil {
			return types.NoneValue
		}
		return *s
	}
	optInt := func(n *int) string {
		if n == nil {
			return types.NoneValue
		}
		return strconv.Itoa(*n)
	}
	pos := types.NoneValue
	if len(id.PosID) > 0 {
		parts := make([]string, len(id.PosID))
		for i, p := range id.PosID {
			parts[i] = strconv.Itoa(p)
		}
		pos = "(" + strings.Join(parts, ", ") + ")"
	}
	return []string{key, id.DatasetType, id.Prefix, strconv.Itoa(id.AcqID), opt(id.ChannelID), pos, optInt(id.SliceID), opt(id.DateID), optInt(id.ReplicateID)}
}

// writeFileAtomic writes data to path using the temp-file, fsync, rename
// pattern.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
