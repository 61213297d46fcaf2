package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/smlmstore/internal/keys"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Get reads the record named by id. The identifier of the returned dataset
// is rebuilt from the stored attributes, not copied from id.
func (b *Backend) Get(id types.Identifier) (types.Dataset, error) {
	if err := id.Validate(); err != nil {
		return types.Dataset{}, err
	}
	dt, err := b.registry.Lookup(id.DatasetType)
	if err != nil {
		return types.Dataset{}, err
	}
	id.AttributeOf = dt.AttributeOf

	key, err := keys.Encode(id)
	if err != nil {
		return types.Dataset{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.Dataset{}, types.ErrDetached
	}

	attrs, err := b.readAttributes(key)
	if err != nil {
		return types.Dataset{}, err
	}

	if id.IsAttribute() {
		return b.getAttributeRecord(key, id, attrs)
	}
	if attrs[attrPrefix+types.FieldDatasetType] != id.DatasetType {
		return types.Dataset{}, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
	return b.getPrimaryRecord(key, attrs)
}

// GetFields is Get for a field-name mapping. Only the fields that take part
// in the key are needed.
func (b *Backend) GetFields(fields map[string]any) (types.Dataset, error) {
	id, err := types.IdentifierFromFields(fields)
	if err != nil {
		return types.Dataset{}, err
	}
	return b.Get(id)
}

func (b *Backend) getPrimaryRecord(key string, attrs map[string]string) (types.Dataset, error) {
	var kind string
	var rows, cols int
	err := b.db.QueryRow("SELECT kind, nrows, ncols FROM nodes WHERE key = ?", key).Scan(&kind, &rows, &cols)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Dataset{}, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
	if err != nil {
		return types.Dataset{}, storageErr("read node", err)
	}

	stored, err := identityFromAttributes(attrs)
	if err != nil {
		return types.Dataset{}, err
	}

	names, data, err := b.readColumns(key)
	if err != nil {
		return types.Dataset{}, err
	}

	switch kind {
	case nodeTable:
		t, err := types.TableFromColumns(names, data)
		if err != nil {
			return types.Dataset{}, fmt.Errorf("%w: %s: %w", types.ErrStorage, key, err)
		}
		return types.Dataset{ID: stored, Data: t}, nil
	case nodeImage:
		if len(data) != 1 {
			return types.Dataset{}, fmt.Errorf("%w: %s: image node has %d blobs", types.ErrStorage, key, len(data))
		}
		im, err := types.NewImage(rows, cols, data[0])
		if err != nil {
			return types.Dataset{}, fmt.Errorf("%w: %s: %w", types.ErrStorage, key, err)
		}
		return types.Dataset{ID: stored, Data: im}, nil
	default:
		return types.Dataset{}, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
}

func (b *Backend) getAttributeRecord(key string, id types.Identifier, attrs map[string]string) (types.Dataset, error) {
	if attrs[metadataTypeAttr] != id.DatasetType {
		return types.Dataset{}, fmt.Errorf("%w: %s has no %s", types.ErrNotFound, key, id.DatasetType)
	}

	stored, err := identityFromAttributes(attrs)
	if err != nil {
		return types.Dataset{}, err
	}
	stored.DatasetType = id.DatasetType
	stored.AttributeOf = id.AttributeOf

	md := types.Metadata{}
	for name, raw := range attrs {
		k, ok := strings.CutPrefix(name, metadataPrefix)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return types.Dataset{}, fmt.Errorf("%w: metadata %q: %w", types.ErrStorage, k, err)
		}
		md[k] = v
	}
	return types.Dataset{ID: stored, Data: md}, nil
}

// readAttributes returns every attribute stored on key. A missing node yields
// an empty map.
func (b *Backend) readAttributes(key string) (map[string]string, error) {
	rows, err := b.db.Query("SELECT name, value FROM attributes WHERE node_key = ?", key)
	if err != nil {
		return nil, storageErr("read attributes", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, storageErr("scan attribute", err)
		}
		attrs[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read attributes", err)
	}
	return attrs, nil
}

func (b *Backend) readColumns(key string) ([]string, [][]float64, error) {
	rows, err := b.db.Query("SELECT name, data FROM columns WHERE node_key = ? ORDER BY ordinal", key)
	if err != nil {
		return nil, nil, storageErr("read columns", err)
	}
	defer rows.Close()

	var names []string
	var data [][]float64
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, nil, storageErr("scan column", err)
		}
		vals, err := decodeColumn(blob)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: column %q of %s: %w", types.ErrStorage, name, key, err)
		}
		names = append(names, name)
		data = append(data, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storageErr("read columns", err)
	}
	return names, data, nil
}
