package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mesh-intelligence/smlmstore/internal/keys"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Put writes one record and its identifier attributes, then appends the
// identifier to the index. The record, its attributes and the updated
// persisted index are committed in one transaction.
//
// A primary record fails with ErrKeyExists when its key is taken. An
// attribute record must find its target already stored at the same key
// (ErrAttributeTargetMissing) and fails with ErrKeyExists when the target
// already carries an attribute record.
func (b *Backend) Put(ds types.Dataset) error {
	id := ds.ID
	if err := id.Validate(); err != nil {
		return err
	}
	dt, err := b.registry.Lookup(id.DatasetType)
	if err != nil {
		return err
	}
	id.AttributeOf = dt.AttributeOf
	if ds.Data == nil || ds.Data.Kind() != dt.Kind {
		return fmt.Errorf("%w: %s expects a %s payload", types.ErrPayloadKind, dt.Name, dt.Kind)
	}

	key, err := keys.Encode(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.writableLocked(); err != nil {
		return err
	}

	tx, err := b.db.Begin()
	if err != nil {
		return storageErr("begin put", err)
	}
	defer tx.Rollback()

	if id.IsAttribute() {
		err = b.putAttributeRecord(tx, key, id, ds.Data)
	} else {
		err = b.putPrimaryRecord(tx, key, id, ds.Data)
	}
	if err != nil {
		return err
	}

	next := append(slices.Clone(b.index), id)
	if err := b.writeStateLocked(tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit put", err)
	}

	b.appendIndexLocked(id)
	b.logger.Debug("dataset stored", "key", key, "dataset_type", id.DatasetType)
	return nil
}

func (b *Backend) putPrimaryRecord(tx *sql.Tx, key string, id types.Identifier, data types.Payload) error {
	exists, err := nodeExists(tx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", types.ErrKeyExists, key)
	}
	if err := ensureGroups(tx, id); err != nil {
		return err
	}

	attrs, err := identityAttributes(id)
	if err != nil {
		return err
	}

	switch p := data.(type) {
	case *types.Table:
		if err := insertNode(tx, key, nodeTable, p.Len(), len(p.Columns())); err != nil {
			return err
		}
		for i, name := range p.Columns() {
			vals, _ := p.Column(name)
			if err := insertColumn(tx, key, i, name, vals); err != nil {
				return err
			}
		}
	case *types.Image:
		if err := insertNode(tx, key, nodeImage, p.Rows, p.Cols); err != nil {
			return err
		}
		if err := insertColumn(tx, key, 0, imageColumn, p.Pix); err != nil {
			return err
		}
		if px := b.config.WidefieldPixelSize; px > 0 {
			raw, _ := json.Marshal([]float64{1, px, px})
			attrs[elementSizeAttr] = string(raw)
		}
	default:
		return fmt.Errorf("%w: cannot store %T as a primary record", types.ErrPayloadKind, data)
	}

	return insertAttributes(tx, key, attrs)
}

func (b *Backend) putAttributeRecord(tx *sql.Tx, key string, id types.Identifier, data types.Payload) error {
	md, ok := data.(types.Metadata)
	if !ok {
		return fmt.Errorf("%w: attribute records hold metadata, got %T", types.ErrPayloadKind, data)
	}

	var targetType string
	err := tx.QueryRow(
		"SELECT value FROM attributes WHERE node_key = ? AND name = ?",
		key, attrPrefix+types.FieldDatasetType,
	).Scan(&targetType)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && targetType != id.AttributeOf) {
		return fmt.Errorf("%w: %s needs a %s record at %s", types.ErrAttributeTargetMissing, id.DatasetType, id.AttributeOf, key)
	}
	if err != nil {
		return storageErr("read attribute target", err)
	}

	var marker string
	err = tx.QueryRow(
		"SELECT value FROM attributes WHERE node_key = ? AND name = ?", key, metadataTypeAttr,
	).Scan(&marker)
	if err == nil {
		return fmt.Errorf("%w: %s already carries %s", types.ErrKeyExists, key, marker)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storageErr("read attribute marker", err)
	}

	attrs := map[string]string{metadataTypeAttr: id.DatasetType}
	for k, v := range md {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: metadata %q: %w", types.ErrPayloadKind, k, err)
		}
		attrs[metadataPrefix+k] = string(raw)
	}
	return insertAttributes(tx, key, attrs)
}

func nodeExists(q interface {
	QueryRow(string, ...any) *sql.Row
}, key string) (bool, error) {
	var one int
	err := q.QueryRow("SELECT 1 FROM nodes WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check node", err)
	}
	return true, nil
}

// ensureGroups creates the prefix and acquisition group nodes if missing.
func ensureGroups(tx *sql.Tx, id types.Identifier) error {
	group := keys.Group(id)
	for _, n := range []struct{ key, parent string }{
		{id.Prefix, ""},
		{group, id.Prefix},
	} {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO nodes (key, parent, kind) VALUES (?, ?, ?)",
			n.key, n.parent, nodeGroup,
		); err != nil {
			return storageErr("create group", err)
		}
	}
	return nil
}

func insertNode(tx *sql.Tx, key, kind string, rows, cols int) error {
	if _, err := tx.Exec(
		"INSERT INTO nodes (key, parent, kind, nrows, ncols) VALUES (?, ?, ?, ?, ?)",
		key, keys.Parent(key), kind, rows, cols,
	); err != nil {
		return storageErr("create node", err)
	}
	return nil
}

func insertColumn(tx *sql.Tx, key string, ordinal int, name string, vals []float64) error {
	blob, err := encodeColumn(vals)
	if err != nil {
		return fmt.Errorf("%w: column %q: %w", types.ErrStorage, name, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO columns (node_key, ordinal, name, data) VALUES (?, ?, ?, ?)",
		key, ordinal, name, blob,
	); err != nil {
		return storageErr("write column", err)
	}
	return nil
}

func insertAttributes(tx *sql.Tx, key string, attrs map[string]string) error {
	stmt, err := tx.Prepare("INSERT INTO attributes (node_key, name, value) VALUES (?, ?, ?)")
	if err != nil {
		return storageErr("prepare attributes", err)
	}
	defer stmt.Close()

	names := make([]string, 0, len(attrs))
	for n := range attrs {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		if _, err := stmt.Exec(key, n, attrs[n]); err != nil {
			return storageErr("write attribute "+n, err)
		}
	}
	return nil
}
