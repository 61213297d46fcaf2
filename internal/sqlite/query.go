package sqlite

import (
	"fmt"
	"iter"
	"slices"

	"github.com/mesh-intelligence/smlmstore/internal/keys"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Query returns, in insertion order, the indexed identifiers of datasetType
// whose fields equal every filter value. A nil or "None" filter value matches
// records where the field is absent. Querying is read-only and repeatable.
func (b *Backend) Query(datasetType string, filters map[string]any) ([]types.Identifier, error) {
	if _, err := b.registry.Lookup(datasetType); err != nil {
		return nil, err
	}
	match, err := compileFilters(filters)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}

	out := []types.Identifier{}
	for _, id := range b.index {
		if id.DatasetType == datasetType && match(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Len returns the number of indexed records.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// At returns the i-th indexed identifier.
func (b *Backend) At(i int) (types.Identifier, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.index) {
		return types.Identifier{}, fmt.Errorf("%w: index %d of %d", types.ErrNotFound, i, len(b.index))
	}
	return b.index[i], nil
}

// All iterates over a snapshot of the index.
func (b *Backend) All() iter.Seq[types.Identifier] {
	b.mu.RLock()
	snapshot := slices.Clone(b.index)
	b.mu.RUnlock()
	return slices.Values(snapshot)
}

// Contains reports whether id is indexed. AttributeOf is taken from the
// registry, so callers need not set it.
func (b *Backend) Contains(id types.Identifier) bool {
	if norm, err := b.registry.Normalize(id); err == nil {
		id = norm
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.indexed[indexKey(id)]
}

// Refresh reloads the index from the store file.
func (b *Backend) Refresh() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrDetached
	}
	return b.loadStateLocked()
}

// Node is one entry of the stored hierarchy.
type Node struct {
	Key    string
	Parent string
	Kind   string
}

// Nodes lists the stored hierarchy sorted by key.
func (b *Backend) Nodes() ([]Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}

	rows, err := b.db.Query("SELECT key, parent, kind FROM nodes ORDER BY key")
	if err != nil {
		return nil, storageErr("list nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.Key, &n.Parent, &n.Kind); err != nil {
			return nil, storageErr("scan node", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list nodes", err)
	}
	return out, nil
}

// Children returns the keys stored directly under parent, sorted. An empty
// parent lists the prefix groups.
func (b *Backend) Children(parent string) ([]string, error) {
	nodes, err := b.Nodes()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range nodes {
		if n.Parent == parent {
			out = append(out, n.Key)
		}
	}
	return out, nil
}

// compileFilters validates filters and returns the predicate they describe.
func compileFilters(filters map[string]any) (func(types.Identifier) bool, error) {
	type check func(map[string]any) bool
	var checks []check

	for name, want := range filters {
		if !slices.Contains(types.IdentifierFields, name) {
			return nil, fmt.Errorf("%w: unknown field %q", types.ErrInvalidFilter, name)
		}
		if want == nil || want == types.NoneValue {
			checks = append(checks, func(f map[string]any) bool { return f[name] == nil })
			continue
		}

		switch name {
		case types.FieldAcqID, types.FieldSliceID, types.FieldReplicateID:
			n, ok := types.NormalizeInt(want)
			if !ok {
				return nil, fmt.Errorf("%w: %s wants an integer, got %v", types.ErrInvalidFilter, name, want)
			}
			checks = append(checks, func(f map[string]any) bool {
				got, ok := f[name].(int)
				return ok && got == n
			})
		case types.FieldPosID:
			probe, err := types.IdentifierFromFields(map[string]any{
				types.FieldPrefix: "p", types.FieldAcqID: 0, types.FieldPosID: want,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: %w", types.ErrInvalidFilter, err)
			}
			pos := probe.PosID
			checks = append(checks, func(f map[string]any) bool {
				got, ok := f[name].([]int)
				return ok && slices.Equal(got, pos)
			})
		default:
			s, ok := want.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s wants a string, got %T", types.ErrInvalidFilter, name, want)
			}
			checks = append(checks, func(f map[string]any) bool {
				got, ok := f[name].(string)
				return ok && got == s
			})
		}
	}

	return func(id types.Identifier) bool {
		if len(checks) == 0 {
			return true
		}
		fields := id.Fields()
		for _, c := range checks {
			if !c(fields) {
				return false
			}
		}
		return true
	}, nil
}

// Key returns the storage key of id after filling AttributeOf from the
// registry.
func (b *Backend) Key(id types.Identifier) (string, error) {
	norm, err := b.registry.Normalize(id)
	if err != nil {
		return "", err
	}
	return keys.Encode(norm)
}
