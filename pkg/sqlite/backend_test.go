package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

func TestNewBackendDefaults(t *testing.T) {
	ds := NewBackend(nil, nil)
	require.NoError(t, ds.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	defer ds.Detach()

	id := types.Identifier{Prefix: "Cos7", AcqID: 1, DatasetType: types.TypeLocalizations}
	tbl, err := types.TableFromColumns([]string{"x", "y"}, [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)

	err = ds.Update(context.Background(), func(tx types.Datastore) error {
		return tx.Put(types.Dataset{ID: id, Data: tbl})
	})
	require.NoError(t, err)

	got, err := ds.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got.Data.(*types.Table).Columns())
	assert.Equal(t, 1, ds.Len())
}

func TestNewBackendCustomRegistry(t *testing.T) {
	reg := types.NewRegistry()
	require.NoError(t, reg.Register(types.DatasetType{Name: "Beads", Kind: types.KindTable, FilenameString: ".csv"}))

	ds := NewBackend(reg, nil)
	require.NoError(t, ds.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	defer ds.Detach()

	_, err := ds.Query(types.TypeLocalizations, nil)
	require.ErrorIs(t, err, types.ErrUnknownDatasetType)

	ids, err := ds.Query("Beads", nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
