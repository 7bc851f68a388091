package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mamlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mamlink.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestCursor_SaveAndOverwrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	root, err := s.Cursor(ctx, "thing-1")
	require.NoError(t, err)
	assert.Empty(t, root)

	require.NoError(t, s.SaveCursor(ctx, "thing-1", "AAA"))
	require.NoError(t, s.SaveCursor(ctx, "thing-1", "BBB"))
	root, err = s.Cursor(ctx, "thing-1")
	require.NoError(t, err)
	assert.Equal(t, "BBB", root)

	require.NoError(t, s.DeleteCursor(ctx, "thing-1"))
	root, err = s.Cursor(ctx, "thing-1")
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestStream_ItemMapping(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	row := StreamRow{ID: "s1", Seed: "SEED", Start: 3, Mode: "restricted", Key: "KEY", Root: "R", NextRoot: "N"}
	require.NoError(t, s.SaveStream(ctx, row, []string{"Lamp", "Temp"}))

	got, err := s.StreamForItem(ctx, "Temp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, row, *got)

	row.Start = 4
	row.Paid = true
	require.NoError(t, s.SaveStream(ctx, row, nil))
	got, err = s.StreamForItem(ctx, "Lamp")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Start)
	assert.True(t, got.Paid)

	require.NoError(t, s.RemoveStreamItem(ctx, "Lamp"))
	got, err = s.StreamForItem(ctx, "Lamp")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThings_SaveListDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveThing(ctx, ThingRow{ID: "b", Kind: "topic", Config: []byte(`{"id":"b"}`)}))
	require.NoError(t, s.SaveThing(ctx, ThingRow{ID: "a", Kind: "payment", Config: []byte(`{"id":"a"}`)}))
	require.NoError(t, s.SaveThing(ctx, ThingRow{ID: "a", Kind: "payment", Config: []byte(`{"id":"a","channels":[]}`)}))

	things, err := s.Things(ctx)
	require.NoError(t, err)
	require.Len(t, things, 2)
	assert.Equal(t, "a", things[0].ID)
	assert.JSONEq(t, `{"id":"a","channels":[]}`, string(things[0].Config))

	require.NoError(t, s.DeleteThing(ctx, "a"))
	things, err = s.Things(ctx)
	require.NoError(t, err)
	assert.Len(t, things, 1)
}
