package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "alex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRoundTrip(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Set("k", []byte(`{"a":1}`)))

	got, ok, err := db.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"a":1}`), got)
}

func TestSQLiteMissingKey(t *testing.T) {
	db := newTestDB(t)

	got, ok, err := db.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestSQLiteOverwrite(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Set("k", []byte("first")))
	require.NoError(t, db.Set("k", []byte("second")))

	got, ok, err := db.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), got)
}

func TestSQLiteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "alex.db")
	db, err := NewSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("k", []byte("v")))
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alex.db")

	db, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Set("persist", []byte("me")))
	require.NoError(t, db.Close())

	// Reopening runs migrations again; they must be idempotent and the
	// data must survive.
	db2, err := NewSQLite(path)
	require.NoError(t, err)
	defer db2.Close()

	got, ok, err := db2.Get("persist")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("me"), got)
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()

	_, ok, err := m.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Set("k", []byte("v")))
	got, ok, err := m.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()

	in := []byte("original")
	require.NoError(t, m.Set("k", in))
	in[0] = 'X'

	got, _, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, _, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}
