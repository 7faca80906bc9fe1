package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicAndAppend(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.WriteAtomic("log.csv", []byte("Date,Name,Status\n")))
	require.NoError(t, store.Append("log.csv", []byte("2024-01-10,Alice,Present\n")))

	data, err := store.ReadFile("log.csv")
	require.NoError(t, err)
	assert.Equal(t, "Date,Name,Status\n2024-01-10,Alice,Present\n", string(data))

	require.NoError(t, store.WriteAtomic("log.csv", []byte("Date,Name,Status\n")))
	var buf bytes.Buffer
	require.NoError(t, store.CopyTo("log.csv", &buf))
	assert.Equal(t, "Date,Name,Status\n", buf.String())

	entries, err := os.ReadDir(filepath.Dir(store.Path("log.csv")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStatMissingFile(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	info, ok, err := store.Stat("missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, info)
}

func TestExclusiveLockTimesOut(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	holder := store.Lock("log.csv", time.Second)
	release, err := holder.Exclusive(context.Background())
	require.NoError(t, err)

	contender := store.Lock("log.csv", 100*time.Millisecond)
	_, err = contender.Exclusive(context.Background())
	require.Error(t, err)

	release()
	releaseAgain, err := contender.Exclusive(context.Background())
	require.NoError(t, err)
	releaseAgain()
}

func TestSharedLockAdmitsConcurrentReaders(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	lock := store.Lock("log.csv", 100*time.Millisecond)

	first, err := lock.Shared(context.Background())
	require.NoError(t, err)
	second, err := lock.Shared(context.Background())
	require.NoError(t, err)

	_, err = lock.Exclusive(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other := store.Lock("log.csv", 100*time.Millisecond)
	first()
	_, err = other.Exclusive(context.Background())
	require.Error(t, err, "the file lock stays shared while a reader remains")

	second()
	release, err := other.Exclusive(context.Background())
	require.NoError(t, err)
	release()
}
