package segment

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, 1<<20, 0, nil)
	require.NoError(t, err)

	entries := []Entry{
		{Table: "users", SchemaVersion: "v1", Mutation: []byte("one")},
		{Table: "users", SchemaVersion: "v1", Mutation: []byte("two")},
		{Table: "orders", SchemaVersion: "v2", Mutation: []byte("three")},
	}

	var positions []int
	for _, e := range entries {
		rp, err := log.Append(e)
		require.NoError(t, err)
		positions = append(positions, int(rp))
	}
	assert.Equal(t, []int{0, 1, 2}, positions)

	name := log.CurrentName()
	require.NoError(t, log.Sync())

	r, err := OpenReader(dir, name)
	require.NoError(t, err)
	defer r.Close()

	for i, want := range entries {
		_, got, err := r.Next()
		require.NoErrorf(t, err, "entry %d", i)
		assert.Equal(t, want.Table, got.Table)
		assert.Equal(t, want.SchemaVersion, got.SchemaVersion)
		assert.Equal(t, want.Mutation, got.Mutation)
		assert.False(t, got.WrittenAt.IsZero())
	}

	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestAppendRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	// Small enough that the second entry overflows the first segment.
	log, err := Open(dir, 24, 0, nil)
	require.NoError(t, err)

	_, err = log.Append(Entry{Table: "t", Mutation: []byte("aaaaaaaaaaaaaaaaaaaa")})
	require.NoError(t, err)
	firstName := log.CurrentName()

	_, err = log.Append(Entry{Table: "t", Mutation: []byte("bbbbbbbbbbbbbbbbbbbb")})
	require.NoError(t, err)
	secondName := log.CurrentName()

	assert.NotEqual(t, firstName, secondName, "second append should have rotated into a new segment")

	names, err := ListSegmentFiles(dir)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestSealedCallbackFiresOnRotation(t *testing.T) {
	dir := t.TempDir()
	var sealed []string
	log, err := Open(dir, 24, 0, func(name string) {
		sealed = append(sealed, name)
	})
	require.NoError(t, err)

	_, err = log.Append(Entry{Table: "t", Mutation: []byte("aaaaaaaaaaaaaaaaaaaa")})
	require.NoError(t, err)
	assert.Empty(t, sealed, "first append in a fresh segment must not seal anything")

	_, err = log.Append(Entry{Table: "t", Mutation: []byte("bbbbbbbbbbbbbbbbbbbb")})
	require.NoError(t, err)
	assert.Len(t, sealed, 1)
}

func TestChecksumMismatchIsReportedNotSkipped(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, 1<<20, 0, nil)
	require.NoError(t, err)

	_, err = log.Append(Entry{Table: "t", Mutation: []byte("payload")})
	require.NoError(t, err)
	name := log.CurrentName()
	require.NoError(t, log.Close())

	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a byte inside the payload region (after the 16-byte header),
	// leaving the recorded checksum stale.
	corrupted := append([]byte(nil), data...)
	corrupted[16] ^= 0xFF
	require.NoError(t, os.WriteFile(path, corrupted, 0644))

	r, err := OpenReader(dir, name)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	assert.Error(t, err)
}

func TestFactoryAcquireIsReferenceCounted(t *testing.T) {
	f := NewFactory(t.TempDir())

	l1, err := f.Acquire("ep1", 1<<20, 0, nil)
	require.NoError(t, err)
	l2, err := f.Acquire("ep1", 1<<20, 0, nil)
	require.NoError(t, err)
	assert.Same(t, l1, l2, "second Acquire for the same endpoint must return the same Log")

	require.NoError(t, f.Release("ep1"))
	// One reference remains; the log must still accept appends.
	_, err = l1.Append(Entry{Table: "t", Mutation: []byte("x")})
	assert.NoError(t, err)

	require.NoError(t, f.Release("ep1"))
	assert.Empty(t, f.Endpoints())
}
