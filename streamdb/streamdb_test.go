package streamdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/wal"
)

func TestOpenWithoutCreateIfMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(Options{Dir: dir})
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.NotFound))
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(Options{Dir: dir})
	require.NoError(t, err)
	defer db.Close()

	ci, ai, err := db.Write(1, 1, 1, wal.Sequence{Epoch: 1, Index: 1}, 1, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("hello")},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), ci)
	require.Equal(t, uint32(1), ai)

	reader, err := db.Read(1, 1, 1, true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := reader.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hello", string(entries[0].Bytes))
}

func TestReopenRecoversWrittenEntries(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(Options{Dir: dir})
	require.NoError(t, err)

	_, _, err = db.Write(7, 1, 1, wal.Sequence{Epoch: 1, Index: 1}, 1, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("persisted")},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer db2.Close()

	reader, err := db2.Read(7, 1, 1, true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := reader.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "persisted", string(entries[0].Bytes))
}

// TestTruncateAcceptedPreservesEntriesAboveKeepSeq guards against the
// version set treating every log file as unreferenced (an empty live-file
// set turns a successful truncate into one that wipes every stream's
// index): after truncating away index 1, indices 2 and 3 must still read
// back successfully.
func TestTruncateAcceptedPreservesEntriesAboveKeepSeq(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(Options{Dir: dir})
	require.NoError(t, err)
	defer db.Close()

	for i := uint32(1); i <= 3; i++ {
		_, _, err := db.Write(1, 1, 1, wal.Sequence{Epoch: 1, Index: i}, i, []wal.Entry{
			{Kind: wal.EntryEvent, Bytes: []byte{byte('a' + i)}},
		})
		require.NoError(t, err)
	}

	require.NoError(t, db.Truncate(1, wal.Sequence{Epoch: 1, Index: 1}))

	reader, err := db.Read(1, 1, 2, true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := reader.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestTruncateRejectsUnackedWatermark(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(Options{Dir: dir})
	require.NoError(t, err)
	defer db.Close()

	_, _, err = db.Write(1, 1, 1, wal.Sequence{Epoch: 1, Index: 1}, 1, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("a")},
	})
	require.NoError(t, err)

	err = db.Truncate(1, wal.Sequence{Epoch: 1, Index: 2})
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.InvalidArgument))
}
