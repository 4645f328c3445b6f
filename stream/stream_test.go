package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/wal"
)

func newTestLogEngine(t *testing.T) *commitlog.LogFileManager {
	t.Helper()
	m, err := commitlog.Open(commitlog.Options{Dir: t.TempDir()}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWriteApplyAdvancesAckedIndex(t *testing.T) {
	logEngine := newTestLogEngine(t)
	core := NewPartialStream(1)
	writer := NewPipelinedWriter(logEngine, nil, 0)

	txn, err := core.Write(1, 1, wal.Sequence{Epoch: 1, Index: 1}, 1, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("a")},
	})
	require.NoError(t, err)

	waiter, err := writer.Submit(core, txn)
	require.NoError(t, err)
	res := waiter.Done()
	require.NoError(t, res.Err)
	require.Equal(t, uint32(1), res.AckedIndex)
	require.Equal(t, uint32(1), core.ContinuousIndex(1))
}

func TestWriteRejectsStaleEpoch(t *testing.T) {
	core := NewPartialStream(1)
	_, err := core.Write(5, 1, wal.ZeroSequence, 1, []wal.Entry{{Kind: wal.EntryEvent}})
	require.NoError(t, err)

	_, err = core.Write(3, 1, wal.ZeroSequence, 2, []wal.Entry{{Kind: wal.EntryEvent}})
	require.Error(t, err)
}

func TestWriteMaterializesHolesAcrossGap(t *testing.T) {
	logEngine := newTestLogEngine(t)
	core := NewPartialStream(1)
	writer := NewPipelinedWriter(logEngine, nil, 0)

	txn, err := core.Write(1, 1, wal.ZeroSequence, 3, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("c")},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), txn.Record.FirstIndex)
	require.Len(t, txn.Record.Entries, 3) // holes at 1,2 plus the real entry at 3

	waiter, err := writer.Submit(core, txn)
	require.NoError(t, err)
	res := waiter.Done()
	require.NoError(t, res.Err)
	require.Equal(t, uint32(3), core.ContinuousIndex(1))
}

// TestSealNeverLowersAckedIndex guards the seal quorum contract (spec
// §4.7 step 2): a late, lower report must not pull the sealed segment's
// acked_index back down once a higher one has already been applied.
func TestSealNeverLowersAckedIndex(t *testing.T) {
	core := NewPartialStream(1)
	core.Seal(1, 12)
	require.Equal(t, uint32(12), core.AckedIndex(1))

	core.Seal(1, 10)
	require.Equal(t, uint32(12), core.AckedIndex(1))
}

func TestDropBelowRemovesOnlyEntriesAtOrBelowKeepSeq(t *testing.T) {
	logEngine := newTestLogEngine(t)
	core := NewPartialStream(1)
	writer := NewPipelinedWriter(logEngine, nil, 0)

	for i := uint32(1); i <= 3; i++ {
		txn, err := core.Write(1, 1, wal.Sequence{Epoch: 1, Index: i}, i, []wal.Entry{
			{Kind: wal.EntryEvent, Bytes: []byte("x")},
		})
		require.NoError(t, err)
		waiter, err := writer.Submit(core, txn)
		require.NoError(t, err)
		require.NoError(t, waiter.Done().Err)
	}

	touched := core.DropBelow(wal.Sequence{Epoch: 1, Index: 1})
	require.NotEmpty(t, touched)

	_, ok := core.LocationOf(1, 1)
	require.False(t, ok)
	_, ok = core.LocationOf(1, 2)
	require.True(t, ok)
	_, ok = core.LocationOf(1, 3)
	require.True(t, ok)
}

func TestReferencedFilesReflectsSurvivingEntries(t *testing.T) {
	logEngine := newTestLogEngine(t)
	core := NewPartialStream(1)
	writer := NewPipelinedWriter(logEngine, nil, 0)

	txn, err := core.Write(1, 1, wal.Sequence{Epoch: 1, Index: 1}, 1, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("x")},
	})
	require.NoError(t, err)
	waiter, err := writer.Submit(core, txn)
	require.NoError(t, err)
	res := waiter.Done()
	require.NoError(t, res.Err)

	referenced := core.ReferencedFiles()
	require.Contains(t, referenced, res.FileNumber)

	core.DropBelow(wal.Sequence{Epoch: 1, Index: 1})
	require.Empty(t, core.ReferencedFiles())
}

func TestSegmentReaderPollBlocksUntilAcked(t *testing.T) {
	logEngine := newTestLogEngine(t)
	core := NewPartialStream(1)
	writer := NewPipelinedWriter(logEngine, nil, 0)
	reader := NewSegmentReader(core, logEngine, 1, 1, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan []wal.Entry, 1)
	errCh := make(chan error, 1)
	go func() {
		entries, err := reader.Poll(ctx, 10)
		resultCh <- entries
		errCh <- err
	}()

	txn, err := core.Write(1, 1, wal.Sequence{Epoch: 1, Index: 1}, 1, []wal.Entry{
		{Kind: wal.EntryEvent, Bytes: []byte("x")},
	})
	require.NoError(t, err)
	waiter, err := writer.Submit(core, txn)
	require.NoError(t, err)
	res := waiter.Done()
	require.NoError(t, res.Err)

	entries := <-resultCh
	require.NoError(t, <-errCh)
	require.Len(t, entries, 1)
	require.Equal(t, "x", string(entries[0].Bytes))
}
