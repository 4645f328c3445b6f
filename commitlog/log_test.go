package commitlog

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/wal"
)

func testRecord(streamID uint64, firstIndex uint32, payload string) *wal.Record {
	return &wal.Record{
		StreamID:     streamID,
		WriterEpoch:  1,
		SegmentEpoch: 1,
		FirstIndex:   firstIndex,
		AckedSeq:     wal.Sequence{Epoch: 1, Index: firstIndex},
		Entries: []wal.Entry{
			{Index: firstIndex, Kind: wal.EntryEvent, Bytes: []byte(payload)},
		},
	}
}

func TestAppendAndReadRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir}, 0)
	require.NoError(t, err)
	defer m.Close()

	fn, off, size, err := m.Append(testRecord(1, 1, "hello"))
	require.NoError(t, err)
	require.Greater(t, size, 0)

	rec, err := m.ReadRecord(fn, off)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.StreamID)
	require.Equal(t, "hello", string(rec.Entries[0].Bytes))
}

// TestGroupCommitConcurrentAppends verifies that concurrent Append calls
// from different callers all complete: every call durably completes, and
// each gets its own distinct, correctly-located frame within the shared
// segment (spec §8 group-commit property — at least 1 fsync and at most 1
// per caller, tested here only for round-trip correctness
// since fsync counts aren't directly observable from outside).
func TestGroupCommitConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir}, 0)
	require.NoError(t, err)
	defer m.Close()

	const n = 50
	var wg sync.WaitGroup
	locations := make([]struct {
		fn, off int64
	}, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn, off, _, err := m.Append(testRecord(uint64(i), 1, "payload"))
			locations[i].fn = int64(fn)
			locations[i].off = off
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		rec, err := m.ReadRecord(uint64(locations[i].fn), locations[i].off)
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.StreamID)
	}
}

func TestRotateAndReopenReplaysRecords(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir, MaxSegmentBytes: 1}, 0)
	require.NoError(t, err)

	_, _, _, err = m.Append(testRecord(1, 1, "aaaa"))
	require.NoError(t, err)
	_, _, _, err = m.Append(testRecord(1, 2, "bbbb"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m2, err := Open(Options{Dir: dir, MaxSegmentBytes: 1}, 0)
	require.NoError(t, err)
	defer m2.Close()

	files := m2.AllFileNumbers()
	require.GreaterOrEqual(t, len(files), 1)

	var seen []uint32
	for _, fn := range files {
		it, err := m2.Reader(fn)
		require.NoError(t, err)
		for {
			rec, err := it.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			seen = append(seen, rec.FirstIndex)
		}
	}
	require.ElementsMatch(t, []uint32{1, 2}, seen)
}

func TestReleaseRemovesSealedSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir, MaxSegmentBytes: 1}, 0)
	require.NoError(t, err)
	defer m.Close()

	_, _, _, err = m.Append(testRecord(1, 1, "aaaa"))
	require.NoError(t, err)
	_, _, _, err = m.Append(testRecord(1, 2, "bbbb"))
	require.NoError(t, err)

	files := m.AllFileNumbers()
	require.Len(t, files, 2)

	require.NoError(t, m.Release([]uint64{files[0]}))
	require.Len(t, m.AllFileNumbers(), 1)
}
