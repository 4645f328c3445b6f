// Package stream implements the per-stream partial index and pipelined
// writer from spec §4.4/§4.5, grounded in original_source/streamdb.rs
// (StreamFlow/PartialStream) and original_source/stream/channel.rs (the
// Channel/Request mutex hand-off reinterpreted as a Go flush loop).
package stream

import (
	"sort"
	"sync"

	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/wal"
)

// SegmentIndex is the in-memory index for one (stream, segment_epoch) pair
// (spec §4.4): an ordered map of entry index to its on-disk location, the
// largest contiguous acked index, the epoch last promised to a writer, and
// whether the segment has been sealed.
type SegmentIndex struct {
	entries       map[uint32]wal.LogLocation
	ackedIndex    uint32
	promisedEpoch uint32
	sealed        bool
}

func newSegmentIndex() *SegmentIndex {
	return &SegmentIndex{entries: make(map[uint32]wal.LogLocation)}
}

// continuousIndex returns the largest index i such that every index in
// [1, i] is present in this segment's entries.
func (si *SegmentIndex) continuousIndex() uint32 {
	i := uint32(0)
	for {
		if _, ok := si.entries[i+1]; !ok {
			return i
		}
		i++
	}
}

// sortedIndices returns the known entry indices in ascending order, used
// by scan_entries to walk a contiguous range.
func (si *SegmentIndex) sortedIndices() []uint32 {
	out := make([]uint32, 0, len(si.entries))
	for idx := range si.entries {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Txn is the result of PartialStream.Write: the fully-formed record ready
// for durable append, plus the in-memory index mutations to apply once
// that append is durable (spec §4.4's "transaction object capturing the
// intended persistent record and the local index updates to apply
// post-commit").
type Txn struct {
	Record       *wal.Record
	SegmentEpoch uint32
	locations    []wal.LogLocation // filled in by Writer after the durable append
}

// PartialStream is the per-stream index: every segment epoch seen so far
// plus the stream-wide acked_seq watermark (spec §4.4).
type PartialStream struct {
	StreamID uint64

	mu       sync.Mutex
	segments map[uint32]*SegmentIndex
	ackedSeq wal.Sequence
	waiters  []chan struct{}
}

// NewPartialStream creates an empty partial stream index for streamID.
func NewPartialStream(streamID uint64) *PartialStream {
	return &PartialStream{StreamID: streamID, segments: make(map[uint32]*SegmentIndex)}
}

func (ps *PartialStream) segmentLocked(segmentEpoch uint32) *SegmentIndex {
	si, ok := ps.segments[segmentEpoch]
	if !ok {
		si = newSegmentIndex()
		ps.segments[segmentEpoch] = si
	}
	return si
}

// Write validates writerEpoch against the segment's promised epoch and
// builds the Txn to hand to the pipelined writer (spec §4.4 `write`). Gaps
// between the segment's current continuous index and firstIndex are
// materialized as Hole entries ahead of entries, per spec's invariant that
// gaps must be filled before a higher index may be acked; this also
// implements the "learn fills gap" behavior (§8 edge case 6) when a
// learner supplies entries starting above the next contiguous index.
func (ps *PartialStream) Write(writerEpoch, segmentEpoch uint32, ackedSeq wal.Sequence, firstIndex uint32, entries []wal.Entry) (*Txn, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	si := ps.segmentLocked(segmentEpoch)
	if writerEpoch < si.promisedEpoch {
		return nil, kerrors.Newf(kerrors.Staled, "writer epoch %d < promised epoch %d", writerEpoch, si.promisedEpoch)
	}
	if writerEpoch > si.promisedEpoch {
		si.promisedEpoch = writerEpoch
	}

	expected := si.continuousIndex() + 1
	if firstIndex > expected {
		holes := make([]wal.Entry, 0, firstIndex-expected+uint32(len(entries)))
		for i := expected; i < firstIndex; i++ {
			holes = append(holes, wal.Entry{Index: i, Kind: wal.EntryHole})
		}
		entries = append(holes, entries...)
		firstIndex = expected
	}

	rec := &wal.Record{
		StreamID:     ps.StreamID,
		WriterEpoch:  writerEpoch,
		SegmentEpoch: segmentEpoch,
		FirstIndex:   firstIndex,
		AckedSeq:     ackedSeq,
		Entries:      entries,
	}
	return &Txn{Record: rec, SegmentEpoch: segmentEpoch}, nil
}

// Apply installs the durable locations recorded in txn into the in-memory
// index and advances the segment's acked_index and the stream's acked_seq,
// called by the pipelined writer immediately after the durable append
// succeeds, in the same order batches were submitted.
func (ps *PartialStream) Apply(txn *Txn) (continuousIndex, ackedIndex uint32) {
	return ps.ApplyRecord(txn.SegmentEpoch, txn.Record, txn.locations)
}

// ApplyRecord is the location-explicit form of Apply, used both by the
// pipelined writer (after a fresh durable append) and by recovery replay
// (installing a record whose bytes are already on disk, so there is no
// Txn in flight — only the record and the locations read back from the
// log file manager's scan).
func (ps *PartialStream) ApplyRecord(segmentEpoch uint32, rec *wal.Record, locations []wal.LogLocation) (continuousIndex, ackedIndex uint32) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	si := ps.segmentLocked(segmentEpoch)
	for i, loc := range locations {
		si.entries[rec.FirstIndex+uint32(i)] = loc
	}
	ci := si.continuousIndex()
	if ci > si.ackedIndex {
		si.ackedIndex = ci
	}
	if rec.AckedSeq.Compare(ps.ackedSeq) > 0 {
		ps.ackedSeq = rec.AckedSeq
	}
	ps.wakeLocked()
	return ci, si.ackedIndex
}

// ContinuousIndex returns the largest index i in segmentEpoch such that
// every index in [1, i] is present (spec §4.4 `continuous_index`).
func (ps *PartialStream) ContinuousIndex(segmentEpoch uint32) uint32 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	si, ok := ps.segments[segmentEpoch]
	if !ok {
		return 0
	}
	return si.continuousIndex()
}

// AckedIndex returns the largest fully-present index in segmentEpoch (spec
// §4.4 `acked_index`).
func (ps *PartialStream) AckedIndex(segmentEpoch uint32) uint32 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	si, ok := ps.segments[segmentEpoch]
	if !ok {
		return 0
	}
	return si.ackedIndex
}

// AckedSeq returns the stream-wide acked_seq watermark.
func (ps *PartialStream) AckedSeq() wal.Sequence {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ackedSeq
}

// SealedEpoch pairs a segment epoch with the writer epoch last promised to
// it, returned by SealedEpoches.
type SealedEpoch struct {
	SegmentEpoch  uint32
	PromisedEpoch uint32
}

// SealedEpoches returns every segment epoch this stream knows about that
// has been sealed, with its promised writer epoch (spec §4.4
// `sealed_epoches`).
func (ps *PartialStream) SealedEpoches() []SealedEpoch {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []SealedEpoch
	for epoch, si := range ps.segments {
		if si.sealed {
			out = append(out, SealedEpoch{SegmentEpoch: epoch, PromisedEpoch: si.promisedEpoch})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentEpoch < out[j].SegmentEpoch })
	return out
}

// Seal marks segmentEpoch as sealed and raises its acked_index to at least
// ackedIndex (spec §4.7 seal algorithm step 2: the sealed segment's final
// acked_index is the maximum reported by any quorum member, so a late,
// lower report must never pull it back down). Seal quorum bookkeeping
// itself lives in package observer; this is just the local index mutation.
func (ps *PartialStream) Seal(segmentEpoch, ackedIndex uint32) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	si := ps.segmentLocked(segmentEpoch)
	si.sealed = true
	if ackedIndex > si.ackedIndex {
		si.ackedIndex = ackedIndex
	}
	ps.wakeLocked()
}

// ScannedEntry is one (index, Entry) pair returned by ScanEntries.
type ScannedEntry struct {
	Index uint32
	Entry wal.Entry
}

// ScanEntries returns up to limit contiguous entries starting at start in
// segmentEpoch, or ok=false if none currently satisfy the filter (spec
// §4.4 `scan_entries`; the caller registers a waker via
// RegisterReadingWaiter when ok is false). When requireAcked is true, the
// scan never returns past the segment's acked_index.
func (ps *PartialStream) ScanEntries(segmentEpoch, start uint32, limit int, requireAcked bool) ([]ScannedEntry, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	si, ok := ps.segments[segmentEpoch]
	if !ok {
		return nil, false
	}
	ceiling := si.continuousIndex()
	if requireAcked {
		ceiling = si.ackedIndex
	}
	if start > ceiling {
		return nil, false
	}

	var out []ScannedEntry
	for idx := start; idx <= ceiling && len(out) < limit; idx++ {
		loc, ok := si.entries[idx]
		if !ok {
			break
		}
		out = append(out, ScannedEntry{Index: idx, Entry: wal.Entry{Index: idx}})
		_ = loc // location is resolved to bytes by the caller (SegmentReader) via commitlog
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// LocationOf returns the on-disk location recorded for idx in
// segmentEpoch, used by SegmentReader to fetch entry bytes.
func (ps *PartialStream) LocationOf(segmentEpoch, idx uint32) (wal.LogLocation, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	si, ok := ps.segments[segmentEpoch]
	if !ok {
		return wal.LogLocation{}, false
	}
	loc, ok := si.entries[idx]
	return loc, ok
}

// RegisterReadingWaiter enqueues a channel that is closed the next time any
// segment's acked_index or the stream's acked_seq advances (spec §4.4/§4.5
// reader-waking contract). Each call returns a fresh channel.
func (ps *PartialStream) RegisterReadingWaiter() <-chan struct{} {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ch := make(chan struct{})
	ps.waiters = append(ps.waiters, ch)
	return ch
}

// wakeLocked closes and clears every registered waiter. Must be called
// with ps.mu held.
func (ps *PartialStream) wakeLocked() {
	for _, ch := range ps.waiters {
		close(ch)
	}
	ps.waiters = nil
}

// DropBelow removes every entry at or below keepSeq and returns the
// distinct file numbers those entries referenced, for the caller to check
// whether any of them are now unreferenced by this stream entirely (spec
// §4.6 `truncate`: entries at or below the new keep_seq are no longer
// reachable). A sequence's Epoch is a segment_epoch and its Index is the
// entry index within that segment (spec §3), so every segment at an epoch
// below keepSeq.Epoch is dropped in full, the segment at keepSeq.Epoch is
// dropped up to and including keepSeq.Index, and segments above
// keepSeq.Epoch are untouched.
func (ps *PartialStream) DropBelow(keepSeq wal.Sequence) []uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	touched := make(map[uint64]struct{})
	for epoch, si := range ps.segments {
		if epoch > keepSeq.Epoch {
			continue
		}
		cutoff := keepSeq.Index
		if epoch < keepSeq.Epoch {
			cutoff = ^uint32(0)
		}
		for idx, loc := range si.entries {
			if idx > cutoff {
				continue
			}
			touched[loc.FileNumber] = struct{}{}
			delete(si.entries, idx)
		}
	}

	out := make([]uint64, 0, len(touched))
	for fn := range touched {
		out = append(out, fn)
	}
	return out
}

// ReferencedFiles returns every file number this stream's surviving index
// entries still point into, across every segment epoch. The caller uses
// this to tell which live files are now orphaned stream-wide (a file can
// be shared by entries from more than one stream).
func (ps *PartialStream) ReferencedFiles() map[uint64]struct{} {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make(map[uint64]struct{})
	for _, si := range ps.segments {
		for _, loc := range si.entries {
			out[loc.FileNumber] = struct{}{}
		}
	}
	return out
}

// RefreshVersions drops index entries that reference file numbers no
// longer present in liveFiles (spec §4.4 `refresh_versions`: "drops
// references to log files whose entries have all been truncated past").
func (ps *PartialStream) RefreshVersions(liveFiles map[uint64]struct{}) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, si := range ps.segments {
		for idx, loc := range si.entries {
			if _, ok := liveFiles[loc.FileNumber]; !ok {
				delete(si.entries, idx)
			}
		}
	}
}
