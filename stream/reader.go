package stream

import (
	"context"

	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/wal"
)

// SegmentReader reads entries out of one (stream, segment_epoch), lazily
// suspending until new entries are acked rather than polling (spec §4.4's
// `scan_entries` contract combined with §4.6's `SegmentReader::poll`). When
// no entry is available, Poll registers a waker on the PartialStream, which
// fires it on the next index advance.
type SegmentReader struct {
	core         *PartialStream
	logEngine    *commitlog.LogFileManager
	segmentEpoch uint32
	requireAcked bool
	next         uint32
}

// NewSegmentReader creates a reader over core's segmentEpoch starting at
// entry index start. When requireAcked is true, the reader never returns
// past the segment's acked_index; otherwise it may return up to the
// continuous (but possibly unacked) index.
func NewSegmentReader(core *PartialStream, logEngine *commitlog.LogFileManager, segmentEpoch, start uint32, requireAcked bool) *SegmentReader {
	return &SegmentReader{core: core, logEngine: logEngine, segmentEpoch: segmentEpoch, requireAcked: requireAcked, next: start}
}

// Poll returns up to limit entries starting at the reader's current
// position, blocking until at least one is available or ctx is done. It
// never busy-polls: when scan_entries currently has nothing, it registers
// a waker on the stream and waits for the next acked advance before
// retrying.
func (r *SegmentReader) Poll(ctx context.Context, limit int) ([]wal.Entry, error) {
	for {
		scanned, ok := r.core.ScanEntries(r.segmentEpoch, r.next, limit, r.requireAcked)
		if ok {
			out := make([]wal.Entry, 0, len(scanned))
			for _, s := range scanned {
				loc, found := r.core.LocationOf(r.segmentEpoch, s.Index)
				if !found {
					continue
				}
				rec, err := r.logEngine.ReadRecord(loc.FileNumber, loc.Offset)
				if err != nil {
					return nil, err
				}
				pos := int(s.Index - rec.FirstIndex)
				if pos < 0 || pos >= len(rec.Entries) {
					continue
				}
				out = append(out, rec.Entries[pos])
			}
			r.next += uint32(len(scanned))
			return out, nil
		}

		waiter := r.core.RegisterReadingWaiter()
		select {
		case <-waiter:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Position returns the next index this reader will attempt to read.
func (r *SegmentReader) Position() uint32 { return r.next }

// Seek repositions the reader to start at idx.
func (r *SegmentReader) Seek(idx uint32) { r.next = idx }
