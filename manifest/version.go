package manifest

import "github.com/devillove084/arrowlog/wal"

// StreamMeta is the per-stream metadata tracked by a Version (spec §3
// Version: "per-stream segment metadata, truncation watermarks").
type StreamMeta struct {
	TruncationWatermark wal.Sequence
	Replicas            []string
}

// clone returns a deep copy so mutating the copy never affects a Version
// that is still being read by someone else (Versions are immutable once
// published).
func (s StreamMeta) clone() StreamMeta {
	out := StreamMeta{TruncationWatermark: s.TruncationWatermark}
	if len(s.Replicas) > 0 {
		out.Replicas = append([]string(nil), s.Replicas...)
	}
	return out
}

// Version is an immutable snapshot of live files, per-stream metadata, and
// the next file number to allocate (spec §3 Version). A new Version is
// produced by applying a batch of VersionEdits to the previous one; no
// Version is ever mutated after publication.
type Version struct {
	seq            uint64 // monotonic version sequence, for logging/debugging only
	liveFiles      map[uint64]struct{}
	streams        map[uint64]StreamMeta
	nextFileNumber uint64
}

func emptyVersion() *Version {
	return &Version{
		liveFiles: make(map[uint64]struct{}),
		streams:   make(map[uint64]StreamMeta),
	}
}

// LiveFiles returns the file numbers this Version considers live. The
// returned slice is a fresh copy safe for the caller to retain.
func (v *Version) LiveFiles() []uint64 {
	out := make([]uint64, 0, len(v.liveFiles))
	for fn := range v.liveFiles {
		out = append(out, fn)
	}
	return out
}

// NextFileNumber returns the file number manifest recovery should resume
// allocation from.
func (v *Version) NextFileNumber() uint64 { return v.nextFileNumber }

// StreamMeta returns the metadata for streamID and whether it is known to
// this Version at all.
func (v *Version) StreamMeta(streamID uint64) (StreamMeta, bool) {
	m, ok := v.streams[streamID]
	return m, ok
}

// Streams returns every stream id known to this Version.
func (v *Version) Streams() []uint64 {
	out := make([]uint64, 0, len(v.streams))
	for id := range v.streams {
		out = append(out, id)
	}
	return out
}

// apply produces a new Version by applying edit on top of v, returning the
// new Version and the file numbers that were live in v but are not live in
// the result (candidates for release once no reader still pins v).
func (v *Version) apply(edit *VersionEdit) (next *Version, removedFiles []uint64) {
	next = &Version{
		seq:            v.seq + 1,
		liveFiles:      make(map[uint64]struct{}, len(v.liveFiles)),
		streams:        make(map[uint64]StreamMeta, len(v.streams)),
		nextFileNumber: v.nextFileNumber,
	}
	for fn := range v.liveFiles {
		next.liveFiles[fn] = struct{}{}
	}
	for id, m := range v.streams {
		next.streams[id] = m.clone()
	}

	switch edit.Kind {
	case editStreamAdd:
		if _, ok := next.streams[edit.StreamID]; !ok {
			next.streams[edit.StreamID] = StreamMeta{}
		}
	case editStreamTruncate:
		m := next.streams[edit.StreamID]
		m.TruncationWatermark = edit.InitialSeq
		if edit.Replicas != nil {
			m.Replicas = append([]string(nil), edit.Replicas...)
		}
		next.streams[edit.StreamID] = m
	case editFileAdd:
		next.liveFiles[edit.FileNumber] = struct{}{}
	case editFileDelete:
		if _, ok := next.liveFiles[edit.FileNumber]; ok {
			delete(next.liveFiles, edit.FileNumber)
			removedFiles = append(removedFiles, edit.FileNumber)
		}
	case editNextFileNumber:
		if edit.NextFileNumber > next.nextFileNumber {
			next.nextFileNumber = edit.NextFileNumber
		}
	}
	return next, removedFiles
}
