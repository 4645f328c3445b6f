package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"

	"github.com/devillove084/arrowlog/internal/kerrors"
)

const logFileSuffix = ".log"

func logFileName(dir string, fileNumber uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", fileNumber, logFileSuffix))
}

// segment is one append-only log file identified by a monotonic file
// number (spec §3 Log File). The active segment is written through a plain
// *os.File; once sealed by rotation it may additionally be mmap'd
// read-only (via tysonmote/gommap) for fast sequential/random recovery and
// learn scans, mirroring the teacher's use of mmap for its segment index
// files but applied here to the immutable, already-synced log body.
type segment struct {
	fileNumber uint64
	path       string

	mu   sync.Mutex
	file *os.File
	size int64 // bytes durably written so far

	sealed int32 // atomic bool: true once no further writes will occur

	mmapMu sync.Mutex
	mmap   gommap.MMap // lazily created read view, nil until first Reader
}

func openSegment(dir string, fileNumber uint64, create bool) (*segment, error) {
	path := logFileName(dir, fileNumber)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d", fileNumber)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, errors.Wrapf(err, "stat segment %d", fileNumber)
	}
	return &segment{
		fileNumber: fileNumber,
		path:       path,
		file:       f,
		size:       info.Size(),
	}, nil
}

// Size returns the number of bytes durably appended to this segment so
// far. It is also the offset the next appended byte will land at.
func (s *segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// writeAndSync appends buf to the segment and fsyncs before returning,
// returning the offset at which buf begins. Must be called with no other
// concurrent writers for this segment (the log file manager serializes
// writes to the active segment through its own flush loop).
func (s *segment) writeAndSync(buf []byte) (offset int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset = s.size
	if _, err := s.file.WriteAt(buf, offset); err != nil {
		return 0, errors.Wrapf(err, "write segment %d", s.fileNumber)
	}
	if err := s.file.Sync(); err != nil {
		return 0, errors.Wrapf(err, "fsync segment %d", s.fileNumber)
	}
	s.size += int64(len(buf))
	return offset, nil
}

// seal marks the segment as no longer being actively appended to, allowing
// it to be mmap'd read-only.
func (s *segment) seal() {
	atomic.StoreInt32(&s.sealed, 1)
}

func (s *segment) isSealed() bool {
	return atomic.LoadInt32(&s.sealed) == 1
}

// readAt reads exactly n bytes at the given offset, preferring the mmap
// view for a sealed segment (no page-cache copy on every call) and falling
// back to a positional read for the still-active segment.
func (s *segment) readAt(offset int64, n int) ([]byte, error) {
	if s.isSealed() {
		view, err := s.mmapView()
		if err == nil {
			if offset < 0 || int(offset)+n > len(view) {
				return nil, kerrors.New(kerrors.Corruption, "read past end of segment")
			}
			return view[offset : offset+int64(n)], nil
		}
		// Fall through to a regular read if mmap could not be established.
	}
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "read segment %d at %d", s.fileNumber, offset)
	}
	return buf, nil
}

// mmapView lazily mmaps the whole file read-only and caches the mapping.
func (s *segment) mmapView() (gommap.MMap, error) {
	s.mmapMu.Lock()
	defer s.mmapMu.Unlock()
	if s.mmap != nil {
		return s.mmap, nil
	}
	m, err := gommap.Map(s.file.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap segment %d", s.fileNumber)
	}
	s.mmap = m
	return m, nil
}

// close releases the mmap (if any) and closes the underlying file.
func (s *segment) close() error {
	s.mmapMu.Lock()
	if s.mmap != nil {
		s.mmap.UnsafeUnmap() // nolint: errcheck
		s.mmap = nil
	}
	s.mmapMu.Unlock()
	return s.file.Close()
}

// readAll reads the full durable contents of the segment as of the current
// size. Used by recovery and learn scans.
func (s *segment) readAll() ([]byte, error) {
	size := s.Size()
	if size == 0 {
		return nil, nil
	}
	return s.readAt(0, int(size))
}
