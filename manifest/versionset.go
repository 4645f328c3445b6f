package manifest

import (
	"bytes"
	"os"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"

	"github.com/devillove084/arrowlog/codec"
	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/wal"
)

// generation tracks one published Version's reference count, so a Version
// that has been superseded is only released (and its orphaned files handed
// to the caller's ReleaseFiles callback) once every reader that pinned it
// has let go (spec §3 "grace-period retention of old Versions until all
// readers drop").
type generation struct {
	version      *Version
	refs         int
	superseded   bool
	orphanFiles  []uint64
}

// Options configures a VersionSet.
type Options struct {
	Dir string
	// ReleaseFiles is invoked with file numbers that became safe to delete
	// once their owning (superseded) Version's refcount reached zero. The
	// caller typically wires this to (*commitlog.LogFileManager).Release.
	ReleaseFiles func(fileNumbers []uint64) error
	Logger       logger.Logger
}

// VersionSet owns the manifest log (an append-only sequence of
// VersionEdits), the CURRENT pointer, and the chain of published Versions
// (spec §4.3), grounded in original_source/streamdb.rs's VersionSet.
type VersionSet struct {
	opts Options

	mu             sync.Mutex
	manifestNumber uint64
	manifestFile   *os.File
	gens           []*generation // oldest first; gens[len-1] is current
}

// Recover opens (or creates) the version set rooted at opts.Dir, replaying
// the current manifest file to reconstruct the latest Version. A brand new
// directory starts from an empty Version with manifest number 1.
func Recover(opts Options) (*VersionSet, error) {
	if opts.Dir == "" {
		return nil, errors.New("manifest: dir is empty")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewSilent()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "mkdir manifest dir")
	}

	vs := &VersionSet{opts: opts}

	manifestNumber, ok, err := readCurrent(opts.Dir)
	if err != nil {
		return nil, err
	}
	version := emptyVersion()
	if ok {
		version, err = replayManifest(manifestFileName(opts.Dir, manifestNumber))
		if err != nil {
			return nil, err
		}
	} else {
		manifestNumber = 1
		if err := writeCurrent(opts.Dir, manifestNumber); err != nil {
			return nil, err
		}
	}
	vs.manifestNumber = manifestNumber
	vs.gens = []*generation{{version: version, refs: 1}}

	f, err := os.OpenFile(manifestFileName(opts.Dir, manifestNumber), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest file")
	}
	vs.manifestFile = f
	return vs, nil
}

func replayManifest(path string) (*Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyVersion(), nil
		}
		return nil, errors.Wrap(err, "read manifest file")
	}
	version := emptyVersion()
	if bytes.HasPrefix(data, snapshotMagic) {
		snap, rest, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		version = snap
		data = rest
	}
	for len(data) > 0 {
		edit, n, err := DecodeEdit(data)
		if err != nil {
			// A torn trailing edit means the process crashed mid-append;
			// everything durably committed before it still applies.
			break
		}
		version, _ = version.apply(edit)
		data = data[n:]
	}
	return version, nil
}

// Current returns the currently published Version, pinned so it will not
// be released until the returned release func is called.
func (vs *VersionSet) Current() (version *Version, release func()) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	gen := vs.gens[len(vs.gens)-1]
	gen.refs++
	return gen.version, vs.releaseFunc(gen)
}

func (vs *VersionSet) releaseFunc(gen *generation) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			vs.mu.Lock()
			gen.refs--
			ready := gen.superseded && gen.refs == 0
			var orphans []uint64
			if ready {
				orphans = gen.orphanFiles
				vs.pruneGen(gen)
			}
			vs.mu.Unlock()
			if ready && len(orphans) > 0 && vs.opts.ReleaseFiles != nil {
				if err := vs.opts.ReleaseFiles(orphans); err != nil {
					vs.opts.Logger.Warnf("manifest: release files %v: %v", orphans, err)
				}
			}
		})
	}
}

func (vs *VersionSet) pruneGen(target *generation) {
	out := vs.gens[:0]
	for _, g := range vs.gens {
		if g != target {
			out = append(out, g)
		}
	}
	vs.gens = out
}

// InstallEdit appends edit to the manifest log, fsyncs it, and publishes
// the resulting Version (spec §4.3 "append edit, fsync manifest, atomic
// swap of published Version"). The previously current generation is
// marked superseded; its refcount (already at least 1 for having been
// current) is decremented here, and drops to zero immediately if nobody
// else is reading it.
func (vs *VersionSet) InstallEdit(edit *VersionEdit) error {
	return vs.installEdits([]*VersionEdit{edit})
}

// InstallEdits applies a batch of edits atomically as a single new Version
// (used e.g. to add a file and delete its predecessor in one manifest
// append).
func (vs *VersionSet) InstallEdits(edits []*VersionEdit) error {
	return vs.installEdits(edits)
}

func (vs *VersionSet) installEdits(edits []*VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cur := vs.gens[len(vs.gens)-1]
	next := cur.version
	var removed []uint64
	var buf bytes.Buffer
	for _, e := range edits {
		buf.Write(e.Encode())
		var r []uint64
		next, r = next.apply(e)
		removed = append(removed, r...)
	}

	if _, err := vs.manifestFile.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "append manifest edits")
	}
	if err := vs.manifestFile.Sync(); err != nil {
		return errors.Wrap(err, "fsync manifest")
	}

	// cur.refs carried one implicit pin for "being the current generation";
	// that status now moves to newGen, so drop it here. Any remaining refs
	// belong to callers still holding a Current() handle to cur.
	cur.superseded = true
	cur.orphanFiles = append(cur.orphanFiles, removed...)
	cur.refs--
	newGen := &generation{version: next, refs: 1}
	vs.gens = append(vs.gens, newGen)

	if cur.refs == 0 {
		vs.pruneGen(cur)
		if len(cur.orphanFiles) > 0 && vs.opts.ReleaseFiles != nil {
			if err := vs.opts.ReleaseFiles(cur.orphanFiles); err != nil {
				vs.opts.Logger.Warnf("manifest: release files %v: %v", cur.orphanFiles, err)
			}
		}
	}
	return nil
}

// SetNextFileNumber installs a NextFileNumber edit, used by streamdb.Open
// to checkpoint the log file manager's allocator watermark into the
// manifest.
func (vs *VersionSet) SetNextFileNumber(n uint64) error {
	return vs.InstallEdit(NewNextFileNumber(n))
}

// TruncateStream installs a StreamTruncate edit for streamID (spec §4.3
// "truncate_stream").
func (vs *VersionSet) TruncateStream(streamID uint64, watermark wal.Sequence, replicas []string) error {
	return vs.InstallEdit(NewStreamTruncate(streamID, watermark, replicas))
}

// Close closes the manifest file.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestFile.Close()
}

// ManifestNumber returns the currently active manifest file's number.
func (vs *VersionSet) ManifestNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestNumber
}

// Rotate writes a compacted, s2-compressed snapshot of the current Version
// to a new manifest file and atomically repoints CURRENT at it (spec §4.3
// "manifest rotation"), then closes out the old manifest file. Callers
// typically invoke this periodically or once the manifest log grows past
// a size threshold.
func (vs *VersionSet) Rotate() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cur := vs.gens[len(vs.gens)-1]
	snapshot := encodeSnapshot(cur.version)

	newNumber := vs.manifestNumber + 1
	f, err := os.OpenFile(manifestFileName(vs.opts.Dir, newNumber), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "create rotated manifest")
	}
	if _, err := f.Write(snapshot); err != nil {
		f.Close() // nolint: errcheck
		return errors.Wrap(err, "write manifest snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close() // nolint: errcheck
		return errors.Wrap(err, "fsync rotated manifest")
	}

	if err := writeCurrent(vs.opts.Dir, newNumber); err != nil {
		f.Close() // nolint: errcheck
		return err
	}

	oldFile := vs.manifestFile
	vs.manifestFile = f
	vs.manifestNumber = newNumber
	oldFile.Close() // nolint: errcheck
	vs.opts.Logger.Infof("manifest: rotated to MANIFEST-%06d", newNumber)
	return nil
}

var snapshotMagic = []byte("ARWLOGSNAP1")

// encodeSnapshot compresses an encoded full Version (every stream's
// current metadata plus every live file, replayed as a stream of edits)
// with klauspost/compress/s2, prefixed with a magic marker and a u32
// length so a manifest file can have plain edits appended after the
// snapshot blob (by later InstallEdit calls) without ambiguity about
// where the compressed region ends.
func encodeSnapshot(v *Version) []byte {
	var raw bytes.Buffer
	for fn := range v.liveFiles {
		raw.Write(NewFileAdd(fn).Encode())
	}
	for id, m := range v.streams {
		raw.Write(NewStreamAdd(id).Encode())
		raw.Write(NewStreamTruncate(id, m.TruncationWatermark, m.Replicas).Encode())
	}
	raw.Write(NewNextFileNumber(v.nextFileNumber).Encode())

	compressed := s2.Encode(nil, raw.Bytes())
	w := codec.NewWriter(len(snapshotMagic) + 4 + len(compressed))
	w.PutBytes(snapshotMagic)
	w.PutLenPrefixed(compressed)
	return w.Bytes()
}

func decodeSnapshot(data []byte) (version *Version, rest []byte, err error) {
	r := codec.NewReader(data[len(snapshotMagic):])
	compressed := r.GetLenPrefixed()
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode manifest snapshot")
	}
	v := emptyVersion()
	buf := raw
	for len(buf) > 0 {
		edit, n, err := DecodeEdit(buf)
		if err != nil {
			return nil, nil, err
		}
		v, _ = v.apply(edit)
		buf = buf[n:]
	}
	return v, data[len(snapshotMagic)+4+len(compressed):], nil
}

