// Package streamdb is the public façade (spec §4.6), grounded in
// original_source/streamdb.rs's StreamDB::open/create/recover/read/
// write/seal/truncate. It wires together commitlog (durable storage),
// manifest (the version set), and stream (per-stream index + pipelined
// writer) behind a single entry point.
package streamdb

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/manifest"
	"github.com/devillove084/arrowlog/stream"
	"github.com/devillove084/arrowlog/wal"
)

// Options configures Open/Create.
type Options struct {
	Dir             string
	CreateIfMissing bool
	MaxSegmentBytes int64
	WriterHighWater int64
	Logger          logger.Logger

	// BestEffortRecovery relaxes Open's handling of a corrupt or torn
	// trailing record found while replaying log files into partial
	// streams (spec §7). The default, false, aborts Open with the
	// corruption error. Setting it true truncates replay of the
	// offending file at the last good record and continues, matching
	// commitlog.Options.BestEffortRecovery (which this is forwarded to).
	BestEffortRecovery bool
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logger.NewSilent()
	}
}

// streamCore bundles the per-stream partial index with the pipelined
// writer serving it. StreamDB hands the core to SegmentReaders and to
// PipelinedWriter.Submit on every write call (the "explicit owner
// capability" resolution to spec §9's cyclic-ownership note).
type streamCore struct {
	partial *stream.PartialStream
	writer  *stream.PipelinedWriter
}

// StreamDB is the top-level façade over the durable log, the manifest, and
// every stream's in-memory index (spec §4.6).
type StreamDB struct {
	opts Options

	logEngine *commitlog.LogFileManager
	versions  *manifest.VersionSet

	mu      sync.RWMutex
	streams map[uint64]*streamCore

	// fileMu guards knownFiles, the set of data log file numbers already
	// recorded live in the manifest (spec §3/§4.3: the version set tracks
	// the set of live log files). It is separate from mu since noting a
	// file live never touches the streams map.
	fileMu     sync.Mutex
	knownFiles map[uint64]struct{}
}

// Create initializes an empty manifest and CURRENT pointer at dir (spec
// §4.6 `create`).
func Create(opts Options) (*StreamDB, error) {
	opts.CreateIfMissing = true
	return Open(opts)
}

// Open recovers the version set from the manifest, analyzes on-disk
// layout, replays relevant log files into per-stream partial streams, and
// advances next_file_number (spec §4.6 `open`). With CreateIfMissing
// false, a missing CURRENT file is a NotFound error.
func Open(opts Options) (*StreamDB, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, errors.New("streamdb: dir is empty")
	}

	exists, err := manifest.Exists(opts.Dir)
	if err != nil {
		return nil, err
	}
	if !exists && !opts.CreateIfMissing {
		return nil, kerrors.Newf(kerrors.NotFound, "no CURRENT file in %s and create_if_missing is false", opts.Dir)
	}

	db := &StreamDB{opts: opts, streams: make(map[uint64]*streamCore), knownFiles: make(map[uint64]struct{})}

	logEngine, err := commitlog.Open(commitlog.Options{
		Dir:                opts.Dir,
		MaxSegmentBytes:    opts.MaxSegmentBytes,
		Logger:             opts.Logger,
		BestEffortRecovery: opts.BestEffortRecovery,
	}, 0)
	if err != nil {
		return nil, err
	}
	db.logEngine = logEngine

	versions, err := manifest.Recover(manifest.Options{
		Dir:          opts.Dir,
		ReleaseFiles: logEngine.Release,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	db.versions = versions

	maxFileNumber := logEngine.MaxFileNumber()
	version, release := versions.Current()
	defer release()
	if maxFileNumber+1 > version.NextFileNumber() {
		if err := versions.SetNextFileNumber(maxFileNumber + 1); err != nil {
			return nil, err
		}
	}

	// Bootstrap the live-file set from whatever is already on disk: files
	// written before a crash (or before this version of the manifest ever
	// recorded FileAdd edits) must not look orphaned to a later truncate.
	for _, fn := range version.LiveFiles() {
		db.knownFiles[fn] = struct{}{}
	}
	var bootstrap []*manifest.VersionEdit
	for _, fn := range logEngine.AllFileNumbers() {
		if _, ok := db.knownFiles[fn]; !ok {
			bootstrap = append(bootstrap, manifest.NewFileAdd(fn))
			db.knownFiles[fn] = struct{}{}
		}
	}
	if len(bootstrap) > 0 {
		if err := versions.InstallEdits(bootstrap); err != nil {
			return nil, err
		}
	}

	if err := db.replayIntoPartialStreams(version); err != nil {
		return nil, err
	}
	return db, nil
}

// replayIntoPartialStreams scans every live log file and feeds every
// record it contains back into the owning stream's partial index, so a
// reopened StreamDB serves reads without re-touching disk per request.
// Reaching clean end of file stops the scan normally; a torn or corrupt
// trailing record is fatal unless opts.BestEffortRecovery truncates the
// scan there instead (spec §7).
func (db *StreamDB) replayIntoPartialStreams(version *manifest.Version) error {
	for _, fn := range db.logEngine.AllFileNumbers() {
		it, err := db.logEngine.Reader(fn)
		if err != nil {
			return err
		}
		offset := int64(0)
		for {
			rec, err := it.Next()
			if err != nil {
				if err == io.EOF {
					break
				}
				if db.opts.BestEffortRecovery {
					db.opts.Logger.Warnf("commitlog: truncating recovery of file %d at offset %d: %v", fn, offset, err)
					break
				}
				return errors.Wrapf(err, "recover log file %d", fn)
			}
			frameLen := it.Offset() - offset
			core := db.mustGetStreamCoreLocked(rec.StreamID)
			loc := wal.LogLocation{FileNumber: fn, Offset: offset, Size: int(frameLen)}
			locs := make([]wal.LogLocation, len(rec.Entries))
			for i := range locs {
				locs[i] = loc
			}
			core.partial.ApplyRecord(rec.SegmentEpoch, rec, locs)
			offset = it.Offset()
		}
	}
	return nil
}

func (db *StreamDB) mustGetStreamCoreLocked(streamID uint64) *streamCore {
	db.mu.Lock()
	defer db.mu.Unlock()
	core, _ := db.mustGetStreamCoreUnlocked(streamID)
	return core
}

// mustGetStreamCoreUnlocked returns streamID's core, creating an empty one
// if absent. created reports whether this call is what created it, so the
// caller can decide whether a StreamAdd manifest edit is needed.
func (db *StreamDB) mustGetStreamCoreUnlocked(streamID uint64) (core *streamCore, created bool) {
	if core, ok := db.streams[streamID]; ok {
		return core, false
	}
	core = &streamCore{
		partial: stream.NewPartialStream(streamID),
		writer:  stream.NewPipelinedWriter(db.logEngine, db.opts.Logger, db.opts.WriterHighWater),
	}
	db.streams[streamID] = core
	return core, true
}

// mightGetStreamCore returns the stream's core, or ErrStreamNotFound if it has
// never been written (spec §4.6 `might_get_stream`).
func (db *StreamDB) mightGetStreamCore(streamID uint64) (*streamCore, error) {
	db.mu.RLock()
	core, ok := db.streams[streamID]
	db.mu.RUnlock()
	if !ok {
		return nil, kerrors.ErrStreamNotFound
	}
	return core, nil
}

// mustGetStream lazily creates an empty stream bound to the current
// version if it does not already exist (spec §4.6 `must_get_stream`). Only
// the call that actually creates the stream installs a StreamAdd manifest
// edit; subsequent calls reuse the existing core with no manifest traffic.
func (db *StreamDB) mustGetStream(streamID uint64) (*streamCore, error) {
	db.mu.Lock()
	core, created := db.mustGetStreamCoreUnlocked(streamID)
	db.mu.Unlock()

	if created {
		if err := db.versions.InstallEdit(manifest.NewStreamAdd(streamID)); err != nil {
			return nil, err
		}
	}
	return core, nil
}

// Write delegates to the partial stream and pipelined writer, materializing
// missing prior indices as Holes so continuous_index can advance (spec
// §4.6 `write`).
func (db *StreamDB) Write(streamID uint64, segmentEpoch, writerEpoch uint32, ackedSeq wal.Sequence, firstIndex uint32, entries []wal.Entry) (continuousIndex, ackedIndex uint32, err error) {
	core, err := db.mustGetStream(streamID)
	if err != nil {
		return 0, 0, err
	}
	txn, err := core.partial.Write(writerEpoch, segmentEpoch, ackedSeq, firstIndex, entries)
	if err != nil {
		return 0, 0, err
	}
	waiter, err := core.writer.Submit(core.partial, txn)
	if err != nil {
		return 0, 0, err
	}
	res := waiter.Done()
	if res.Err == nil {
		if err := db.noteFileLive(res.FileNumber); err != nil {
			return res.ContinuousIndex, res.AckedIndex, err
		}
	}
	return res.ContinuousIndex, res.AckedIndex, res.Err
}

// noteFileLive installs a FileAdd manifest edit the first time a record
// lands in fileNumber, so the version set actually tracks the live log
// files it claims to (spec §3/§4.3). Subsequent writes into an
// already-known file are a no-op here.
func (db *StreamDB) noteFileLive(fileNumber uint64) error {
	db.fileMu.Lock()
	if _, ok := db.knownFiles[fileNumber]; ok {
		db.fileMu.Unlock()
		return nil
	}
	db.knownFiles[fileNumber] = struct{}{}
	db.fileMu.Unlock()
	return db.versions.InstallEdit(manifest.NewFileAdd(fileNumber))
}

// Seal marks segmentEpoch sealed for streamID and returns its acked_index
// (spec §4.6 `seal`).
func (db *StreamDB) Seal(streamID uint64, segmentEpoch, writerEpoch uint32) (ackedIndex uint32, err error) {
	core, err := db.mightGetStreamCore(streamID)
	if err != nil {
		return 0, err
	}
	core.partial.Seal(segmentEpoch, core.partial.AckedIndex(segmentEpoch))
	return core.partial.AckedIndex(segmentEpoch), nil
}

// Read returns a lazy SegmentReader over streamID's segmentEpoch starting
// at start (spec §4.6 `read`).
func (db *StreamDB) Read(streamID uint64, segmentEpoch, start uint32, requireAcked bool) (*stream.SegmentReader, error) {
	core, err := db.mightGetStreamCore(streamID)
	if err != nil {
		return nil, err
	}
	return stream.NewSegmentReader(core.partial, db.logEngine, segmentEpoch, start, requireAcked), nil
}

// Truncate validates keep_seq against the stream's acked_seq, installs a
// manifest edit, and lets the grace-period mechanism reclaim orphaned log
// files once no reader still needs them (spec §4.6 `truncate`).
func (db *StreamDB) Truncate(streamID uint64, keepSeq wal.Sequence) error {
	core, err := db.mightGetStreamCore(streamID)
	if err != nil {
		return err
	}
	if keepSeq.Compare(core.partial.AckedSeq()) > 0 {
		return kerrors.Newf(kerrors.InvalidArgument, "keep_seq %s exceeds acked_seq %s", keepSeq, core.partial.AckedSeq())
	}

	version, release := db.versions.Current()
	meta, _ := version.StreamMeta(streamID)
	release()

	if err := db.versions.TruncateStream(streamID, keepSeq, meta.Replicas); err != nil {
		return err
	}
	core.partial.DropBelow(keepSeq)
	return db.advanceGracePeriod()
}

// advanceGracePeriod recomputes, across every stream's surviving index
// entries, which live log files are no longer referenced by anything and
// installs a FileDelete edit for each (spec §4.3 grace period, §4.6
// `truncate`). A file is only genuinely orphaned once no stream anywhere
// still points into it, since a single log file is shared by interleaved
// records from many streams; the still-active file is never considered
// orphaned even if momentarily unreferenced. It then refreshes every
// partial stream's index against the resulting live-file set, which is a
// no-op everywhere except the streams that actually lost a file.
func (db *StreamDB) advanceGracePeriod() error {
	version, release := db.versions.Current()
	live := make(map[uint64]struct{}, len(version.LiveFiles()))
	for _, fn := range version.LiveFiles() {
		live[fn] = struct{}{}
	}
	release()

	referenced := make(map[uint64]struct{})
	db.mu.RLock()
	for _, core := range db.streams {
		for fn := range core.partial.ReferencedFiles() {
			referenced[fn] = struct{}{}
		}
	}
	db.mu.RUnlock()

	active := db.logEngine.ActiveFileNumber()
	var orphanEdits []*manifest.VersionEdit
	for fn := range live {
		if fn == active {
			continue
		}
		if _, ok := referenced[fn]; ok {
			continue
		}
		orphanEdits = append(orphanEdits, manifest.NewFileDelete(fn))
		delete(live, fn)
	}
	if len(orphanEdits) > 0 {
		if err := db.versions.InstallEdits(orphanEdits); err != nil {
			return err
		}
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, core := range db.streams {
		core.partial.RefreshVersions(live)
	}
	return nil
}

// Close flushes and closes the manifest and log engine.
func (db *StreamDB) Close() error {
	var firstErr error
	if err := db.versions.Close(); err != nil {
		firstErr = err
	}
	if err := db.logEngine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
