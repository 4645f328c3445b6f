package stream

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/wal"
)

const defaultHighWaterMark = 1024

// WriteResult is delivered to a Waiter once a submitted Txn's durable
// append and index application have both completed.
type WriteResult struct {
	ContinuousIndex uint32
	AckedIndex      uint32
	FileNumber      uint64 // log file the record was durably appended into
	Err             error
}

// Waiter is returned by Submit; the caller blocks on Done to learn the
// outcome of its batch (spec §4.5 `submit(core_ref, txn) -> Waiter`).
type Waiter struct {
	done chan WriteResult
}

// Done blocks until the submitted transaction's outcome is known.
func (w *Waiter) Done() WriteResult { return <-w.done }

type submission struct {
	core   *PartialStream
	txn    *Txn
	waiter *Waiter
}

// PipelinedWriter serializes durable appends for one stream and applies
// their in-memory index updates in submission order (spec §4.5), grounded
// in original_source/stream/channel.rs's Channel/Request hand-off. The
// owning mutex is released before the durable append and re-acquired only
// to apply index mutations, per spec §5's "never held across I/O" rule.
type PipelinedWriter struct {
	logEngine *commitlog.LogFileManager
	logger    logger.Logger

	mu            sync.Mutex
	pending       *queue.RingBuffer
	flushing      bool
	highWaterMark int64
}

// NewPipelinedWriter creates a writer that durably appends through
// logEngine. highWaterMark is the soft back-pressure threshold (spec
// §4.5); 0 selects a sane default.
func NewPipelinedWriter(logEngine *commitlog.LogFileManager, log logger.Logger, highWaterMark int64) *PipelinedWriter {
	if highWaterMark <= 0 {
		highWaterMark = defaultHighWaterMark
	}
	if log == nil {
		log = logger.NewSilent()
	}
	return &PipelinedWriter{
		logEngine:     logEngine,
		logger:        log,
		pending:       queue.NewRingBuffer(uint64(highWaterMark)),
		highWaterMark: highWaterMark,
	}
}

// Submit enqueues txn for durable append against core's index and returns
// a Waiter for its outcome (spec §4.5 `submit`). If the pending queue is
// already at its soft high-water mark, Submit returns ErrBusy immediately
// instead of enqueuing — callers retry once the in-flight batch completes.
// If no flush is currently in progress, Submit starts a new flusher
// goroutine (flushLoop) and returns at once; the flusher pops every
// currently-pending submission and performs the durable appends with no
// lock held.
func (w *PipelinedWriter) Submit(core *PartialStream, txn *Txn) (*Waiter, error) {
	waiter := &Waiter{done: make(chan WriteResult, 1)}
	sub := &submission{core: core, txn: txn, waiter: waiter}

	w.mu.Lock()
	if w.pending.Len() >= uint64(w.highWaterMark) {
		w.mu.Unlock()
		return nil, kerrors.ErrBusy
	}
	ok, err := w.pending.Offer(sub)
	if err != nil {
		w.mu.Unlock()
		return nil, kerrors.Newf(kerrors.IO, "enqueue submission: %v", err)
	}
	if !ok {
		w.mu.Unlock()
		return nil, kerrors.ErrBusy
	}
	if w.flushing {
		w.mu.Unlock()
		return waiter, nil
	}
	w.flushing = true
	w.mu.Unlock()

	go w.flushLoop()
	return waiter, nil
}

// RegisterReadingWaiter delegates to the given stream's waiter registry
// (spec §4.5 `register_reading_waiter`); it is a thin wrapper around
// core.RegisterReadingWaiter, which SegmentReader calls directly.
func (w *PipelinedWriter) RegisterReadingWaiter(core *PartialStream) <-chan struct{} {
	return core.RegisterReadingWaiter()
}

// flushLoop pops everything currently pending, performs the durable
// appends with no lock held, applies the resulting index updates in
// submission order, fulfills waiters, and loops if more arrived meanwhile.
// Exactly one goroutine runs this for a given writer at a time.
func (w *PipelinedWriter) flushLoop() {
	for {
		batch := w.drainPending()
		if len(batch) == 0 {
			w.mu.Lock()
			if w.pending.Len() == 0 {
				w.flushing = false
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			continue
		}

		var wg sync.WaitGroup
		locations := make([]wal.LogLocation, len(batch))
		errs := make([]error, len(batch))
		for i, sub := range batch {
			wg.Add(1)
			go func(i int, sub *submission) {
				defer wg.Done()
				fn, off, size, err := w.logEngine.Append(sub.txn.Record)
				if err != nil {
					errs[i] = err
					return
				}
				locations[i] = wal.LogLocation{FileNumber: fn, Offset: off, Size: size}
			}(i, sub)
		}
		wg.Wait()

		for i, sub := range batch {
			if errs[i] != nil {
				sub.waiter.done <- WriteResult{Err: errs[i]}
				continue
			}
			loc := locations[i]
			sub.txn.locations = make([]wal.LogLocation, len(sub.txn.Record.Entries))
			for j := range sub.txn.locations {
				sub.txn.locations[j] = loc
			}
			ci, ai := sub.core.Apply(sub.txn)
			sub.waiter.done <- WriteResult{ContinuousIndex: ci, AckedIndex: ai, FileNumber: loc.FileNumber}
		}
	}
}

func (w *PipelinedWriter) drainPending() []*submission {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pending.Len()
	if n == 0 {
		return nil
	}
	batch := make([]*submission, 0, int(n))
	for i := uint64(0); i < n; i++ {
		v, err := w.pending.Get()
		if err != nil {
			break
		}
		batch = append(batch, v.(*submission))
	}
	return batch
}
