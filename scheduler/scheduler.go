// Package scheduler runs the I/O scheduler described in spec §4.8: one
// goroutine per Intent returned from an Observer, executed against an
// injected Runtime, delivering its result Msg back onto the owning
// stream's event loop (a successful heartbeat instead forwards the master's
// commands onto the command channel). It is grounded in the teacher's
// server/replicator.go request-loop shape (one goroutine per outbound RPC,
// context-bounded, reporting back through a channel) and logs each task
// with a nats-io/nuid correlation ID the way the teacher correlates
// raft/replication RPCs.
package scheduler

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/nats-io/nuid"

	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/observer"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

// Runtime is the injected capability bundle a scheduler drives intents
// against: per-replica RPCs plus the master service (spec §6).
type Runtime struct {
	Transport transport.Transport
	Master    transport.Master
}

// Options configures a Scheduler.
type Options struct {
	RPCTimeout        time.Duration
	HeartbeatInterval time.Duration
	Logger            logger.Logger
}

func (o *Options) setDefaults() {
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewSilent()
	}
}

// Scheduler executes Intents against a Runtime and delivers resulting Msgs
// onto out, and any commands a heartbeat's response carries onto cmds. One
// Scheduler instance is shared by every observer registered with it; each
// Run call spawns its own goroutine and never blocks the caller (spec
// §4.8).
type Scheduler struct {
	rt   Runtime
	opts Options
	out  chan<- observer.Msg
	cmds chan<- transport.Command
}

// New creates a Scheduler that executes against rt, reports terminal
// messages onto out, and forwards master commands onto cmds.
func New(rt Runtime, out chan<- observer.Msg, cmds chan<- transport.Command, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{rt: rt, opts: opts, out: out, cmds: cmds}
}

// Run dispatches one goroutine per intent in intents; it returns
// immediately. Each goroutine executes exactly one RPC (or, for
// IntentLearn, one streaming RPC). Write, seal and get-segments tasks emit
// exactly one Msg; a learn task emits one Learned Msg per batch and then one
// terminal Msg; a heartbeat emits ConClusterTimeout on failure and on
// success forwards the returned commands onto cmds with no Msg.
func (s *Scheduler) Run(ctx context.Context, intents []observer.Intent) {
	for _, in := range intents {
		go s.execute(ctx, in)
	}
}

func (s *Scheduler) execute(ctx context.Context, in observer.Intent) {
	corr := nuid.Next()
	log := s.opts.Logger.WithField("correlation_id", corr).WithField("intent", in.Kind.String())

	switch in.Kind {
	case observer.IntentWrite:
		s.executeWrite(ctx, in, log)
	case observer.IntentSeal:
		s.executeSeal(ctx, in, log)
	case observer.IntentLearn:
		s.executeLearn(ctx, in, log)
	case observer.IntentHeartbeat:
		s.executeHeartbeat(ctx, in, log)
	case observer.IntentGetSegments:
		s.executeGetSegments(ctx, in, log)
	}
}

func (s *Scheduler) deliver(msg observer.Msg) {
	select {
	case s.out <- msg:
	default:
		go func() { s.out <- msg }()
	}
}

func (s *Scheduler) executeWrite(ctx context.Context, in observer.Intent, log logger.Logger) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()

	resp, err := s.rt.Transport.Write(cctx, in.Replica, in.StreamID, in.WriterEpoch, in.WriteReq)
	elapsed := durafmt.Parse(time.Since(start)).LimitFirstN(2).String()
	if err != nil {
		log.Warnf("write to %s failed after %s: %v", in.Replica, elapsed, err)
		s.deliver(observer.WriteTimeout(in.Replica))
		return
	}
	log.Debugf("write to %s acked after %s", in.Replica, elapsed)
	s.deliver(observer.Received(in.Replica, resp.MatchedIndex, resp.AckedIndex))
}

func (s *Scheduler) executeSeal(ctx context.Context, in observer.Intent, log logger.Logger) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()

	ackedIndex, err := s.rt.Transport.Seal(cctx, in.Replica, in.StreamID, in.WriterEpoch, in.SegmentEpoch)
	if err != nil {
		log.Warnf("seal on %s failed: %v", in.Replica, err)
		s.deliver(observer.WriteTimeout(in.Replica))
		return
	}
	s.deliver(observer.Sealed(in.Replica, ackedIndex))
}

// executeLearn streams entries from in.Replica starting at
// in.LearnStartIndex, delivering one Learned Msg per batch and a final
// Recovered Msg once the replica reports end-of-stream (spec §4.7 learn
// algorithm steps 2-3).
func (s *Scheduler) executeLearn(ctx context.Context, in observer.Intent, log logger.Logger) {
	next := in.LearnStartIndex
	err := s.rt.Transport.Read(ctx, in.Replica, in.StreamID, in.SegmentEpoch, next, in.RequireAcked, func(batch []wal.Entry) error {
		if len(batch) == 0 {
			return nil
		}
		s.deliver(observer.Learned(in.SegmentEpoch, next, batch))
		next += uint32(len(batch))
		return nil
	})
	if err != nil {
		log.Warnf("learn from %s for segment %d failed: %v", in.Replica, in.SegmentEpoch, err)
		s.deliver(observer.WriteTimeout(in.Replica))
		return
	}
	log.Debugf("learn from %s for segment %d reached end-of-stream at index %d", in.Replica, in.SegmentEpoch, next)
	s.deliver(observer.Recovered(in.SegmentEpoch, in.WriterEpoch))
}

// executeGetSegments verifies the master's record of this stream's sealed
// segments against the observer's own view, delivering the counts for
// Handle(MsgSegmentsChecked) to compare (spec §4.7 protocol-violation
// rule: a count mismatch demotes the observer back to Following).
func (s *Scheduler) executeGetSegments(ctx context.Context, in observer.Intent, log logger.Logger) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()

	descs, err := s.rt.Master.GetSegments(cctx, in.StreamID, in.Epochs)
	if err != nil {
		log.Warnf("get_segments failed: %v", err)
		s.deliver(observer.ConClusterTimeout())
		return
	}
	s.deliver(observer.SegmentsChecked(len(in.Epochs), len(descs)))
}

func (s *Scheduler) executeHeartbeat(ctx context.Context, in observer.Intent, log logger.Logger) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()

	cmds, err := s.rt.Master.Heartbeat(cctx, in.Meta)
	if err != nil {
		log.Warnf("heartbeat failed, retrying in %s (~%s): %v",
			durafmt.Parse(s.opts.HeartbeatInterval).LimitFirstN(1).String(), humanize.Time(time.Now().Add(s.opts.HeartbeatInterval)), err)
		s.deliver(observer.ConClusterTimeout())
		return
	}
	for _, cmd := range cmds {
		select {
		case s.cmds <- cmd:
		case <-ctx.Done():
			return
		}
	}
}
