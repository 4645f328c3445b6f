package scheduler

import (
	"context"
	"time"

	"github.com/devillove084/arrowlog/observer"
)

// RunHeartbeatLoop periodically builds a heartbeat Intent from metaFn and
// executes it, until ctx is done. The caller supplies metaFn rather than a
// fixed Observer so the loop keeps reporting the observer's latest state
// across epoch bumps and role changes.
func (s *Scheduler) RunHeartbeatLoop(ctx context.Context, metaFn func() observer.Intent) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go s.execute(ctx, metaFn())
		}
	}
}
