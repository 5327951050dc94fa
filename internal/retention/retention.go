package retention

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store"
)

// Config controls the periodic purge of dead local records.
type Config struct {
	Enabled bool
	Cron    string
	// MaxAge is how long a terminally failed record survives before a
	// sweep removes it.
	MaxAge time.Duration
}

// Sweeper prunes terminally failed messages on a cron schedule. Sent
// history is never touched; only records whose delivery was given up on
// age out.
type Sweeper struct {
	st    *store.Store
	clock clockwork.Clock
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st *store.Store, clock clockwork.Clock, cfg Config) *Sweeper {
	return &Sweeper{st: st, clock: clock, cfg: cfg}
}

// Start begins the schedule loop. Disabled config is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		logger.Info("retention_disabled")
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger.Info("retention_enabled", "cron", s.cfg.Cron, "max_age", s.cfg.MaxAge.String())
	s.wg.Add(1)
	go s.scheduleLoop()
}

// Stop halts the schedule loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) scheduleLoop() {
	defer s.wg.Done()
	for {
		now := s.clock.Now()
		next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", s.cfg.Cron, "error", err)
			if !s.sleep(30 * time.Second) {
				return
			}
			continue
		}
		if !s.sleep(next.Sub(now)) {
			return
		}
		if err := s.RunOnce(); err != nil {
			logger.Error("retention_run_failed", "error", err)
		}
	}
}

// RunOnce executes a single purge pass immediately.
func (s *Sweeper) RunOnce() error {
	cutoff := s.clock.Now().Add(-s.cfg.MaxAge).UTC().UnixNano()
	failed, err := s.st.ListByStatus(models.StatusFailed)
	if err != nil {
		return err
	}
	var scanned, purged int
	for _, msg := range failed {
		if s.ctx != nil && s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		scanned++
		// NextRetryTS == 0 marks a terminal failure; scheduled retries
		// are still live.
		if msg.NextRetryTS != 0 || msg.UpdatedTS > cutoff {
			continue
		}
		if err := s.st.Delete(msg.Cid); err != nil {
			logger.Error("retention_delete_failed", "cid", msg.Cid, "error", err)
			continue
		}
		purged++
		logger.Info("retention_purged", "cid", msg.Cid, "age", humanize.Time(time.Unix(0, msg.UpdatedTS)))
	}
	logger.Info("retention_run_complete", "scanned", scanned, "purged", purged)
	return nil
}

func (s *Sweeper) sleep(d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	var done <-chan struct{}
	if s.ctx != nil {
		done = s.ctx.Done()
	}
	select {
	case <-done:
		return false
	case <-t.Chan():
		return true
	}
}
