package conversations

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/logging"
)

// Sweeper runs the periodic maintenance pass: expire stale conversations,
// auto-reject stale approvals and purge resolved ones past retention.
type Sweeper struct {
	store *Store
	inbox *Inbox
	clk   clock.Clock
	log   *slog.Logger
	cron  *cron.Cron

	// OnExpired is called with the ids of conversations the pass expired.
	OnExpired func(ids []string)
	// OnAutoRejected is called with the approvals the pass auto-rejected,
	// so their requesters can be answered.
	OnAutoRejected func(approvals []Approval)
	// OnSweep runs at the end of every pass for caller maintenance (cache
	// eviction, key rotation checks).
	OnSweep func(now time.Time)
}

// NewSweeper creates a sweeper. Start schedules the pass hourly.
func NewSweeper(store *Store, inbox *Inbox, clk clock.Clock, log *logging.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		inbox: inbox,
		clk:   clk,
		log:   log.With("component", "sweeper"),
		cron:  cron.New(),
	}
}

// Start schedules the maintenance pass on the given interval (default 1h
// when zero) and runs one pass immediately to clear backlog from downtime.
func (s *Sweeper) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	go s.Sweep()
	return nil
}

// Stop halts the schedule, waiting for a running pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep() {
	now := s.clk.Now()

	expired := s.store.ExpireStale(now)
	if len(expired) > 0 && s.OnExpired != nil {
		s.OnExpired(expired)
	}

	rejected := s.inbox.ExpireStale(now)
	if len(rejected) > 0 {
		s.log.Info("auto-rejected stale approvals", "count", len(rejected))
		if s.OnAutoRejected != nil {
			s.OnAutoRejected(rejected)
		}
	}

	if s.OnSweep != nil {
		s.OnSweep(now)
	}
}
