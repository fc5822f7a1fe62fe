package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"codesync/internal/session"
	"codesync/internal/utils"
)

const (
	defaultSchedule    = "@every 1m"
	defaultIdleTimeout = 5 * time.Minute
	reclaimTimeout     = 10 * time.Second
)

// Target is the part of the lifecycle handler the janitor maintains.
type Target interface {
	IdlePeers(cutoff time.Time) []*session.Peer
	ClosePeer(p *session.Peer)
	ReclaimSnapshots(ctx context.Context) int
	RefreshGauges()
}

// Janitor closes sockets that connected but never joined a room, lets the
// snapshot store expire snapshots of rooms no longer open and keeps the
// connection gauges in step with the stores.
type Janitor struct {
	target      Target
	cron        *cron.Cron
	now         func() time.Time
	schedule    string
	idleTimeout time.Duration
	log         *utils.Logger
}

type Option func(*Janitor)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(j *Janitor) {
		if c != nil {
			j.cron = c
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

func WithSchedule(schedule string) Option {
	return func(j *Janitor) {
		if schedule != "" {
			j.schedule = schedule
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.idleTimeout = d
		}
	}
}

func New(target Target, log *utils.Logger, opts ...Option) *Janitor {
	j := &Janitor{
		target:      target,
		now:         time.Now,
		schedule:    defaultSchedule,
		idleTimeout: defaultIdleTimeout,
		log:         log.With("component", "janitor"),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.cron == nil {
		j.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return j
}

func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.RunOnce() }); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	j.log.Info("janitor started", "schedule", j.schedule, "idleTimeout", j.idleTimeout.String())
	return nil
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// RunOnce performs one sweep and reports how many idle sockets were closed.
func (j *Janitor) RunOnce() int {
	idle := j.target.IdlePeers(j.now().Add(-j.idleTimeout))
	for _, p := range idle {
		j.log.Info("closing socket that never joined a room", "socketId", p.ID, "connectedAt", p.ConnectedAt.Format(time.RFC3339))
		j.target.ClosePeer(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()
	if n := j.target.ReclaimSnapshots(ctx); n > 0 {
		j.log.Info("expiring orphaned snapshots", "count", n)
	}
	j.target.RefreshGauges()
	return len(idle)
}
