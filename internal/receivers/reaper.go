package receivers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/internal/storage"
)

// ReaperConfig tunes the claim-timeout reaper.
type ReaperConfig struct {
	// Interval is the sweep period. Default 1m.
	Interval time.Duration
	// MaxAge is how long a claim may stand before it is considered
	// stranded by a crashed worker. Default 10m.
	MaxAge time.Duration
}

func (c *ReaperConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 10 * time.Minute
	}
}

// Reaper periodically unclaims rows whose worker died mid-claim. Without
// it a crash between claim and release strands rows forever.
type Reaper struct {
	janitor storage.ClaimJanitor
	cfg     ReaperConfig
	log     *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(janitor storage.ClaimJanitor, cfg ReaperConfig, log *logrus.Entry) *Reaper {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reaper{
		janitor: janitor,
		cfg:     cfg,
		log:     log.WithField("component", "claim-reaper"),
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reap round; exported so operators can trigger it.
func (r *Reaper) Sweep(ctx context.Context) {
	n, err := r.janitor.ReapExpiredClaims(ctx, r.cfg.MaxAge)
	if err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Warn("reaping expired claims")
		}
		return
	}
	if n > 0 {
		r.log.WithField("released", n).Info("released expired claims")
	}
}
