package mutationlog

import (
	"context"
	"log"
	"time"
)

// Pruner deletes expired entries on an interval. Entries carry their own
// expiry, so the pruner only needs the current time.
type Pruner struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPruner(s Store, interval time.Duration, logger *log.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pruner{store: s, interval: interval, now: time.Now, logger: logger, done: make(chan struct{})}
}

// Start prunes once immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	p.logger.Printf("mutation log pruner started (interval=%s)", p.interval)
}

func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)
	p.RunOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

func (p *Pruner) RunOnce(ctx context.Context) int64 {
	cutoff := p.now().UTC()
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Printf("mutation log prune error: %v", err)
		return 0
	}
	if n > 0 {
		p.logger.Printf("mutation log prune: deleted %d entries expired before %s", n, cutoff.Format(time.RFC3339))
	}
	return n
}
