package escalation

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically expires overdue escalations. Stop it via its
// context or Stop.
type Sweeper struct {
	workflow *Workflow
	interval time.Duration
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(w *Workflow, interval time.Duration, logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{workflow: w, interval: interval, logger: logger, done: make(chan struct{})}
}

// Start sweeps once immediately, then on every interval.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Printf("escalation sweeper started (interval=%s)", s.interval)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.workflow.Sweep(ctx)
	if err != nil {
		s.logger.Printf("escalation sweep error: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("escalation sweep: expired %d records", n)
	}
}
