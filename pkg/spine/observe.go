package spine

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/metrics"
	"integrityspine/pkg/models"
	"integrityspine/pkg/statebus"
	"integrityspine/pkg/stream"
)

// Instrument hooks counters and stream events into every component the
// service owns. Existing hooks are kept and run first. Either argument may
// be nil.
func (s *Service) Instrument(m *metrics.Registry, hub *stream.Hub) {
	emit := func(t string, data any) {
		if hub != nil {
			hub.Emit(t, data)
		}
	}
	if s.Chain != nil {
		prevAppend, prevRetry, prevViolation := s.Chain.OnAppend, s.Chain.OnRetry, s.Chain.OnViolation
		s.Chain.OnAppend = func(e audit.Entry) {
			if prevAppend != nil {
				prevAppend(e)
			}
			if m != nil {
				m.IncChainAppend()
			}
			emit(stream.TypeChainAppended, e)
		}
		s.Chain.OnRetry = func() {
			if prevRetry != nil {
				prevRetry()
			}
			if m != nil {
				m.IncChainRetry()
			}
		}
		s.Chain.OnViolation = func(v *audit.IntegrityViolation) {
			if prevViolation != nil {
				prevViolation(v)
			}
			if m != nil {
				m.IncChainViolation()
			}
			emit(stream.TypeChainViolation, v)
		}
	}
	if s.Escalations != nil {
		prev := s.Escalations.OnTransition
		s.Escalations.OnTransition = func(r escalation.Record) {
			if prev != nil {
				prev(r)
			}
			if m != nil {
				m.IncEscalation(r.Status())
			}
			emit(stream.TypeEscalation, r)
		}
	}
	if s.Anchors != nil {
		prev := s.Anchors.OnStatus
		s.Anchors.OnStatus = func(a anchor.Anchor) {
			if prev != nil {
				prev(a)
			}
			if m != nil {
				m.IncAnchor(a.Status)
				if !a.CreatedAt.IsZero() && a.UpdatedAt.After(a.CreatedAt) {
					m.ObserveVerification(a.UpdatedAt.Sub(a.CreatedAt))
				}
			}
			if a.Status == anchor.StatusVerified {
				emit(stream.TypeAnchorVerified, a)
			} else {
				emit(stream.TypeAnchorFailed, a)
			}
		}
	}
	if s.Mutations != nil {
		prev := s.Mutations.OnDuplicate
		s.Mutations.OnDuplicate = func(op string) {
			if prev != nil {
				prev(op)
			}
			// Request claims replay alongside every retried decide.
			if op == requestClaimOp || op == decisionIndexOp {
				return
			}
			if m != nil {
				m.IncDuplicate(op)
			}
			emit(stream.TypeDuplicateMutation, map[string]string{"operation": op})
		}
	}
	prev := s.OnDecision
	s.OnDecision = func(dc models.DecisionContext) {
		if prev != nil {
			prev(dc)
		}
		if m != nil {
			m.IncDecision(dc.Decision.Decision, dc.Decision.ReasonCode)
		}
	}
}

// InstrumentFeed counts revocations and announces them on the hub.
func InstrumentFeed(f *RevocationFeed, m *metrics.Registry, hub *stream.Hub) {
	prev := f.OnRevoked
	f.OnRevoked = func(req RevokeRequest, p models.ConsentPolicy) {
		if prev != nil {
			prev(req, p)
		}
		if m != nil {
			m.IncRevocation()
		}
		if hub != nil {
			hub.Emit(stream.TypeConsentRevoked, map[string]any{
				"subject_id": req.SubjectID,
				"policy_id":  p.ID,
				"revoked_at": p.RevokedAt,
			})
		}
	}
}

const auditKey = "audit-chain"

// AuditForwarder copies appended entries to the bus under one key, so
// they stay ordered on one partition. The bus is a secondary copy:
// when the buffer is full entries are dropped and counted, never blocking
// an append.
type AuditForwarder struct {
	pub    statebus.Publisher
	ch     chan audit.Entry
	logger *log.Logger
	cancel context.CancelFunc
	done   chan struct{}

	dropped atomic.Int64
	sent    atomic.Int64
}

func NewAuditForwarder(pub statebus.Publisher, buffer int, logger *log.Logger) *AuditForwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AuditForwarder{pub: pub, ch: make(chan audit.Entry, buffer), logger: logger, done: make(chan struct{})}
}

// Attach chains the forwarder onto the chain's append hook.
func (f *AuditForwarder) Attach(c *audit.Chain) {
	prev := c.OnAppend
	c.OnAppend = func(e audit.Entry) {
		if prev != nil {
			prev(e)
		}
		f.Enqueue(e)
	}
}

func (f *AuditForwarder) Enqueue(e audit.Entry) {
	select {
	case f.ch <- e:
	default:
		f.dropped.Add(1)
	}
}

func (f *AuditForwarder) Dropped() int64 { return f.dropped.Load() }
func (f *AuditForwarder) Sent() int64    { return f.sent.Load() }

func (f *AuditForwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx)
	f.logger.Printf("audit forwarder started")
}

// Stop does not flush; the chain itself remains the source of truth.
func (f *AuditForwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

func (f *AuditForwarder) loop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-f.ch:
			b, err := json.Marshal(e)
			if err != nil {
				f.logger.Printf("audit forwarder encode error: %v", err)
				continue
			}
			if err := f.pub.Publish(ctx, auditKey, b); err != nil {
				if ctx.Err() != nil {
					return
				}
				f.dropped.Add(1)
				f.logger.Printf("audit forwarder publish error (seq=%d): %v", e.Seq, err)
				continue
			}
			f.sent.Add(1)
		}
	}
}
