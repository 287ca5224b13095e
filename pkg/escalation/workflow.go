package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout   = 24 * time.Hour
	resolveRetries   = 5
	defaultSweepSize = 100
)

// Store persists records. Update must fail with ErrVersionConflict unless
// the stored version equals expected, and bump the version on success.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetByRequest(ctx context.Context, requestID string) (Record, error)
	Update(ctx context.Context, rec Record, expected int) (Record, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Record, error)
	List(ctx context.Context, status string, limit int) ([]Record, error)
}

type Request struct {
	RequestID     string `json:"request_id"`
	AuditRef      string `json:"audit_ref,omitempty"`
	ViewerID      string `json:"viewer_id"`
	AssetID       string `json:"asset_id"`
	Facet         string `json:"facet"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
}

type Workflow struct {
	Store   Store
	Timeout time.Duration
	Now     func() time.Time
	Logger  *log.Logger
	// OnTransition sees every persisted status change, including creation.
	OnTransition func(Record)
}

func NewWorkflow(s Store, timeout time.Duration) *Workflow {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Workflow{Store: s, Timeout: timeout, Now: time.Now, Logger: log.Default()}
}

func (w *Workflow) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *Workflow) notify(rec Record) {
	if w.OnTransition != nil {
		w.OnTransition(rec)
	}
}

// Covers reports whether r was opened for the viewer, asset and facet
// of req. A review decision never carries over to another subject.
func (r Record) Covers(req Request) bool {
	return r.ViewerID == req.ViewerID && r.AssetID == req.AssetID && r.Facet == req.Facet
}

// Submit opens a pending record. A request id can be escalated only once;
// resubmitting returns the existing record whatever its status, so an
// expired request is never silently reopened. Resubmitting the id for a
// different subject fails with ErrSubjectMismatch.
func (w *Workflow) Submit(ctx context.Context, req Request) (Record, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		return Record{}, fmt.Errorf("%w: request_id required", ErrInvalidApproval)
	}
	if existing, err := w.Store.GetByRequest(ctx, req.RequestID); err == nil {
		if !existing.Covers(req) {
			return Record{}, fmt.Errorf("%w: %s", ErrSubjectMismatch, req.RequestID)
		}
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	now := w.now()
	rec := Record{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		AuditRef:      req.AuditRef,
		ViewerID:      req.ViewerID,
		AssetID:       req.AssetID,
		Facet:         req.Facet,
		Reason:        req.Reason,
		PolicyVersion: req.PolicyVersion,
		State:         Pending{Approvals: map[Role]string{}},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(w.Timeout),
	}
	created, err := w.Store.Create(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	if created.ID == rec.ID {
		w.notify(created)
	}
	return created, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (Record, error) {
	return w.Store.Get(ctx, id)
}

func (w *Workflow) List(ctx context.Context, status string, limit int) ([]Record, error) {
	return w.Store.List(ctx, status, limit)
}

// Resolve records one approval or denial. Concurrent resolutions of the
// same record serialize on its version; other records are unaffected.
func (w *Workflow) Resolve(ctx context.Context, id string, a Approval) (Record, error) {
	for attempt := 0; attempt < resolveRetries; attempt++ {
		rec, err := w.Store.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		next, changed, applyErr := Apply(rec, a, w.now())
		if !changed {
			return rec, applyErr
		}
		next.UpdatedAt = w.now()
		saved, err := w.Store.Update(ctx, next, rec.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		w.notify(saved)
		return saved, applyErr
	}
	return Record{}, ErrVersionConflict
}

// Gate is checked before any disclosure or ledger write for req. No
// escalation, or an approved one opened for the same viewer, asset and
// facet, lets the caller proceed.
func (w *Workflow) Gate(ctx context.Context, req Request) error {
	rec, err := w.Store.GetByRequest(ctx, req.RequestID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Covers(req) {
		return fmt.Errorf("%w: %w", ErrEscalationDenied, ErrSubjectMismatch)
	}
	switch rec.State.(type) {
	case Approved:
		return nil
	case Pending:
		if IsExpired(w.now(), rec.ExpiresAt) {
			if _, err := w.expire(ctx, rec); err != nil && !errors.Is(err, ErrVersionConflict) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrEscalationDenied, ErrEscalationExpired)
		}
		return ErrEscalationPending
	case Expired:
		return fmt.Errorf("%w: %w", ErrEscalationDenied, ErrEscalationExpired)
	default:
		return ErrEscalationDenied
	}
}

func (w *Workflow) expire(ctx context.Context, rec Record) (Record, error) {
	next := rec
	next.State = Expired{}
	next.UpdatedAt = w.now()
	saved, err := w.Store.Update(ctx, next, rec.Version)
	if err != nil {
		return Record{}, err
	}
	w.notify(saved)
	return saved, nil
}

// Sweep expires every overdue pending record and returns how many moved.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	overdue, err := w.Store.ListOverdue(ctx, w.now(), defaultSweepSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range overdue {
		if _, err := w.expire(ctx, rec); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
