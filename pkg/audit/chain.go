package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"integrityspine/pkg/telemetry"
)

const (
	DefaultMaxRetries = 32
	verifyPageSize    = 500
)

// Chain serializes appends with a compare-and-swap on the tip. Losers of a
// race re-read the tip and retry; nobody overwrites.
type Chain struct {
	Store      Store
	MaxRetries int
	Now        func() time.Time
	Logger     *log.Logger

	// Hooks; any may be nil.
	OnAppend    func(Entry)
	OnRetry     func()
	OnViolation func(*IntegrityViolation)

	verifyMu sync.Mutex
}

func NewChain(s Store) *Chain {
	return &Chain{Store: s, MaxRetries: DefaultMaxRetries, Now: time.Now, Logger: log.Default()}
}

func (c *Chain) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Chain) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Append extends the chain with rec. It fails closed: a halted chain or a
// tip whose stored hash no longer recomputes returns an error wrapping
// ErrChainIntegrityViolation instead of writing.
func (c *Chain) Append(ctx context.Context, rec Record) (Entry, error) {
	ctx, span := telemetry.Tracer("audit").Start(ctx, "audit.append")
	defer span.End()
	span.SetAttributes(attribute.String("audit.action", rec.Action), attribute.String("audit.decision", rec.Decision))

	retries := c.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	for attempt := 0; attempt < retries; attempt++ {
		tip, err := c.Store.Tip(ctx)
		if err != nil {
			span.RecordError(err)
			return Entry{}, fmt.Errorf("audit: read tip: %w", err)
		}
		if tip.Halted {
			span.SetStatus(codes.Error, "chain halted")
			return Entry{}, fmt.Errorf("%w: %s", ErrChainHalted, tip.HaltReason)
		}
		if err := c.checkTip(ctx, tip); err != nil {
			span.RecordError(err)
			return Entry{}, err
		}
		e := c.build(rec, tip)
		err = c.Store.Append(ctx, tip.Hash, e)
		if errors.Is(err, ErrTipMoved) {
			if c.OnRetry != nil {
				c.OnRetry()
			}
			continue
		}
		if err != nil {
			span.RecordError(err)
			return Entry{}, fmt.Errorf("audit: append: %w", err)
		}
		span.SetAttributes(attribute.Int64("audit.seq", e.Seq))
		if c.OnAppend != nil {
			c.OnAppend(e)
		}
		return e, nil
	}
	span.SetStatus(codes.Error, "append contention")
	return Entry{}, ErrAppendContention
}

func (c *Chain) build(rec Record, tip Tip) Entry {
	ts := c.now().UTC().Truncate(time.Microsecond)
	if !tip.Timestamp.IsZero() && !ts.After(tip.Timestamp) {
		ts = tip.Timestamp.UTC().Add(time.Microsecond)
	}
	e := Entry{
		ID:            uuid.NewString(),
		Seq:           tip.Seq + 1,
		Timestamp:     ts,
		ActorType:     rec.ActorType,
		ActorID:       rec.ActorID,
		Action:        rec.Action,
		Decision:      rec.Decision,
		ReasonCode:    rec.ReasonCode,
		PolicyVersion: rec.PolicyVersion,
		AssetID:       rec.AssetID,
		IdentityID:    rec.IdentityID,
		RequestID:     rec.RequestID,
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	if tip.Seq > 0 {
		e.PrevHash = strPtr(tip.Hash)
	}
	e.EntryHash = ComputeHash(e)
	return e
}

// checkTip recomputes the tip entry so nothing is ever chained onto a
// tampered predecessor.
func (c *Chain) checkTip(ctx context.Context, tip Tip) error {
	if tip.Seq == 0 {
		return nil
	}
	last, err := c.Store.Get(ctx, tip.Seq)
	if err != nil {
		return fmt.Errorf("audit: read tip entry: %w", err)
	}
	var reason string
	switch {
	case last.EntryHash != tip.Hash:
		reason = "tip pointer does not match last entry"
	case ComputeHash(last) != last.EntryHash:
		reason = "entry hash does not recompute"
	default:
		return nil
	}
	return c.halt(ctx, &IntegrityViolation{Seq: last.Seq, EntryID: last.ID, Reason: reason})
}

func (c *Chain) halt(ctx context.Context, v *IntegrityViolation) error {
	if err := c.Store.SetHalt(ctx, true, v.Error()); err != nil {
		c.logf("audit: failed to persist halt: %v", err)
	}
	c.logf("audit: chain halted: %v", v)
	if c.OnViolation != nil {
		c.OnViolation(v)
	}
	return v
}

// Report summarizes a successful verification.
type Report struct {
	Entries int64  `json:"entries"`
	TipHash string `json:"tip_hash"`
}

// Verify walks the whole chain. The first broken link is returned as an
// *IntegrityViolation and halts further appends.
func (c *Chain) Verify(ctx context.Context) (Report, error) {
	ctx, span := telemetry.Tracer("audit").Start(ctx, "audit.verify")
	defer span.End()
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	tip, err := c.Store.Tip(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit: read tip: %w", err)
	}
	var (
		after    int64
		prevHash string
		count    int64
	)
	for {
		page, err := c.Store.List(ctx, after, verifyPageSize)
		if err != nil {
			return Report{}, fmt.Errorf("audit: list entries: %w", err)
		}
		for _, e := range page {
			if v := checkLink(e, count+1, prevHash); v != nil {
				span.SetStatus(codes.Error, v.Reason)
				return Report{}, c.halt(ctx, v)
			}
			prevHash = e.EntryHash
			count++
			after = e.Seq
		}
		if len(page) < verifyPageSize {
			break
		}
	}
	// Entries appended after the tip was read are tolerated; a tip ahead of
	// the stored entries is not.
	if count < tip.Seq {
		v := &IntegrityViolation{Seq: count + 1, Reason: "entries missing below tip"}
		return Report{}, c.halt(ctx, v)
	}
	span.SetAttributes(attribute.Int64("audit.entries", count))
	return Report{Entries: count, TipHash: prevHash}, nil
}

func checkLink(e Entry, wantSeq int64, prevHash string) *IntegrityViolation {
	switch {
	case e.Seq != wantSeq:
		return &IntegrityViolation{Seq: e.Seq, EntryID: e.ID, Reason: fmt.Sprintf("sequence gap, expected %d", wantSeq)}
	case wantSeq == 1 && e.PrevHash != nil:
		return &IntegrityViolation{Seq: e.Seq, EntryID: e.ID, Reason: "first entry has a prev_hash"}
	case wantSeq > 1 && (e.PrevHash == nil || *e.PrevHash != prevHash):
		return &IntegrityViolation{Seq: e.Seq, EntryID: e.ID, Reason: "prev_hash does not match predecessor"}
	case ComputeHash(e) != e.EntryHash:
		return &IntegrityViolation{Seq: e.Seq, EntryID: e.ID, Reason: "entry hash does not recompute"}
	}
	return nil
}

// Resume clears a halt, but only if the chain verifies cleanly.
func (c *Chain) Resume(ctx context.Context) (Report, error) {
	rep, err := c.Verify(ctx)
	if err != nil {
		return Report{}, err
	}
	if err := c.Store.SetHalt(ctx, false, ""); err != nil {
		return Report{}, fmt.Errorf("audit: clear halt: %w", err)
	}
	c.logf("audit: chain resumed at seq %d", rep.Entries)
	return rep, nil
}

// Status returns the current tip including any halt.
func (c *Chain) Status(ctx context.Context) (Tip, error) {
	return c.Store.Tip(ctx)
}

func (c *Chain) Get(ctx context.Context, id string) (Entry, error) {
	return c.Store.GetByID(ctx, id)
}

func (c *Chain) List(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > verifyPageSize {
		limit = 100
	}
	return c.Store.List(ctx, after, limit)
}

// Redact flags an entry for display redaction. The hash input is untouched.
func (c *Chain) Redact(ctx context.Context, id string) error {
	return c.Store.SetRedacted(ctx, id)
}
