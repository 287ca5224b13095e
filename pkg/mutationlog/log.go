// Package mutationlog collapses retried writes. Each mutation is keyed by a
// fingerprint of its operation, canonical parameters and caller key; the
// first result is stored and replayed to every duplicate.
package mutationlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"integrityspine/pkg/models"
)

const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"

	DefaultRetention = 7 * 24 * time.Hour
)

var (
	ErrNotFound       = errors.New("mutationlog: not found")
	ErrInvalidRequest = errors.New("mutationlog: invalid mutation")
	// ErrRecordFailed means the mutation was applied but its outcome could
	// not be stored, so a retry would apply it again.
	ErrRecordFailed = errors.New("mutationlog: outcome not recorded")
)

type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	Operation   string          `json:"operation"`
	Actor       string          `json:"actor,omitempty"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
	CommitToken int64           `json:"commit_token"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store persists entries. Lock must give the caller exclusive use of one
// fingerprint until unlock is called; Record assigns CommitToken from a
// monotonically increasing sequence.
type Store interface {
	Lock(ctx context.Context, fingerprint string) (unlock func(), err error)
	Lookup(ctx context.Context, fingerprint string, now time.Time) (Entry, error)
	Record(ctx context.Context, e Entry) (Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Mutation struct {
	Operation string
	Params    any
	Actor     string
	// Key is the caller's idempotency scope, usually the external request id.
	Key string
}

type Outcome struct {
	Entry
	Duplicate bool `json:"duplicate"`
}

// Decode unmarshals the stored result into v.
func (o Outcome) Decode(v any) error {
	if len(o.Result) == 0 {
		return nil
	}
	return json.Unmarshal(o.Result, v)
}

// RejectedError is a deterministic business rejection. It is logged like a
// result, so a duplicate gets the same rejection back.
type RejectedError struct {
	Operation string
	Reason    string
	// Code names the registered sentinel behind the rejection, if any.
	Code  string
	cause error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mutationlog: %s rejected: %s", e.Operation, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.cause }

// Reject marks err as a final answer for this mutation rather than a
// transient failure.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectedError{Reason: err.Error(), cause: err}
}

type rejection struct {
	code     string
	sentinel error
}

var (
	rejectionsMu sync.RWMutex
	rejections   []rejection
)

// RegisterRejection gives sentinel a stable code so a replayed rejection
// still matches errors.Is(err, sentinel). Earlier registrations win when
// an error wraps more than one sentinel.
func RegisterRejection(code string, sentinel error) {
	rejectionsMu.Lock()
	defer rejectionsMu.Unlock()
	for _, r := range rejections {
		if r.code == code {
			return
		}
	}
	rejections = append(rejections, rejection{code: code, sentinel: sentinel})
}

func rejectionCode(err error) string {
	rejectionsMu.RLock()
	defer rejectionsMu.RUnlock()
	for _, r := range rejections {
		if errors.Is(err, r.sentinel) {
			return r.code
		}
	}
	return ""
}

func rejectionSentinel(code string) error {
	if code == "" {
		return nil
	}
	rejectionsMu.RLock()
	defer rejectionsMu.RUnlock()
	for _, r := range rejections {
		if r.code == code {
			return r.sentinel
		}
	}
	return nil
}

// Fingerprint is blake3 over operation|canonical(params)|key.
func Fingerprint(operation string, params any, key string) (string, error) {
	canon, err := models.Canonical(params)
	if err != nil {
		return "", fmt.Errorf("mutationlog: canonicalize params: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(operation))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write(canon)
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

type Log struct {
	Store     Store
	Retention time.Duration
	Now       func() time.Time
	Logger    *log.Logger
	// BestEffortRecord lists operations that are safe to apply twice, such
	// as CAS-guarded writes that reject a second attempt on their own. For
	// these a failed Record is logged and the result still returned; every
	// other operation reports the failure so the caller does not assume the
	// retry will be collapsed.
	BestEffortRecord map[string]bool
	// OnDuplicate is called for every replayed mutation.
	OnDuplicate func(operation string)
}

func New(s Store, retention time.Duration) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{Store: s, Retention: retention, Now: time.Now, Logger: log.Default()}
}

func (l *Log) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Do runs apply at most once per fingerprint within the retention window.
// The lookup, apply and record all happen while the fingerprint is locked.
// A result from apply is recorded as applied; an error wrapped with Reject
// is recorded as rejected; any other error is returned and not recorded,
// so the caller may retry.
func (l *Log) Do(ctx context.Context, m Mutation, apply func(ctx context.Context) (any, error)) (Outcome, error) {
	if m.Operation == "" {
		return Outcome{}, fmt.Errorf("%w: operation required", ErrInvalidRequest)
	}
	fp, err := Fingerprint(m.Operation, m.Params, m.Key)
	if err != nil {
		return Outcome{}, err
	}
	unlock, err := l.Store.Lock(ctx, fp)
	if err != nil {
		return Outcome{}, fmt.Errorf("mutationlog: lock: %w", err)
	}
	defer unlock()

	prior, err := l.Store.Lookup(ctx, fp, l.now())
	switch {
	case err == nil:
		if l.OnDuplicate != nil {
			l.OnDuplicate(m.Operation)
		}
		return replay(prior)
	case !errors.Is(err, ErrNotFound):
		return Outcome{}, fmt.Errorf("mutationlog: lookup: %w", err)
	}

	result, applyErr := apply(ctx)
	var rejected *RejectedError
	if applyErr != nil && !errors.As(applyErr, &rejected) {
		return Outcome{}, applyErr
	}
	now := l.now()
	e := Entry{
		Fingerprint: fp,
		Operation:   m.Operation,
		Actor:       m.Actor,
		Status:      StatusApplied,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.Retention),
	}
	if rejected != nil {
		e.Status = StatusRejected
		e.Error = rejected.Reason
		e.Code = rejectionCode(rejected.cause)
		rejected.Code = e.Code
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Outcome{}, fmt.Errorf("mutationlog: encode result: %w", err)
		}
		e.Result = raw
	}
	saved, err := l.Store.Record(ctx, e)
	if err != nil {
		if !l.BestEffortRecord[m.Operation] {
			return Outcome{Entry: e}, fmt.Errorf("%w: %s: %v", ErrRecordFailed, m.Operation, err)
		}
		if l.Logger != nil {
			l.Logger.Printf("mutationlog: record %s %s: %v", m.Operation, fp, err)
		}
		saved = e
	}
	if rejected != nil {
		rejected.Operation = m.Operation
		return Outcome{Entry: saved}, rejected
	}
	return Outcome{Entry: saved}, nil
}

func replay(e Entry) (Outcome, error) {
	out := Outcome{Entry: e, Duplicate: true}
	if e.Status == StatusRejected {
		return out, &RejectedError{Operation: e.Operation, Reason: e.Error, Code: e.Code, cause: rejectionSentinel(e.Code)}
	}
	return out, nil
}

// Lookup returns the live entry for a mutation without applying anything.
func (l *Log) Lookup(ctx context.Context, m Mutation) (Entry, error) {
	fp, err := Fingerprint(m.Operation, m.Params, m.Key)
	if err != nil {
		return Entry{}, err
	}
	return l.Store.Lookup(ctx, fp, l.now())
}
