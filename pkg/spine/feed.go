package spine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"integrityspine/pkg/models"
	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/statebus"
)

// RevocationEvent is one message on the revocation topic. EventID doubles
// as the request id, so a redelivered message revokes once.
type RevocationEvent struct {
	EventID   string `json:"event_id"`
	SubjectID string `json:"subject_id"`
	PolicyID  string `json:"policy_id,omitempty"`
	RevokedAt string `json:"revoked_at,omitempty"`
}

func (e RevocationEvent) request() (RevokeRequest, error) {
	if strings.TrimSpace(e.EventID) == "" || strings.TrimSpace(e.SubjectID) == "" {
		return RevokeRequest{}, fmt.Errorf("%w: event_id and subject_id are required", ErrInvalidRequest)
	}
	req := RevokeRequest{RequestID: "revocation:" + e.EventID, SubjectID: e.SubjectID, PolicyID: e.PolicyID}
	if e.RevokedAt != "" {
		at, err := time.Parse(time.RFC3339, e.RevokedAt)
		if err != nil {
			return RevokeRequest{}, fmt.Errorf("%w: revoked_at: %v", ErrInvalidRequest, err)
		}
		req.RevokedAt = at.UTC()
	}
	return req, nil
}

// RevocationFeed applies revocations read from the bus. Malformed or
// rejected messages are logged and skipped; transient failures are retried
// before the next message is read.
type RevocationFeed struct {
	Service    *Service
	Bus        statebus.Consumer
	Logger     *log.Logger
	RetryDelay time.Duration
	OnRevoked  func(RevokeRequest, models.ConsentPolicy)

	applied atomic.Int64
	skipped atomic.Int64
}

func NewRevocationFeed(s *Service, bus statebus.Consumer) *RevocationFeed {
	return &RevocationFeed{Service: s, Bus: bus, Logger: log.Default(), RetryDelay: 500 * time.Millisecond}
}

func (f *RevocationFeed) Applied() int64 { return f.applied.Load() }
func (f *RevocationFeed) Skipped() int64 { return f.skipped.Load() }

// Run blocks until ctx is done.
func (f *RevocationFeed) Run(ctx context.Context) {
	for {
		msg, err := f.Bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logf("revocation bus read error: %v", err)
			if !f.wait(ctx) {
				return
			}
			continue
		}
		for {
			err := f.Handle(ctx, msg)
			if err == nil || !retryable(err) {
				break
			}
			f.logf("revocation apply error, retrying: %v", err)
			if !f.wait(ctx) {
				return
			}
		}
	}
}

// Handle applies a single message. It returns an error only for failures
// worth retrying, which includes a halted audit chain.
func (f *RevocationFeed) Handle(ctx context.Context, msg statebus.Message) error {
	var evt RevocationEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		f.skipped.Add(1)
		f.logf("revocation bus decode error: %v", err)
		return nil
	}
	req, err := evt.request()
	if err != nil {
		f.skipped.Add(1)
		f.logf("revocation bus invalid event: %v", err)
		return nil
	}
	p, err := f.Service.RevokeConsent(ctx, req)
	var rejected *mutationlog.RejectedError
	switch {
	case errors.As(err, &rejected):
		f.skipped.Add(1)
		f.logf("revocation %s rejected: %s", evt.EventID, rejected.Reason)
		return nil
	case err != nil:
		return errRetry{err}
	}
	f.applied.Add(1)
	if f.OnRevoked != nil {
		f.OnRevoked(req, p)
	}
	return nil
}

func (f *RevocationFeed) wait(ctx context.Context) bool {
	d := f.RetryDelay
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type errRetry struct{ err error }

func (e errRetry) Error() string { return e.err.Error() }
func (e errRetry) Unwrap() error { return e.err }

func retryable(err error) bool {
	var r errRetry
	return errors.As(err, &r)
}

func (f *RevocationFeed) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
	}
}
