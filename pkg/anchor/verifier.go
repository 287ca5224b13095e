package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/telemetry"
)

const (
	DefaultMaxRetries  = 8
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
	DefaultCallTimeout = 5 * time.Second

	waitPollInterval = 100 * time.Millisecond
)

type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CallTimeout bounds each individual ledger call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Backoff returns the delay after the n-th unsuccessful round.
func (c Config) Backoff(n int) time.Duration {
	c = c.withDefaults()
	d := c.BaseBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Verifier creates anchors and drives them to verified or failed. Polling
// runs detached from the caller's context so an abandoned request still
// converges.
type Verifier struct {
	Store   Store
	Public  LedgerClient
	Private LedgerClient
	Log     *mutationlog.Log
	Config  Config
	Now     func() time.Time
	Logger  *log.Logger
	// OnStatus is called whenever an anchor reaches a terminal status.
	OnStatus func(Anchor)

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewVerifier(s Store, public, private LedgerClient, mlog *mutationlog.Log, cfg Config) *Verifier {
	return &Verifier{
		Store:   s,
		Public:  public,
		Private: private,
		Log:     mlog,
		Config:  cfg.withDefaults(),
		Now:     time.Now,
		Logger:  log.Default(),
	}
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now().UTC()
	}
	return v.Now().UTC()
}

func (v *Verifier) logf(format string, args ...any) {
	if v.Logger != nil {
		v.Logger.Printf(format, args...)
	}
}

type verifyParams struct {
	TxPublic  string `json:"tx_public"`
	TxPrivate string `json:"tx_private"`
	EventID   string `json:"event_id"`
}

// Verify returns the anchor for the pair, creating it and starting
// verification on first sight. Later calls only read the store.
func (v *Verifier) Verify(ctx context.Context, txPublic, txPrivate, eventID string) (Anchor, error) {
	if txPublic == "" || txPrivate == "" || eventID == "" {
		return Anchor{}, fmt.Errorf("%w: tx_public, tx_private and event_id are required", ErrInvalidRequest)
	}
	ctx, span := telemetry.Tracer("anchor").Start(ctx, "anchor.verify")
	defer span.End()
	hash := CorrelationHash(txPublic, txPrivate, eventID)
	span.SetAttributes(attribute.String("anchor.correlation_hash", hash))

	create := func(ctx context.Context) (any, error) {
		now := v.now()
		a, created, err := v.Store.Create(ctx, Anchor{
			CorrelationHash: hash,
			EventID:         eventID,
			TxPublic:        txPublic,
			TxPrivate:       txPrivate,
			PublicStatus:    LedgerPending,
			PrivateStatus:   LedgerPending,
			Status:          StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return nil, err
		}
		if created {
			v.start(ctx, hash)
		}
		return map[string]string{"correlation_hash": a.CorrelationHash}, nil
	}

	var err error
	if v.Log != nil {
		_, err = v.Log.Do(ctx, mutationlog.Mutation{
			Operation: "anchor.verify",
			Params:    verifyParams{TxPublic: txPublic, TxPrivate: txPrivate, EventID: eventID},
			Key:       hash,
		}, create)
	} else {
		_, err = create(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create anchor")
		return Anchor{}, err
	}
	a, err := v.Store.Get(ctx, hash)
	if err != nil {
		return Anchor{}, err
	}
	span.SetAttributes(attribute.String("anchor.status", a.Status))
	return a, nil
}

// Submit writes payload to both ledgers for eventID. Each submission
// goes through the mutation log on its own, so a retry after a partial
// failure does not produce a second transaction on the ledger that
// already accepted one.
func (v *Verifier) Submit(ctx context.Context, eventID string, payload []byte) (txPublic, txPrivate string, err error) {
	if eventID == "" {
		return "", "", fmt.Errorf("%w: event_id required", ErrInvalidRequest)
	}
	txPublic, err = v.submit(ctx, "anchor.submit.public", v.Public, eventID, payload)
	if err != nil {
		return "", "", fmt.Errorf("anchor: submit to public ledger: %w", err)
	}
	txPrivate, err = v.submit(ctx, "anchor.submit.private", v.Private, eventID, payload)
	if err != nil {
		return "", "", fmt.Errorf("anchor: submit to private ledger: %w", err)
	}
	return txPublic, txPrivate, nil
}

func (v *Verifier) submit(ctx context.Context, op string, ledger LedgerClient, eventID string, payload []byte) (string, error) {
	call := func(ctx context.Context) (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, v.Config.CallTimeout)
		defer cancel()
		return ledger.SubmitTransaction(callCtx, payload)
	}
	if v.Log == nil {
		ref, err := call(ctx)
		if err != nil {
			return "", err
		}
		return ref.(string), nil
	}
	out, err := v.Log.Do(ctx, mutationlog.Mutation{Operation: op, Params: map[string]string{"event_id": eventID}, Key: eventID}, call)
	if err != nil {
		return "", err
	}
	var ref string
	if err := out.Decode(&ref); err != nil {
		return "", err
	}
	return ref, nil
}

// AnchorEvent submits payload to both ledgers and verifies the pair.
func (v *Verifier) AnchorEvent(ctx context.Context, eventID string, payload []byte) (Anchor, error) {
	pub, priv, err := v.Submit(ctx, eventID, payload)
	if err != nil {
		return Anchor{}, err
	}
	return v.Verify(ctx, pub, priv, eventID)
}

func (v *Verifier) Get(ctx context.Context, hash string) (Anchor, error) {
	return v.Store.Get(ctx, hash)
}

func (v *Verifier) ListByStatus(ctx context.Context, status string, limit int) ([]Anchor, error) {
	return v.Store.ListByStatus(ctx, status, limit)
}

// Wait blocks until the anchor is terminal or ctx is done.
func (v *Verifier) Wait(ctx context.Context, hash string) (Anchor, error) {
	for {
		a, err := v.Store.Get(ctx, hash)
		if err != nil {
			return Anchor{}, err
		}
		if a.Terminal() {
			return a, nil
		}
		v.mu.Lock()
		done := v.inflight[hash]
		v.mu.Unlock()
		if done == nil {
			// Another replica may own the poll loop; watch the store.
			t := time.NewTimer(waitPollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return a, ctx.Err()
			case <-t.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-done:
		}
	}
}

// Reconcile restarts verification of a failed anchor. Ledgers that already
// confirmed are not polled again.
func (v *Verifier) Reconcile(ctx context.Context, hash string) (Anchor, error) {
	a, err := v.Store.Get(ctx, hash)
	if err != nil {
		return Anchor{}, err
	}
	if a.Status != StatusFailed {
		return a, fmt.Errorf("%w: anchor is %s", ErrNotReconcilable, a.Status)
	}
	if a.PublicStatus != LedgerConfirmed {
		a.PublicStatus = LedgerPending
	}
	if a.PrivateStatus != LedgerConfirmed {
		a.PrivateStatus = LedgerPending
	}
	a.Status = StatusPending
	a.RetryCount = 0
	a.LastError = ""
	a.UpdatedAt = v.now()
	if err := v.Store.Update(ctx, a); err != nil {
		return Anchor{}, err
	}
	v.logf("anchor: reconcile %s", hash)
	v.start(ctx, hash)
	return a, nil
}

// ResumePending restarts polling for anchors left pending by a previous
// process. It returns how many were restarted.
func (v *Verifier) ResumePending(ctx context.Context) (int, error) {
	pending, err := v.Store.ListByStatus(ctx, StatusPending, 0)
	if err != nil {
		return 0, err
	}
	for _, a := range pending {
		v.start(ctx, a.CorrelationHash)
	}
	return len(pending), nil
}

func (v *Verifier) start(ctx context.Context, hash string) {
	v.mu.Lock()
	if v.inflight == nil {
		v.inflight = map[string]chan struct{}{}
	}
	if _, running := v.inflight[hash]; running {
		v.mu.Unlock()
		return
	}
	done := make(chan struct{})
	v.inflight[hash] = done
	v.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			v.mu.Lock()
			delete(v.inflight, hash)
			v.mu.Unlock()
			close(done)
		}()
		if err := v.run(bg, hash); err != nil {
			v.logf("anchor: verify %s: %v", hash, err)
		}
	}()
}

func (v *Verifier) doSleep(ctx context.Context, d time.Duration) error {
	if v.sleep != nil {
		return v.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *Verifier) poll(ctx context.Context, ledger LedgerClient, ref string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.Config.CallTimeout)
	defer cancel()
	return ledger.GetStatus(callCtx, ref)
}

func (v *Verifier) run(ctx context.Context, hash string) error {
	ctx, span := telemetry.Tracer("anchor").Start(ctx, "anchor.poll")
	defer span.End()
	a, err := v.Store.Get(ctx, hash)
	if err != nil {
		return err
	}
	cfg := v.Config.withDefaults()
	for a.RetryCount < cfg.MaxRetries {
		var roundErr error
		if a.PublicStatus != LedgerConfirmed {
			st, err := v.poll(ctx, v.Public, a.TxPublic)
			if err != nil {
				roundErr = fmt.Errorf("public ledger: %w", err)
			} else {
				a.PublicStatus = st
			}
		}
		if a.PrivateStatus != LedgerConfirmed {
			st, err := v.poll(ctx, v.Private, a.TxPrivate)
			if err != nil {
				roundErr = errors.Join(roundErr, fmt.Errorf("private ledger: %w", err))
			} else {
				a.PrivateStatus = st
			}
		}
		a.UpdatedAt = v.now()

		switch {
		case a.PublicStatus == LedgerFailed || a.PrivateStatus == LedgerFailed:
			a.Status = StatusFailed
			a.LastError = ErrLedgerFailed.Error()
			return v.finish(ctx, a)
		case a.PublicStatus == LedgerConfirmed && a.PrivateStatus == LedgerConfirmed:
			a.Status = StatusVerified
			a.LastError = ""
			return v.finish(ctx, a)
		}

		a.RetryCount++
		if roundErr != nil {
			a.LastError = roundErr.Error()
		}
		if err := v.Store.Update(ctx, a); err != nil {
			return err
		}
		if a.RetryCount >= cfg.MaxRetries {
			break
		}
		if err := v.doSleep(ctx, cfg.Backoff(a.RetryCount-1)); err != nil {
			return err
		}
	}
	a.Status = StatusFailed
	if a.LastError == "" {
		a.LastError = ErrAnchorVerificationTimeout.Error()
	} else {
		a.LastError = ErrAnchorVerificationTimeout.Error() + ": " + a.LastError
	}
	a.UpdatedAt = v.now()
	span.SetStatus(codes.Error, "retries exhausted")
	return v.finish(ctx, a)
}

func (v *Verifier) finish(ctx context.Context, a Anchor) error {
	if err := v.Store.Update(ctx, a); err != nil {
		return err
	}
	if a.Status == StatusFailed {
		v.logf("anchor: %s failed after %d rounds: %s", a.CorrelationHash, a.RetryCount, a.LastError)
	}
	if v.OnStatus != nil {
		v.OnStatus(a)
	}
	return nil
}
