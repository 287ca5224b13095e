// Package anchor binds a public-ledger transaction and a private-ledger
// transaction to one event and confirms both independently.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusFailed   = "failed"
)

// Ledger transaction statuses as reported by a LedgerClient.
const (
	LedgerPending   = "pending"
	LedgerConfirmed = "confirmed"
	LedgerFailed    = "failed"
)

var (
	ErrNotFound                  = errors.New("anchor: not found")
	ErrInvalidRequest            = errors.New("anchor: invalid request")
	ErrAnchorVerificationTimeout = errors.New("anchor: verification retries exhausted")
	ErrLedgerFailed              = errors.New("anchor: ledger reported transaction failed")
	ErrNotReconcilable           = errors.New("anchor: only failed anchors can be reconciled")
)

type Anchor struct {
	CorrelationHash string    `json:"correlation_hash"`
	EventID         string    `json:"event_id"`
	TxPublic        string    `json:"tx_public"`
	TxPrivate       string    `json:"tx_private"`
	PublicStatus    string    `json:"public_status"`
	PrivateStatus   string    `json:"private_status"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (a Anchor) Terminal() bool {
	return a.Status == StatusVerified || a.Status == StatusFailed
}

// CorrelationHash is sha256 over txPublic, txPrivate and eventID, each
// written as <len>:<value>|, hex encoded.
func CorrelationHash(txPublic, txPrivate, eventID string) string {
	h := sha256.New()
	for _, part := range []string{txPublic, txPrivate, eventID} {
		fmt.Fprintf(h, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LedgerClient is one ledger's transaction API.
type LedgerClient interface {
	SubmitTransaction(ctx context.Context, payload []byte) (txRef string, err error)
	GetStatus(ctx context.Context, txRef string) (string, error)
}

type Store interface {
	// Create inserts a unless an anchor with the same hash exists, in which
	// case the stored anchor is returned with created false.
	Create(ctx context.Context, a Anchor) (stored Anchor, created bool, err error)
	Get(ctx context.Context, hash string) (Anchor, error)
	Update(ctx context.Context, a Anchor) error
	ListByStatus(ctx context.Context, status string, limit int) ([]Anchor, error)
}
