// Package audit is the append-only, hash-chained decision log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Actor types recorded on entries.
const (
	ActorSystem     = "system"
	ActorViewer     = "viewer"
	ActorGovernance = "governance"
	ActorCompliance = "compliance"
	ActorOperator   = "operator"
)

var (
	ErrChainIntegrityViolation = errors.New("audit: chain integrity violation")
	// ErrChainHalted is returned by Append while a detected violation is
	// unresolved.
	ErrChainHalted      = fmt.Errorf("audit: chain halted: %w", ErrChainIntegrityViolation)
	ErrTipMoved         = errors.New("audit: chain tip moved")
	ErrAppendContention = errors.New("audit: append retries exhausted")
	ErrNotFound         = errors.New("audit: entry not found")
)

// Record is what callers hand to Append. The chain assigns id, sequence,
// timestamp and hashes.
type Record struct {
	ActorType     string `json:"actor_type"`
	ActorID       string `json:"actor_id"`
	Action        string `json:"action"`
	Decision      string `json:"decision"`
	ReasonCode    string `json:"reason_code,omitempty"`
	PolicyVersion string `json:"policy_version"`
	AssetID       string `json:"asset_id,omitempty"`
	IdentityID    string `json:"identity_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

type Entry struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	ActorType     string    `json:"actor_type"`
	ActorID       string    `json:"actor_id"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	ReasonCode    string    `json:"reason_code,omitempty"`
	PolicyVersion string    `json:"policy_version"`
	AssetID       string    `json:"asset_id,omitempty"`
	IdentityID    string    `json:"identity_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	PrevHash      *string   `json:"prev_hash"`
	EntryHash     string    `json:"entry_hash"`
	Redacted      bool      `json:"redacted"`
}

// ComputeHash is sha256 over
// id, timestamp, actor_type, actor_id, action, decision, policy_version,
// prev_hash, reason_code, asset_id, identity_id, request_id
// with each field written as <len>:<value>| so no value can move a field
// boundary. The timestamp is RFC3339Nano UTC and a null prev_hash is "".
// Every stored field is covered except the redaction flag, which Redact
// flips after the fact.
func ComputeHash(e Entry) string {
	prev := ""
	if e.PrevHash != nil {
		prev = *e.PrevHash
	}
	h := sha256.New()
	for _, f := range []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorType,
		e.ActorID,
		e.Action,
		e.Decision,
		e.PolicyVersion,
		prev,
		e.ReasonCode,
		e.AssetID,
		e.IdentityID,
		e.RequestID,
	} {
		fmt.Fprintf(h, "%d:%s|", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IntegrityViolation pinpoints the first entry that fails verification.
type IntegrityViolation struct {
	Seq     int64  `json:"seq"`
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("audit: chain integrity violation at seq %d (%s): %s", v.Seq, v.EntryID, v.Reason)
}

func (v *IntegrityViolation) Is(target error) bool {
	return target == ErrChainIntegrityViolation
}

func strPtr(s string) *string { return &s }
