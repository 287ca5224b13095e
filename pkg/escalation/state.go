// Package escalation tracks decisions deferred to human review. A record
// reaches Approved only after a governance and a compliance approval from
// two different actors.
package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

type Role string

const (
	RoleGovernance Role = "governance"
	RoleCompliance Role = "compliance"
)

const (
	OutcomeApprove = "approve"
	OutcomeDeny    = "deny"
)

var (
	ErrNotFound           = errors.New("escalation: not found")
	ErrEscalationConflict = errors.New("escalation: actor already holds the other approval slot")
	ErrSelfApproval       = errors.New("escalation: requester cannot approve")
	ErrSlotFilled         = errors.New("escalation: approval slot already filled")
	ErrEscalationExpired  = errors.New("escalation: expired")
	ErrEscalationClosed   = errors.New("escalation: already resolved")
	ErrVersionConflict    = errors.New("escalation: version conflict")
	ErrInvalidApproval    = errors.New("escalation: invalid approval")
	// ErrSubjectMismatch means the record for a request id was opened for
	// another viewer, asset or facet.
	ErrSubjectMismatch    = errors.New("escalation: request id bound to another subject")

	// Gate errors.
	ErrEscalationPending = errors.New("escalation: pending review")
	ErrEscalationDenied  = errors.New("escalation: denied")
)

// State is one of Pending, Approved, Denied or Expired.
type State interface {
	Status() string
	isState()
}

// Pending holds at most one actor per role.
type Pending struct {
	Approvals map[Role]string
}

// Approved can only be built by filling both Pending slots with distinct actors.
type Approved struct {
	Governance string
	Compliance string
}

type Denied struct {
	By   string
	Role Role
}

type Expired struct{}

func (Pending) Status() string  { return StatusPending }
func (Approved) Status() string { return StatusApproved }
func (Denied) Status() string   { return StatusDenied }
func (Expired) Status() string  { return StatusExpired }

func (Pending) isState()  {}
func (Approved) isState() {}
func (Denied) isState()   {}
func (Expired) isState()  {}

func ValidRole(r Role) bool {
	return r == RoleGovernance || r == RoleCompliance
}

func otherRole(r Role) Role {
	if r == RoleGovernance {
		return RoleCompliance
	}
	return RoleGovernance
}

type Record struct {
	ID            string
	RequestID     string
	AuditRef      string
	ViewerID      string
	AssetID       string
	Facet         string
	Reason        string
	PolicyVersion string
	State         State
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

func (r Record) Status() string {
	if r.State == nil {
		return StatusPending
	}
	return r.State.Status()
}

func (r Record) Terminal() bool {
	return r.Status() != StatusPending
}

type recordJSON struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	AuditRef      string          `json:"audit_ref,omitempty"`
	ViewerID      string          `json:"viewer_id"`
	AssetID       string          `json:"asset_id"`
	Facet         string          `json:"facet"`
	Reason        string          `json:"reason"`
	PolicyVersion string          `json:"policy_version"`
	Status        string          `json:"status"`
	Approvals     map[Role]string `json:"approvals"`
	DeniedBy      string          `json:"denied_by,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Flatten returns the persisted columns for a state.
func Flatten(s State) (status string, approvals map[Role]string, deniedBy string) {
	approvals = map[Role]string{}
	switch st := s.(type) {
	case Pending:
		for k, v := range st.Approvals {
			approvals[k] = v
		}
		return StatusPending, approvals, ""
	case Approved:
		approvals[RoleGovernance] = st.Governance
		approvals[RoleCompliance] = st.Compliance
		return StatusApproved, approvals, ""
	case Denied:
		return StatusDenied, approvals, string(st.Role) + ":" + st.By
	case Expired:
		return StatusExpired, approvals, ""
	default:
		return StatusPending, approvals, ""
	}
}

// Unflatten rebuilds a state from persisted columns and rejects
// combinations no transition could have produced.
func Unflatten(status string, approvals map[Role]string, deniedBy string) (State, error) {
	switch status {
	case StatusPending:
		p := Pending{Approvals: map[Role]string{}}
		for k, v := range approvals {
			if !ValidRole(k) || v == "" {
				return nil, fmt.Errorf("escalation: bad approval slot %q", k)
			}
			p.Approvals[k] = v
		}
		if g, c := p.Approvals[RoleGovernance], p.Approvals[RoleCompliance]; g != "" && g == c {
			return nil, fmt.Errorf("escalation: one actor in both slots")
		}
		return p, nil
	case StatusApproved:
		g, c := approvals[RoleGovernance], approvals[RoleCompliance]
		if g == "" || c == "" || g == c {
			return nil, fmt.Errorf("escalation: approved without two distinct approvers")
		}
		return Approved{Governance: g, Compliance: c}, nil
	case StatusDenied:
		role, by, _ := strings.Cut(deniedBy, ":")
		return Denied{By: by, Role: Role(role)}, nil
	case StatusExpired:
		return Expired{}, nil
	default:
		return nil, fmt.Errorf("escalation: unknown status %q", status)
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	status, approvals, deniedBy := Flatten(r.State)
	return json.Marshal(recordJSON{
		ID: r.ID, RequestID: r.RequestID, AuditRef: r.AuditRef, ViewerID: r.ViewerID,
		AssetID: r.AssetID, Facet: r.Facet, Reason: r.Reason, PolicyVersion: r.PolicyVersion,
		Status: status, Approvals: approvals, DeniedBy: deniedBy, Version: r.Version,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, ExpiresAt: r.ExpiresAt,
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := Unflatten(raw.Status, raw.Approvals, raw.DeniedBy)
	if err != nil {
		return err
	}
	*r = Record{
		ID: raw.ID, RequestID: raw.RequestID, AuditRef: raw.AuditRef, ViewerID: raw.ViewerID,
		AssetID: raw.AssetID, Facet: raw.Facet, Reason: raw.Reason, PolicyVersion: raw.PolicyVersion,
		State: st, Version: raw.Version, CreatedAt: raw.CreatedAt, UpdatedAt: raw.UpdatedAt, ExpiresAt: raw.ExpiresAt,
	}
	return nil
}

type Approval struct {
	Role    Role   `json:"role"`
	ActorID string `json:"actor_id"`
	Outcome string `json:"outcome"`
}

// IsExpired reports whether a pending record is past its deadline.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}

// Apply is the pure transition function. changed is false when the
// approval is an idempotent repeat. When the deadline has passed it returns
// the record moved to Expired together with ErrEscalationExpired so the
// caller can persist the expiry.
func Apply(rec Record, a Approval, now time.Time) (out Record, changed bool, err error) {
	switch rec.State.(type) {
	case Expired:
		return rec, false, ErrEscalationExpired
	case Approved, Denied:
		return rec, false, ErrEscalationClosed
	}
	pending, _ := rec.State.(Pending)
	if IsExpired(now, rec.ExpiresAt) {
		rec.State = Expired{}
		return rec, true, ErrEscalationExpired
	}
	if !ValidRole(a.Role) {
		return rec, false, fmt.Errorf("%w: role %q", ErrInvalidApproval, a.Role)
	}
	if strings.TrimSpace(a.ActorID) == "" {
		return rec, false, fmt.Errorf("%w: actor required", ErrInvalidApproval)
	}
	if a.Outcome != OutcomeApprove && a.Outcome != OutcomeDeny {
		return rec, false, fmt.Errorf("%w: outcome %q", ErrInvalidApproval, a.Outcome)
	}
	if a.ActorID == rec.ViewerID {
		return rec, false, ErrSelfApproval
	}
	if pending.Approvals[otherRole(a.Role)] == a.ActorID {
		return rec, false, ErrEscalationConflict
	}
	if a.Outcome == OutcomeDeny {
		rec.State = Denied{By: a.ActorID, Role: a.Role}
		return rec, true, nil
	}
	switch holder := pending.Approvals[a.Role]; {
	case holder == a.ActorID:
		return rec, false, nil
	case holder != "":
		return rec, false, ErrSlotFilled
	}
	next := map[Role]string{a.Role: a.ActorID}
	for k, v := range pending.Approvals {
		next[k] = v
	}
	if g, c := next[RoleGovernance], next[RoleCompliance]; g != "" && c != "" {
		rec.State = Approved{Governance: g, Compliance: c}
	} else {
		rec.State = Pending{Approvals: next}
	}
	return rec, true, nil
}
