package policyeval

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"integrityspine/pkg/models"
)

const DefaultTrustThreshold = 0.75

const (
	EffectPermit   = "permit"
	EffectRestrict = "restrict"
)

var (
	ErrPolicyVersionMismatch = errors.New("policyeval: policy version not resolvable")
	ErrInvalidRuleSet        = errors.New("policyeval: invalid rule set")
)

// RegionRule adjusts evaluation for one region. Empty Facet or Actions match
// everything; Region "*" matches every region.
type RegionRule struct {
	Region         string   `json:"region" yaml:"region"`
	Facet          string   `json:"facet,omitempty" yaml:"facet,omitempty"`
	Actions        []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Effect         string   `json:"effect" yaml:"effect"`
	TrustThreshold *float64 `json:"trust_threshold,omitempty" yaml:"trust_threshold,omitempty"`
}

func (r RegionRule) matches(region, facet, action string) bool {
	if r.Region != "*" && !strings.EqualFold(r.Region, region) {
		return false
	}
	if r.Facet != "" && r.Facet != facet {
		return false
	}
	if len(r.Actions) == 0 {
		return true
	}
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// RuleSet is the versioned configuration object handed to Evaluate. It is a
// plain value; there is no package-level current policy.
type RuleSet struct {
	Version        string       `json:"version" yaml:"version"`
	TrustThreshold float64      `json:"trust_threshold" yaml:"trust_threshold"`
	RegionRules    []RegionRule `json:"region_rules" yaml:"region_rules"`
}

func DefaultRuleSet() RuleSet {
	return RuleSet{Version: "default", TrustThreshold: DefaultTrustThreshold, RegionRules: []RegionRule{}}
}

func (rs RuleSet) Validate() error {
	if rs.TrustThreshold < 0 {
		return fmt.Errorf("%w: trust_threshold %v is negative", ErrInvalidRuleSet, rs.TrustThreshold)
	}
	for i, r := range rs.RegionRules {
		if strings.TrimSpace(r.Region) == "" {
			return fmt.Errorf("%w: region_rules[%d] has no region", ErrInvalidRuleSet, i)
		}
		switch r.Effect {
		case EffectPermit, EffectRestrict:
		default:
			return fmt.Errorf("%w: region_rules[%d] effect %q", ErrInvalidRuleSet, i, r.Effect)
		}
		if r.TrustThreshold != nil && *r.TrustThreshold < 0 {
			return fmt.Errorf("%w: region_rules[%d] trust_threshold is negative", ErrInvalidRuleSet, i)
		}
	}
	return nil
}

// Snapshot is a rule set frozen together with its hash. Hash is the
// policy_version stamped on every decision.
type Snapshot struct {
	Rules RuleSet
	Hash  string
}

// Snapshot hashes the canonical JSON of the rule set.
func (rs RuleSet) Snapshot() (Snapshot, error) {
	if err := rs.Validate(); err != nil {
		return Snapshot{}, err
	}
	if rs.RegionRules == nil {
		rs.RegionRules = []RegionRule{}
	}
	h, err := models.CanonicalHash(rs)
	if err != nil {
		return Snapshot{}, fmt.Errorf("policyeval: hash rule set: %w", err)
	}
	return Snapshot{Rules: rs, Hash: h}, nil
}

// ParseRuleSet decodes YAML on top of the defaults.
func ParseRuleSet(data []byte) (RuleSet, error) {
	rs := DefaultRuleSet()
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("policyeval: read %s: %w", path, err)
	}
	return ParseRuleSet(data)
}

// Registry keeps every snapshot ever activated so a decision pinned to an
// older policy_version can be re-evaluated.
type Registry struct {
	mu      sync.RWMutex
	byHash  map[string]Snapshot
	current string
}

func NewRegistry(initial RuleSet) (*Registry, error) {
	r := &Registry{byHash: map[string]Snapshot{}}
	if _, err := r.Activate(initial); err != nil {
		return nil, err
	}
	return r, nil
}

// Activate snapshots rs and makes it current.
func (r *Registry) Activate(rs RuleSet) (Snapshot, error) {
	snap, err := rs.Snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	r.byHash[snap.Hash] = snap
	r.current = snap.Hash
	r.mu.Unlock()
	return snap, nil
}

func (r *Registry) Current() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byHash[r.current]
}

// Resolve returns the snapshot for version; empty version means current.
func (r *Registry) Resolve(version string) (Snapshot, error) {
	if version == "" {
		return r.Current(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.byHash[version]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrPolicyVersionMismatch, version)
	}
	return snap, nil
}
