package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"integrityspine/pkg/models"
)

// MemoryStore keeps the graph in process. It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	unavailable bool
	identities  map[string]models.Identity
	assets      map[string]models.Asset
	ownership   map[string][]models.OwnershipEdge
	trust       map[[2]string]models.TrustEdge
	policies    map[string]models.ConsentPolicy
	bySubject   map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: map[string]models.Identity{},
		assets:     map[string]models.Asset{},
		ownership:  map[string][]models.OwnershipEdge{},
		trust:      map[[2]string]models.TrustEdge{},
		policies:   map[string]models.ConsentPolicy{},
		bySubject:  map[string][]string{},
	}
}

// SetUnavailable makes every call fail with ErrGraphUnavailable.
func (s *MemoryStore) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

func (s *MemoryStore) check() error {
	if s.unavailable {
		return ErrGraphUnavailable
	}
	return nil
}

func (s *MemoryStore) PutIdentity(_ context.Context, id models.Identity) error {
	if id.ID == "" {
		return fmt.Errorf("graph: identity id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	s.identities[id.ID] = id
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return models.Identity{}, err
	}
	ident, ok := s.identities[id]
	if !ok {
		return models.Identity{}, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return ident, nil
}

func (s *MemoryStore) DeactivateIdentity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	ident, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	ident.Active = false
	s.identities[id] = ident
	return nil
}

func (s *MemoryStore) PutAsset(_ context.Context, a models.Asset) error {
	if a.ID == "" || a.CreatorID == "" {
		return fmt.Errorf("graph: asset id and creator required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, exists := s.assets[a.ID]; exists {
		return fmt.Errorf("asset %s: %w", a.ID, ErrAlreadyExists)
	}
	if a.CurrentOwnerID == "" {
		a.CurrentOwnerID = a.CreatorID
	}
	owner, ok := s.identities[a.CurrentOwnerID]
	if !ok {
		return fmt.Errorf("identity %s: %w", a.CurrentOwnerID, ErrNotFound)
	}
	if !owner.Active {
		return ErrIdentityInactive
	}
	if a.State == "" {
		a.State = models.AssetActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.assets[a.ID] = a
	s.ownership[a.ID] = []models.OwnershipEdge{{
		OwnerID:    a.CurrentOwnerID,
		AssetID:    a.ID,
		AcquiredAt: a.CreatedAt,
		Method:     models.MethodMint,
		IsCurrent:  true,
	}}
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return models.Asset{}, err
	}
	a, ok := s.assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) CurrentOwnership(_ context.Context, assetID string) (models.OwnershipEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return models.OwnershipEdge{}, err
	}
	for _, e := range s.ownership[assetID] {
		if e.IsCurrent {
			return e, nil
		}
	}
	return models.OwnershipEdge{}, fmt.Errorf("ownership of %s: %w", assetID, ErrNotFound)
}

func (s *MemoryStore) OwnershipHistory(_ context.Context, assetID string) ([]models.OwnershipEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]models.OwnershipEdge(nil), s.ownership[assetID]...), nil
}

func (s *MemoryStore) TransferOwnership(_ context.Context, assetID, expectedOwner, newOwner, method string, at time.Time) (models.OwnershipEdge, error) {
	if method == "" {
		method = models.MethodTransfer
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.OwnershipEdge{}, err
	}
	asset, ok := s.assets[assetID]
	if !ok {
		return models.OwnershipEdge{}, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	if asset.CurrentOwnerID != expectedOwner {
		return models.OwnershipEdge{}, fmt.Errorf("asset %s owned by %s, not %s: %w", assetID, asset.CurrentOwnerID, expectedOwner, ErrOwnershipConflict)
	}
	if expectedOwner == newOwner {
		return models.OwnershipEdge{}, fmt.Errorf("asset %s already owned by %s: %w", assetID, newOwner, ErrOwnershipConflict)
	}
	recipient, ok := s.identities[newOwner]
	if !ok {
		return models.OwnershipEdge{}, fmt.Errorf("identity %s: %w", newOwner, ErrNotFound)
	}
	if !recipient.Active {
		return models.OwnershipEdge{}, ErrIdentityInactive
	}
	edges := s.ownership[assetID]
	flipped := 0
	for i := range edges {
		if edges[i].IsCurrent {
			edges[i].IsCurrent = false
			flipped++
		}
	}
	if flipped != 1 {
		return models.OwnershipEdge{}, fmt.Errorf("asset %s has %d current edges: %w", assetID, flipped, ErrOwnershipConflict)
	}
	edge := models.OwnershipEdge{OwnerID: newOwner, AssetID: assetID, AcquiredAt: at, Method: method, IsCurrent: true}
	s.ownership[assetID] = append(edges, edge)
	asset.CurrentOwnerID = newOwner
	s.assets[assetID] = asset
	return edge, nil
}

func (s *MemoryStore) PutTrustEdge(_ context.Context, e models.TrustEdge) error {
	if e.A == "" || e.B == "" || e.A == e.B {
		return fmt.Errorf("graph: trust edge needs two distinct identities")
	}
	e.A, e.B = OrderedPair(e.A, e.B)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.trust[[2]string{e.A, e.B}] = e
	return nil
}

func (s *MemoryStore) TrustEdgeBetween(_ context.Context, a, b string) (models.TrustEdge, error) {
	a, b = OrderedPair(a, b)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return models.TrustEdge{}, err
	}
	e, ok := s.trust[[2]string{a, b}]
	if !ok {
		return models.TrustEdge{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) PutConsentPolicy(_ context.Context, p models.ConsentPolicy) error {
	if p.SubjectID == "" {
		return fmt.Errorf("graph: consent policy subject required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, exists := s.policies[p.ID]; !exists {
		s.bySubject[p.SubjectID] = append(s.bySubject[p.SubjectID], p.ID)
	}
	s.policies[p.ID] = p
	s.bumpConsentVersionLocked(p.SubjectID)
	return nil
}

func (s *MemoryStore) ConsentPolicies(_ context.Context, subjectID string) ([]models.ConsentPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	ids := s.bySubject[subjectID]
	out := make([]models.ConsentPolicy, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.policies[id])
	}
	return out, nil
}

func (s *MemoryStore) RevokeConsentPolicy(_ context.Context, policyID string, at time.Time) (models.ConsentPolicy, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.ConsentPolicy{}, err
	}
	p, ok := s.policies[policyID]
	if !ok {
		return models.ConsentPolicy{}, fmt.Errorf("consent policy %s: %w", policyID, ErrNotFound)
	}
	if !p.Revoked {
		p.Revoked = true
		p.RevokedAt = &at
		p.Version++
		s.policies[policyID] = p
		s.bumpConsentVersionLocked(p.SubjectID)
	}
	return p, nil
}

func (s *MemoryStore) RevokeGlobalConsent(_ context.Context, subjectID string, at time.Time) (models.ConsentPolicy, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.ConsentPolicy{}, err
	}
	var (
		last    models.ConsentPolicy
		found   bool
		revoked bool
	)
	for _, id := range s.bySubject[subjectID] {
		p := s.policies[id]
		if !p.IsGlobal() {
			continue
		}
		if !p.Revoked {
			p.Revoked = true
			p.RevokedAt = &at
			p.Version++
			s.policies[id] = p
			revoked = true
		}
		last, found = p, true
	}
	if found {
		if revoked {
			s.bumpConsentVersionLocked(subjectID)
		}
		return last, nil
	}
	p := models.ConsentPolicy{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		Visibility: models.VisibilityPrivate,
		Revoked:    true,
		RevokedAt:  &at,
		Version:    1,
		CreatedAt:  at,
	}
	s.policies[p.ID] = p
	s.bySubject[subjectID] = append(s.bySubject[subjectID], p.ID)
	s.bumpConsentVersionLocked(subjectID)
	return p, nil
}

func (s *MemoryStore) bumpConsentVersionLocked(subjectID string) {
	if ident, ok := s.identities[subjectID]; ok {
		ident.ConsentPolicyVersion++
		s.identities[subjectID] = ident
	}
}
