package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"integrityspine/pkg/graph"
	"integrityspine/pkg/models"
)

// graphSeed loads a fixture graph into a fresh store. It exists for the
// in-memory backend; production graphs are written by their owners.
type graphSeed struct {
	Identities []struct {
		ID         string  `yaml:"id"`
		Handle     string  `yaml:"handle"`
		RegionCode string  `yaml:"region_code"`
		TrustScore float64 `yaml:"trust_score"`
	} `yaml:"identities"`
	Assets []struct {
		ID      string `yaml:"id"`
		Creator string `yaml:"creator"`
		Owner   string `yaml:"owner"`
	} `yaml:"assets"`
	Trust []struct {
		A      string `yaml:"a"`
		B      string `yaml:"b"`
		Status string `yaml:"status"`
	} `yaml:"trust"`
	Policies []struct {
		ID         string `yaml:"id"`
		Subject    string `yaml:"subject"`
		Asset      string `yaml:"asset"`
		Facet      string `yaml:"facet"`
		Visibility string `yaml:"visibility"`
	} `yaml:"policies"`
}

func loadSeed(ctx context.Context, g graph.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	var seed graphSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	now := time.Now().UTC()
	for _, id := range seed.Identities {
		if err := ignoreExists(g.PutIdentity(ctx, models.Identity{
			ID: id.ID, Handle: id.Handle, RegionCode: id.RegionCode,
			TrustScore: id.TrustScore, Active: true, CreatedAt: now,
		})); err != nil {
			return fmt.Errorf("seed identity %s: %w", id.ID, err)
		}
	}
	for _, a := range seed.Assets {
		owner := a.Owner
		if owner == "" {
			owner = a.Creator
		}
		if err := ignoreExists(g.PutAsset(ctx, models.Asset{
			ID: a.ID, CreatorID: a.Creator, CurrentOwnerID: owner,
			State: models.AssetActive, CreatedAt: now,
		})); err != nil {
			return fmt.Errorf("seed asset %s: %w", a.ID, err)
		}
	}
	for _, t := range seed.Trust {
		status := t.Status
		if status == "" {
			status = models.TrustAccepted
		}
		if err := g.PutTrustEdge(ctx, models.TrustEdge{A: t.A, B: t.B, Status: status, CreatedAt: now}); err != nil {
			return fmt.Errorf("seed trust %s-%s: %w", t.A, t.B, err)
		}
	}
	for _, p := range seed.Policies {
		if err := ignoreExists(g.PutConsentPolicy(ctx, models.ConsentPolicy{
			ID: p.ID, SubjectID: p.Subject, AssetID: p.Asset, Facet: p.Facet,
			Visibility: p.Visibility, Version: 1, CreatedAt: now,
		})); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}

func ignoreExists(err error) error {
	if errors.Is(err, graph.ErrAlreadyExists) {
		return nil
	}
	return err
}
