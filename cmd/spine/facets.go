package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"integrityspine/pkg/httpx"
	"integrityspine/pkg/models"
)

// httpFacets asks the asset service for the facets visible at a scope:
//
//	GET {base}/v1/assets/{id}/facets?scope=connections-only -> {"facets": [...]}
type httpFacets struct {
	base   string
	client *http.Client
}

func newHTTPFacets(base string, client *http.Client) *httpFacets {
	return &httpFacets{base: strings.TrimRight(base, "/"), client: client}
}

func (f *httpFacets) GetSafeFacets(ctx context.Context, assetID, scope string) ([]models.Facet, error) {
	u := fmt.Sprintf("%s/v1/assets/%s/facets?scope=%s", f.base, url.PathEscape(assetID), url.QueryEscape(scope))
	status, body, err := httpx.RequestJSON(ctx, f.client, http.MethodGet, u, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("facets: status %d", status)
	}
	var out struct {
		Facets []models.Facet `json:"facets"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("facets: decode: %w", err)
	}
	return out.Facets, nil
}
