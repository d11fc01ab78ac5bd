// Package history recalls previously resolved incidents from a Weaviate-compatible vector store
// so deeper analysis can cite what fixed similar failures before.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const resolutionClass = "IncidentResolution"

// Config configures the Weaviate client. An empty Endpoint disables recall.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// WeaviateHistory stores and recalls resolutions.
type WeaviateHistory struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// NewWeaviateHistory constructs the client. A nil cache disables cache-aside lookups.
func NewWeaviateHistory(cfg Config, cacheProvider cache.Provider, logger *slog.Logger) *WeaviateHistory {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = 0
	}
	return &WeaviateHistory{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cacheProvider,
		cacheTTL:   cfg.CacheTTL,
		logger:     utils.Component(logger, "history"),
	}
}

// Enabled reports whether an endpoint is configured.
func (h *WeaviateHistory) Enabled() bool {
	return h != nil && h.endpoint != ""
}

// StoreResolution persists a resolved incident for later recall.
func (h *WeaviateHistory) StoreResolution(ctx context.Context, res models.PastResolution) error {
	if !h.Enabled() {
		return nil
	}
	payload := map[string]any{
		"class": resolutionClass,
		"properties": map[string]any{
			"incidentId":  res.IncidentID,
			"tenantId":    res.TenantID,
			"fingerprint": res.Fingerprint,
			"title":       res.Title,
			"symptoms":    res.Symptoms,
			"rootCause":   res.RootCause,
			"solution":    res.Solution,
			"prevention":  res.Prevention,
			"resolvedAt":  res.ResolvedAt.UTC().Format(time.RFC3339),
		},
	}
	if res.IncidentID != "" {
		payload["id"] = res.IncidentID
	}
	if err := h.post(ctx, "/v1/objects", payload, nil); err != nil {
		return fmt.Errorf("store resolution %s: %w", res.IncidentID, err)
	}
	return nil
}

// SimilarResolutions returns the nearest resolved incidents for the tenant. Symptom order does
// not affect caching.
func (h *WeaviateHistory) SimilarResolutions(ctx context.Context, tenantID string, symptoms []string, limit int) ([]models.PastResolution, error) {
	if !h.Enabled() || len(symptoms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	sorted := append([]string(nil), symptoms...)
	sort.Strings(sorted)
	cacheKey := similarKey(tenantID, sorted, limit)
	if h.cacheTTL > 0 {
		if data, err := h.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.PastResolution
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	query := fmt.Sprintf(`{
  Get {
    %s(
      limit: %d
      nearText: {concepts: %s}
      where: {path: ["tenantId"], operator: Equal, valueText: %s}
    ) {
      incidentId
      tenantId
      fingerprint
      title
      symptoms
      rootCause
      solution
      prevention
      resolvedAt
      _additional { certainty }
    }
  }
}`, resolutionClass, limit, gqlList(sorted), gqlString(tenantID))

	var response struct {
		Data struct {
			Get map[string][]struct {
				IncidentID  string    `json:"incidentId"`
				TenantID    string    `json:"tenantId"`
				Fingerprint string    `json:"fingerprint"`
				Title       string    `json:"title"`
				Symptoms    []string  `json:"symptoms"`
				RootCause   string    `json:"rootCause"`
				Solution    string    `json:"solution"`
				Prevention  string    `json:"prevention"`
				ResolvedAt  time.Time `json:"resolvedAt"`
				Additional  struct {
					Certainty float64 `json:"certainty"`
				} `json:"_additional"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := h.post(ctx, "/v1/graphql", map[string]any{"query": query}, &response); err != nil {
		return nil, fmt.Errorf("similar resolutions: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("similar resolutions: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[resolutionClass]
	results := make([]models.PastResolution, 0, len(records))
	for _, rec := range records {
		results = append(results, models.PastResolution{
			IncidentID:  rec.IncidentID,
			TenantID:    rec.TenantID,
			Fingerprint: rec.Fingerprint,
			Title:       rec.Title,
			Symptoms:    rec.Symptoms,
			RootCause:   rec.RootCause,
			Solution:    rec.Solution,
			Prevention:  rec.Prevention,
			Score:       rec.Additional.Certainty,
			ResolvedAt:  rec.ResolvedAt,
		})
	}

	if h.cacheTTL > 0 && len(results) > 0 {
		if payload, err := json.Marshal(results); err == nil {
			if err := h.cache.Set(ctx, cacheKey, payload, h.cacheTTL); err != nil {
				h.logger.Debug("cache similar resolutions failed", slog.Any("error", err))
			}
		}
	}
	return results, nil
}

func similarKey(tenantID string, symptoms []string, limit int) string {
	return fmt.Sprintf("triage:history:%s:%d:%s", tenantID, limit, strings.Join(symptoms, "|"))
}

func gqlString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

func gqlList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, gqlString(v))
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func (h *WeaviateHistory) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("weaviate returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
