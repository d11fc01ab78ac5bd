package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
)

var errKeyNotFound = errors.New("key not found")

// kvBackend is the byte-level surface MemoryStore and BadgerStore share.
type kvBackend interface {
	get(key string) ([]byte, error)
	put(entries map[string][]byte) error
	del(keys ...string) error
	scan(prefix string, fn func(key string, value []byte) error) error
	close() error
}

const (
	prefixCluster     = "cluster/"
	prefixIncident    = "incident/"
	prefixIncidentKey = "incident_fp/"
	prefixSnapshot    = "snapshot/"
	prefixTicket      = "ticket/"
	prefixProviderRef = "ticket_provider/"
	prefixFinding     = "finding/"
	keyBudget         = "budget/state"
)

func clusterKey(tenantID, fp string) string { return prefixCluster + tenantID + "/" + fp }
func incidentKey(id string) string          { return prefixIncident + id }
func incidentFPKey(tenantID, fp string) string {
	return prefixIncidentKey + tenantID + "/" + fp
}
func findingPrefix(tenantID, fp string) string { return prefixFinding + tenantID + "/" + fp + "/" }

// kvStore implements Store on top of a kvBackend with JSON values.
type kvStore struct {
	kv kvBackend
}

func (s *kvStore) putJSON(pairs ...any) error {
	entries := make(map[string][]byte, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key := pairs[i].(string)
		raw, err := json.Marshal(pairs[i+1])
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		entries[key] = raw
	}
	return s.kv.put(entries)
}

func getJSON[T any](kv kvBackend, key string) (T, bool, error) {
	var out T
	raw, err := kv.get(key)
	if errors.Is(err, errKeyNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

func scanJSON[T any](kv kvBackend, prefix string, keep func(T) bool) ([]T, error) {
	var out []T
	err := kv.scan(prefix, func(key string, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *kvStore) SaveCluster(ctx context.Context, c models.Cluster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(clusterKey(c.TenantID, c.Fingerprint), c)
}

func (s *kvStore) GetCluster(ctx context.Context, tenantID, fp string) (models.Cluster, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Cluster{}, false, err
	}
	return getJSON[models.Cluster](s.kv, clusterKey(tenantID, fp))
}

func (s *kvStore) ListClusters(ctx context.Context, tenantID string) ([]models.Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := prefixCluster
	if tenantID != "" {
		prefix += tenantID + "/"
	}
	return scanJSON[models.Cluster](s.kv, prefix, nil)
}

func (s *kvStore) PruneClusters(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := scanJSON(s.kv, prefixCluster, func(c models.Cluster) bool { return c.LastSeen.Before(cutoff) })
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(stale))
	for _, c := range stale {
		keys = append(keys, clusterKey(c.TenantID, c.Fingerprint))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return len(keys), s.kv.del(keys...)
}

func (s *kvStore) SaveIncident(ctx context.Context, inc models.Incident) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, ok, err := getJSON[string](s.kv, incidentFPKey(inc.TenantID, inc.Fingerprint))
	if err != nil {
		return err
	}
	if ok && current != inc.ID {
		prev, found, err := getJSON[models.Incident](s.kv, incidentKey(current))
		if err != nil {
			return err
		}
		if found && prev.CreatedAt.After(inc.CreatedAt) {
			return s.putJSON(incidentKey(inc.ID), inc)
		}
	}
	return s.putJSON(incidentKey(inc.ID), inc, incidentFPKey(inc.TenantID, inc.Fingerprint), inc.ID)
}

func (s *kvStore) GetIncident(ctx context.Context, id string) (models.Incident, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, false, err
	}
	return getJSON[models.Incident](s.kv, incidentKey(id))
}

func (s *kvStore) CurrentIncident(ctx context.Context, tenantID, fp string) (models.Incident, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, false, err
	}
	id, ok, err := getJSON[string](s.kv, incidentFPKey(tenantID, fp))
	if err != nil || !ok {
		return models.Incident{}, false, err
	}
	return getJSON[models.Incident](s.kv, incidentKey(id))
}

func (s *kvStore) ListIncidents(ctx context.Context, tenantID string) ([]models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := scanJSON(s.kv, prefixIncident, func(i models.Incident) bool { return tenantID == "" || i.TenantID == tenantID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *kvStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(prefixSnapshot+snap.ID, snap)
}

func (s *kvStore) GetSnapshot(ctx context.Context, id string) (models.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, false, err
	}
	return getJSON[models.Snapshot](s.kv, prefixSnapshot+id)
}

func (s *kvStore) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	expired, err := scanJSON(s.kv, prefixSnapshot, func(snap models.Snapshot) bool { return snap.Expired(now) })
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(expired))
	for _, snap := range expired {
		keys = append(keys, prefixSnapshot+snap.ID)
	}
	return len(keys), s.kv.del(keys...)
}

func (s *kvStore) SaveTicket(ctx context.Context, t models.EscalationTicket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ProviderTicketID == "" {
		return s.putJSON(prefixTicket+t.ID, t)
	}
	return s.putJSON(prefixTicket+t.ID, t, prefixProviderRef+t.ProviderTicketID, t.ID)
}

func (s *kvStore) GetTicket(ctx context.Context, id string) (models.EscalationTicket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.EscalationTicket{}, false, err
	}
	return getJSON[models.EscalationTicket](s.kv, prefixTicket+id)
}

func (s *kvStore) GetTicketByProviderID(ctx context.Context, providerTicketID string) (models.EscalationTicket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.EscalationTicket{}, false, err
	}
	id, ok, err := getJSON[string](s.kv, prefixProviderRef+providerTicketID)
	if err != nil || !ok {
		return models.EscalationTicket{}, false, err
	}
	return getJSON[models.EscalationTicket](s.kv, prefixTicket+id)
}

func (s *kvStore) ListOpenTickets(ctx context.Context) ([]models.EscalationTicket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := scanJSON(s.kv, prefixTicket, func(t models.EscalationTicket) bool { return t.Status.Open() })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *kvStore) SaveFinding(ctx context.Context, f models.Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d/%s", findingPrefix(f.TenantID, f.Fingerprint), f.CreatedAt.UnixNano(), f.ID)
	return s.putJSON(key, f)
}

func (s *kvStore) ListFindings(ctx context.Context, tenantID, fp string) ([]models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scanJSON[models.Finding](s.kv, findingPrefix(tenantID, fp), nil)
}

func (s *kvStore) SaveBudgetState(ctx context.Context, state models.BudgetState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(keyBudget, state)
}

func (s *kvStore) LoadBudgetState(ctx context.Context) (models.BudgetState, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.BudgetState{}, false, err
	}
	return getJSON[models.BudgetState](s.kv, keyBudget)
}

func (s *kvStore) Close() error {
	return s.kv.close()
}

func hasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
