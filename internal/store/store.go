// Package store persists clusters, incidents, snapshots, tickets, findings and budget counters
// so the pipeline can restart without losing cluster identity.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// Store is the persistence contract shared by every backend. Lookups report absence with a
// false flag rather than an error.
type Store interface {
	SaveCluster(ctx context.Context, c models.Cluster) error
	GetCluster(ctx context.Context, tenantID, fingerprint string) (models.Cluster, bool, error)
	// ListClusters returns every cluster for tenantID, or all tenants when tenantID is empty.
	ListClusters(ctx context.Context, tenantID string) ([]models.Cluster, error)
	// PruneClusters deletes clusters last seen before cutoff.
	PruneClusters(ctx context.Context, cutoff time.Time) (int, error)

	SaveIncident(ctx context.Context, inc models.Incident) error
	GetIncident(ctx context.Context, id string) (models.Incident, bool, error)
	// CurrentIncident returns the newest incident for a tenant and fingerprint.
	CurrentIncident(ctx context.Context, tenantID, fingerprint string) (models.Incident, bool, error)
	ListIncidents(ctx context.Context, tenantID string) ([]models.Incident, error)

	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, bool, error)
	DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error)

	SaveTicket(ctx context.Context, t models.EscalationTicket) error
	GetTicket(ctx context.Context, id string) (models.EscalationTicket, bool, error)
	GetTicketByProviderID(ctx context.Context, providerTicketID string) (models.EscalationTicket, bool, error)
	ListOpenTickets(ctx context.Context) ([]models.EscalationTicket, error)

	SaveFinding(ctx context.Context, f models.Finding) error
	ListFindings(ctx context.Context, tenantID, fingerprint string) ([]models.Finding, error)

	SaveBudgetState(ctx context.Context, state models.BudgetState) error
	LoadBudgetState(ctx context.Context) (models.BudgetState, bool, error)

	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver      string
	BadgerPath  string
	PostgresDSN string
	SyncWrites  bool
	GCInterval  time.Duration
}

// Open builds the configured backend.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverBadger:
		return NewBadgerStore(BadgerConfig{
			Path:           cfg.BadgerPath,
			SyncWrites:     cfg.SyncWrites,
			GCInterval:     cfg.GCInterval,
			GCDiscardRatio: 0.5,
		}, logger)
	case DriverPostgres:
		return NewPostgresStore(cfg.PostgresDSN, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
