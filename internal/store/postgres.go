package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miradorstack/mirador-triage/internal/models"
)

type clusterRow struct {
	TenantID    string    `gorm:"primaryKey;size:128"`
	Fingerprint string    `gorm:"primaryKey;size:32"`
	LastSeen    time.Time `gorm:"index"`
	Data        datatypes.JSON
}

func (clusterRow) TableName() string { return "triage_clusters" }

type incidentRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	TenantID    string `gorm:"index:idx_incident_key;size:128"`
	Fingerprint string `gorm:"index:idx_incident_key;size:32"`
	Status      string `gorm:"size:32"`
	CreatedAt   time.Time
	Data        datatypes.JSON
}

func (incidentRow) TableName() string { return "triage_incidents" }

type snapshotRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	IncidentID string    `gorm:"index;size:64"`
	ExpiresAt  time.Time `gorm:"index"`
	Data       datatypes.JSON
}

func (snapshotRow) TableName() string { return "triage_snapshots" }

type ticketRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	ProviderTicketID string `gorm:"index;size:128"`
	Status           string `gorm:"index;size:32"`
	SubmittedAt      time.Time
	Data             datatypes.JSON
}

func (ticketRow) TableName() string { return "triage_tickets" }

type findingRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	TenantID    string `gorm:"index:idx_finding_key;size:128"`
	Fingerprint string `gorm:"index:idx_finding_key;size:32"`
	CreatedAt   time.Time
	Data        datatypes.JSON
}

func (findingRow) TableName() string { return "triage_findings" }

type budgetRow struct {
	ID        int `gorm:"primaryKey"`
	UpdatedAt time.Time
	Data      datatypes.JSON
}

func (budgetRow) TableName() string { return "triage_budget_state" }

// PostgresStore persists JSON documents in PostgreSQL with indexed lookup columns.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgresStore connects and migrates the schema.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStoreWithDB(db, logger)
}

// NewPostgresStoreWithDB wraps an existing gorm handle.
func NewPostgresStoreWithDB(db *gorm.DB, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&clusterRow{}, &incidentRow{}, &snapshotRow{}, &ticketRow{}, &findingRow{}, &budgetRow{}); err != nil {
		return nil, fmt.Errorf("migrate triage tables: %w", err)
	}
	return &PostgresStore{db: db, logger: logger.With("component", "postgres")}, nil
}

func encodeRow(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeRow[T any](data datatypes.JSON) (T, error) {
	var out T
	err := json.Unmarshal(data, &out)
	return out, err
}

func upsert(ctx context.Context, db *gorm.DB, row any) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// first loads one row; absence is reported as ok=false.
func first[R any](ctx context.Context, db *gorm.DB, query string, args ...any) (R, bool, error) {
	var row R
	err := db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, false, nil
	}
	return row, err == nil, err
}

func clusterToRow(c models.Cluster) (clusterRow, error) {
	data, err := encodeRow(c)
	return clusterRow{TenantID: c.TenantID, Fingerprint: c.Fingerprint, LastSeen: c.LastSeen, Data: data}, err
}

func incidentToRow(inc models.Incident) (incidentRow, error) {
	data, err := encodeRow(inc)
	return incidentRow{ID: inc.ID, TenantID: inc.TenantID, Fingerprint: inc.Fingerprint, Status: string(inc.Status), CreatedAt: inc.CreatedAt, Data: data}, err
}

func ticketToRow(t models.EscalationTicket) (ticketRow, error) {
	data, err := encodeRow(t)
	return ticketRow{ID: t.ID, ProviderTicketID: t.ProviderTicketID, Status: string(t.Status), SubmittedAt: t.SubmittedAt, Data: data}, err
}

func (s *PostgresStore) SaveCluster(ctx context.Context, c models.Cluster) error {
	row, err := clusterToRow(c)
	if err != nil {
		return err
	}
	return upsert(ctx, s.db, &row)
}

func (s *PostgresStore) GetCluster(ctx context.Context, tenantID, fp string) (models.Cluster, bool, error) {
	row, ok, err := first[clusterRow](ctx, s.db, "tenant_id = ? AND fingerprint = ?", tenantID, fp)
	if !ok || err != nil {
		return models.Cluster{}, false, err
	}
	c, err := decodeRow[models.Cluster](row.Data)
	return c, err == nil, err
}

func (s *PostgresStore) ListClusters(ctx context.Context, tenantID string) ([]models.Cluster, error) {
	var rows []clusterRow
	q := s.db.WithContext(ctx).Order("tenant_id, fingerprint")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Cluster, 0, len(rows))
	for _, row := range rows {
		c, err := decodeRow[models.Cluster](row.Data)
		if err != nil {
			return nil, fmt.Errorf("decode cluster %s/%s: %w", row.TenantID, row.Fingerprint, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *PostgresStore) PruneClusters(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("last_seen < ?", cutoff).Delete(&clusterRow{})
	return int(res.RowsAffected), res.Error
}

func (s *PostgresStore) SaveIncident(ctx context.Context, inc models.Incident) error {
	row, err := incidentToRow(inc)
	if err != nil {
		return err
	}
	return upsert(ctx, s.db, &row)
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (models.Incident, bool, error) {
	row, ok, err := first[incidentRow](ctx, s.db, "id = ?", id)
	if !ok || err != nil {
		return models.Incident{}, false, err
	}
	inc, err := decodeRow[models.Incident](row.Data)
	return inc, err == nil, err
}

func (s *PostgresStore) CurrentIncident(ctx context.Context, tenantID, fp string) (models.Incident, bool, error) {
	var row incidentRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND fingerprint = ?", tenantID, fp).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Incident{}, false, nil
	}
	if err != nil {
		return models.Incident{}, false, err
	}
	inc, err := decodeRow[models.Incident](row.Data)
	return inc, err == nil, err
}

func (s *PostgresStore) ListIncidents(ctx context.Context, tenantID string) ([]models.Incident, error) {
	var rows []incidentRow
	q := s.db.WithContext(ctx).Order("created_at")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Incident, 0, len(rows))
	for _, row := range rows {
		inc, err := decodeRow[models.Incident](row.Data)
		if err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", row.ID, err)
		}
		out = append(out, inc)
	}
	return out, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	data, err := encodeRow(snap)
	if err != nil {
		return err
	}
	return upsert(ctx, s.db, &snapshotRow{ID: snap.ID, IncidentID: snap.IncidentID, ExpiresAt: snap.ExpiresAt, Data: data})
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (models.Snapshot, bool, error) {
	row, ok, err := first[snapshotRow](ctx, s.db, "id = ?", id)
	if !ok || err != nil {
		return models.Snapshot{}, false, err
	}
	snap, err := decodeRow[models.Snapshot](row.Data)
	return snap, err == nil, err
}

func (s *PostgresStore) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&snapshotRow{})
	return int(res.RowsAffected), res.Error
}

func (s *PostgresStore) SaveTicket(ctx context.Context, t models.EscalationTicket) error {
	row, err := ticketToRow(t)
	if err != nil {
		return err
	}
	return upsert(ctx, s.db, &row)
}

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (models.EscalationTicket, bool, error) {
	return s.ticketWhere(ctx, "id = ?", id)
}

func (s *PostgresStore) GetTicketByProviderID(ctx context.Context, providerTicketID string) (models.EscalationTicket, bool, error) {
	if providerTicketID == "" {
		return models.EscalationTicket{}, false, nil
	}
	return s.ticketWhere(ctx, "provider_ticket_id = ?", providerTicketID)
}

func (s *PostgresStore) ticketWhere(ctx context.Context, query string, args ...any) (models.EscalationTicket, bool, error) {
	row, ok, err := first[ticketRow](ctx, s.db, query, args...)
	if !ok || err != nil {
		return models.EscalationTicket{}, false, err
	}
	t, err := decodeRow[models.EscalationTicket](row.Data)
	return t, err == nil, err
}

func (s *PostgresStore) ListOpenTickets(ctx context.Context) ([]models.EscalationTicket, error) {
	var rows []ticketRow
	open := []string{string(models.TicketSubmitted), string(models.TicketAcknowledged), string(models.TicketInvestigating)}
	if err := s.db.WithContext(ctx).Where("status IN ?", open).Order("submitted_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.EscalationTicket, 0, len(rows))
	for _, row := range rows {
		t, err := decodeRow[models.EscalationTicket](row.Data)
		if err != nil {
			return nil, fmt.Errorf("decode ticket %s: %w", row.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) SaveFinding(ctx context.Context, f models.Finding) error {
	data, err := encodeRow(f)
	if err != nil {
		return err
	}
	row := findingRow{ID: f.ID, TenantID: f.TenantID, Fingerprint: f.Fingerprint, CreatedAt: f.CreatedAt, Data: data}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *PostgresStore) ListFindings(ctx context.Context, tenantID, fp string) ([]models.Finding, error) {
	var rows []findingRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND fingerprint = ?", tenantID, fp).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Finding, 0, len(rows))
	for _, row := range rows {
		f, err := decodeRow[models.Finding](row.Data)
		if err != nil {
			return nil, fmt.Errorf("decode finding %s: %w", row.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *PostgresStore) SaveBudgetState(ctx context.Context, state models.BudgetState) error {
	data, err := encodeRow(state)
	if err != nil {
		return err
	}
	return upsert(ctx, s.db, &budgetRow{ID: 1, UpdatedAt: state.UpdatedAt, Data: data})
}

func (s *PostgresStore) LoadBudgetState(ctx context.Context) (models.BudgetState, bool, error) {
	row, ok, err := first[budgetRow](ctx, s.db, "id = ?", 1)
	if !ok || err != nil {
		return models.BudgetState{}, false, err
	}
	state, err := decodeRow[models.BudgetState](row.Data)
	return state, err == nil, err
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
