package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-triage/internal/analysis"
	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/cluster"
	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/history"
	"github.com/miradorstack/mirador-triage/internal/incident"
	"github.com/miradorstack/mirador-triage/internal/inference"
	"github.com/miradorstack/mirador-triage/internal/pipeline"
	"github.com/miradorstack/mirador-triage/internal/redact"
	"github.com/miradorstack/mirador-triage/internal/services"
	"github.com/miradorstack/mirador-triage/internal/store"
)

// app holds every long-lived component of the engine.
type app struct {
	logger *slog.Logger

	// current is the configuration batches run under; pending holds a reload waiting for the
	// next batch to start.
	current atomic.Pointer[config.Config]
	pending atomic.Pointer[config.Config]

	store        store.Store
	cache        cache.Provider
	guard        *redact.Guard
	budget       *budget.Controller
	gateway      *inference.Gateway
	orchestrator *analysis.Orchestrator
	incidents    *incident.Manager
	escalations  *escalation.Manager
	sealer       *escalation.Sealer
	pipeline     *pipeline.Pipeline
	buffer       *pipeline.Buffer
	scheduler    *pipeline.Scheduler
	service      *services.TriageService
}

// buildApp wires the engine from cfg. Reloads handed to stage take effect when the next batch
// starts.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{logger: logger}
	a.current.Store(cfg)

	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		BadgerPath:  cfg.Store.BadgerPath,
		PostgresDSN: cfg.Store.PostgresDSN,
		SyncWrites:  cfg.Store.SyncWrites,
		GCInterval:  cfg.Store.GCInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.cache = openCache(cfg.Cache, logger)

	guard, err := redact.NewGuard(redact.Config{RulesPath: cfg.Redaction.RulesPath, FailClosed: cfg.Redaction.FailClosed}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load redaction rules: %w", err)
	}
	a.guard = guard

	limits, opt := budgetSettings(cfg)
	a.budget = budget.NewController(limits, opt, logger, budget.WithStore(st))

	client := inference.NewOpenAIClient(inference.OpenAIConfig{
		BaseURL: cfg.Inference.BaseURL,
		APIKey:  cfg.Inference.APIKey,
		OrgID:   cfg.Inference.OrgID,
		Timeout: max(cfg.Inference.TierATimeout, cfg.Inference.TierBTimeout),
	}, logger)
	a.gateway = inference.NewGateway(client, guard, a.budget, cfg.Budget.Prices, logger)

	rules, err := analysis.NewRuleEngine(cfg.Inference.FallbackRulesPath, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load fallback rules: %w", err)
	}
	recall := history.NewWeaviateHistory(history.Config{
		Endpoint: cfg.History.Endpoint,
		APIKey:   cfg.History.APIKey,
		Timeout:  cfg.History.Timeout,
		CacheTTL: cfg.Cache.HistoryTTL,
	}, a.cache, logger)
	a.orchestrator = analysis.NewOrchestrator(analysisSettings(cfg), a.gateway, rules, recall, logger)

	var submitter incident.Submitter
	if cfg.Provider.URL != "" {
		sealer, err := escalation.NewSealer(cfg.Provider.SigningKey, cfg.Provider.EncryptionKey)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init provider sealer: %w", err)
		}
		transport, err := escalation.NewHTTPTransport(escalation.HTTPConfig{
			URL:           cfg.Provider.URL,
			Timeout:       cfg.Provider.Timeout,
			MaxAttempts:   cfg.Provider.MaxAttempts,
			BaseBackoff:   cfg.Provider.BaseBackoff,
			RatePerSecond: cfg.Provider.RatePerSecond,
			Burst:         cfg.Provider.Burst,
		}, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init provider transport: %w", err)
		}
		a.sealer = sealer
		a.escalations = escalation.NewManager(st, transport, sealer, a.cache, logger)
		submitter = a.escalations
	} else {
		logger.Warn("provider url not set, escalation disabled")
	}

	a.incidents = incident.NewManager(incidentSettings(cfg), st, guard, submitter, recall, logger)
	if a.escalations != nil {
		a.escalations.SetIncidentUpdater(a.incidents)
	}

	engine := cluster.NewEngine(cluster.Config{
		MaxExemplars:    cfg.Pipeline.MaxExemplars,
		DiversityWindow: cfg.Pipeline.DiversityWindow,
	}, logger)
	locker := cluster.NewLocker(a.cache, cfg.Pipeline.LockTTL)

	a.pipeline = pipeline.New(st, a.budget, engine, locker, a.orchestrator, a.incidents, logger,
		pipeline.WithBatchStart(a.applyPending),
		pipeline.WithSettings(func() pipeline.Settings {
			c := a.current.Load()
			return pipeline.Settings{
				Sensitivity:      c.Pipeline.Sensitivity,
				MaxEvents:        c.Pipeline.MaxEvents,
				ClusterRetention: c.Pipeline.ClusterRetention,
			}
		}),
	)
	a.buffer = pipeline.NewBuffer(cfg.Pipeline.BufferCapacity, logger)

	var sla pipeline.SLAChecker
	if a.escalations != nil {
		sla = a.escalations
	}
	a.scheduler = pipeline.NewScheduler(pipeline.SchedulerConfig{
		Interval:            pipeline.PolicyInterval(a.budget, cfg.Pipeline.BatchInterval),
		MaintenanceInterval: cfg.Pipeline.MaintenanceInterval,
		FlushTimeout:        cfg.Server.GracefulTimeout,
	}, a.buffer, a.pipeline, a.pipeline, sla, logger)

	deps := services.Deps{
		Runner:         a.pipeline,
		Buffer:         a.buffer,
		Flusher:        a.scheduler,
		Incidents:      st,
		FlushThreshold: cfg.Pipeline.MaxEvents,
	}
	if a.escalations != nil {
		deps.Tickets = a.escalations
		deps.Verifier = a.sealer
	}
	a.service = services.NewTriageService(logger, deps)
	return a, nil
}

// restore reloads persisted state before the first batch.
func (a *app) restore(ctx context.Context) error {
	clusters, err := a.pipeline.Restore(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("state restored", slog.Int("clusters", clusters))
	return nil
}

// stage records a reloaded configuration for the next batch.
func (a *app) stage(cfg *config.Config) {
	a.pending.Store(cfg)
	a.logger.Info("configuration staged for next batch")
}

// applyPending runs at batch start and applies the latest staged configuration, if any.
func (a *app) applyPending() {
	if cfg := a.pending.Swap(nil); cfg != nil {
		a.apply(cfg)
	}
}

// apply pushes a configuration into the running components. Listener addresses and backend
// selection need a restart.
func (a *app) apply(cfg *config.Config) {
	a.current.Store(cfg)
	limits, opt := budgetSettings(cfg)
	a.budget.UpdateLimits(limits, opt)
	a.gateway.SetPricing(cfg.Budget.Prices)
	a.orchestrator.Configure(analysisSettings(cfg))
	a.incidents.Configure(incidentSettings(cfg))
	if err := a.guard.Configure(redact.Config{RulesPath: cfg.Redaction.RulesPath, FailClosed: cfg.Redaction.FailClosed}); err != nil {
		a.logger.Warn("redaction rules not reloaded", slog.Any("error", err))
	}
}

func (a *app) close() {
	var errList []error
	if a.cache != nil {
		errList = append(errList, a.cache.Close())
	}
	if a.store != nil {
		errList = append(errList, a.store.Close())
	}
	if err := errors.Join(errList...); err != nil {
		a.logger.Warn("shutdown cleanup failed", slog.Any("error", err))
	}
}

func openCache(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
		KeyPrefix:    cfg.KeyPrefix,
		PoolSize:     cfg.PoolSize,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	return provider
}

func budgetSettings(cfg *config.Config) (budget.Limits, budget.OptimizationConfig) {
	overrides := make(map[string]budget.TenantLimits, len(cfg.Budget.Tenants))
	for tenant, tb := range cfg.Budget.Tenants {
		overrides[tenant] = budget.TenantLimits{DailyTokens: tb.DailyTokens, MonthlyTokens: tb.MonthlyTokens}
	}
	limits := budget.Limits{
		MonthlyTokens:           cfg.Budget.MonthlyTokens,
		DailyTokens:             cfg.Budget.DailyTokens,
		PerMinuteTokens:         cfg.Budget.PerMinuteTokens,
		HardStop:                cfg.Budget.HardStop,
		ThrottleUtilization:     cfg.Budget.ThrottleUtilization,
		VelocityTokensPerMinute: cfg.Budget.VelocityTokensPerMinute,
		TenantDefault: budget.TenantLimits{
			DailyTokens:   cfg.Budget.TenantDefault.DailyTokens,
			MonthlyTokens: cfg.Budget.TenantDefault.MonthlyTokens,
		},
		TenantOverrides: overrides,
		TierACallTokens: cfg.Budget.TierACallTokens,
		TierBCallTokens: cfg.Budget.TierBCallTokens,
	}
	baseInterval := cfg.Budget.BaseBatchInterval
	if baseInterval <= 0 {
		baseInterval = cfg.Pipeline.BatchInterval
	}
	opt := budget.OptimizationConfig{
		IncreaseSamplingWhenOverBudget: cfg.Budget.IncreaseSamplingWhenOverBudget,
		AutoAdjustBatching:             cfg.Budget.AutoAdjustBatching,
		SkipLowSeverityWhenOverBudget:  cfg.Budget.SkipLowSeverityWhenOverBudget,
		BaseSamplingRate:               cfg.Budget.BaseSamplingRate,
		BaseBatchInterval:              baseInterval,
	}
	return limits, opt
}

func analysisSettings(cfg *config.Config) analysis.Config {
	return analysis.Config{
		TierAModel:          cfg.Inference.TierAModel,
		TierBModel:          cfg.Inference.TierBModel,
		TierAMaxTokens:      cfg.Inference.TierAMaxTokens,
		TierBMaxTokens:      cfg.Inference.TierBMaxTokens,
		Temperature:         cfg.Inference.Temperature,
		TierATimeout:        cfg.Inference.TierATimeout,
		TierBTimeout:        cfg.Inference.TierBTimeout,
		SubBatchSize:        cfg.Inference.SubBatchSize,
		Concurrency:         cfg.Inference.Concurrency,
		ContextBytes:        cfg.Inference.ContextBytes,
		TierBExemplars:      cfg.Pipeline.MaxExemplars,
		CandidateSeverities: cfg.Escalation.Severities,
		ConfidenceThreshold: cfg.Escalation.ConfidenceThreshold,
		VelocityThreshold:   cfg.Escalation.VelocityThreshold,
		NoveltyWindow:       cfg.Escalation.NoveltyWindow,
		ProviderConfidence:  cfg.Escalation.ProviderConfidence,
		BatchWallClock:      cfg.Pipeline.BatchWallClock,
		HistoryLimit:        cfg.Inference.HistoryLimit,
	}
}

func incidentSettings(cfg *config.Config) incident.Config {
	return incident.Config{
		EscalationSeverities:  cfg.Escalation.Severities,
		ConfidenceThreshold:   cfg.Escalation.ConfidenceThreshold,
		VelocityThreshold:     cfg.Escalation.VelocityThreshold,
		NoveltyWindow:         cfg.Escalation.NoveltyWindow,
		UserImpactThreshold:   cfg.Escalation.UserImpactThreshold,
		BusinessCriticalAreas: cfg.Escalation.BusinessCriticalAreas,
		RetentionDays:         cfg.Escalation.RetentionDays,
		SnapshotEvents:        cfg.Escalation.SnapshotEvents,
		SuddenOnset:           cfg.Escalation.SuddenOnset,
		DashboardTemplates:    cfg.Escalation.DashboardTemplates,
	}
}

// shutdownTimeout falls back to ten seconds when the config leaves it unset.
func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.GracefulTimeout > 0 {
		return cfg.Server.GracefulTimeout
	}
	return 10 * time.Second
}
