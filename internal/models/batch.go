package models

import "time"

// UnitError records a failure scoped to one unit of work inside a batch.
type UnitError struct {
	Unit    string `json:"unit"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BatchResult is returned by every batch run, successful or not.
type BatchResult struct {
	BatchID              string      `json:"batchId"`
	StartedAt            time.Time   `json:"startedAt"`
	FinishedAt           time.Time   `json:"finishedAt"`
	EventsReceived       int         `json:"eventsReceived"`
	EventsRejected       int         `json:"eventsRejected"`
	EventsSampled        int         `json:"eventsSampled"`
	ClustersFormed       int         `json:"clustersFormed"`
	ClustersSkipped      int         `json:"clustersSkipped"`
	TierAFindings        int         `json:"tierAFindings"`
	TierBFindings        int         `json:"tierBFindings"`
	TokensUsed           int         `json:"tokensUsed"`
	CostUSD              float64     `json:"costUsd"`
	IncidentsCreated     int         `json:"incidentsCreated"`
	IncidentsUpdated     int         `json:"incidentsUpdated"`
	EscalationsSubmitted int         `json:"escalationsSubmitted"`
	EscalationsBlocked   int         `json:"escalationsBlocked"`
	EscalationsFailed    int         `json:"escalationsFailed"`
	Errors               []UnitError `json:"errors,omitempty"`
	Warnings             []string    `json:"warnings,omitempty"`
}

// AddError appends a unit failure.
func (r *BatchResult) AddError(unit, kind string, err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, UnitError{Unit: unit, Kind: kind, Message: err.Error()})
}

// Absorb folds a partial result (one tenant) into r.
func (r *BatchResult) Absorb(part BatchResult) {
	r.EventsSampled += part.EventsSampled
	r.ClustersFormed += part.ClustersFormed
	r.ClustersSkipped += part.ClustersSkipped
	r.TierAFindings += part.TierAFindings
	r.TierBFindings += part.TierBFindings
	r.TokensUsed += part.TokensUsed
	r.CostUSD += part.CostUSD
	r.IncidentsCreated += part.IncidentsCreated
	r.IncidentsUpdated += part.IncidentsUpdated
	r.EscalationsSubmitted += part.EscalationsSubmitted
	r.EscalationsBlocked += part.EscalationsBlocked
	r.EscalationsFailed += part.EscalationsFailed
	r.Errors = append(r.Errors, part.Errors...)
	r.Warnings = append(r.Warnings, part.Warnings...)
}

// IngestReceipt reports what happened to events pushed into the ingest buffer.
type IngestReceipt struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Dropped  int         `json:"dropped"`
	Errors   []UnitError `json:"errors,omitempty"`
}

// Health is the engine status reported by health endpoints.
type Health struct {
	Status      string     `json:"status"`
	BufferDepth int        `json:"bufferDepth"`
	LastBatchID string     `json:"lastBatchId,omitempty"`
	LastBatchAt *time.Time `json:"lastBatchAt,omitempty"`
}
