package models

import "time"

// Event is a single normalized error telemetry record. Events are never mutated after ingestion.
type Event struct {
	ID           string            `json:"id,omitempty"`
	Timestamp    time.Time         `json:"timestamp" validate:"required"`
	TenantID     string            `json:"tenantId" validate:"required,max=128"`
	Message      string            `json:"message" validate:"required_without=StackTrace"`
	StackTrace   string            `json:"stackTrace,omitempty"`
	ErrorType    string            `json:"errorType,omitempty"`
	Route        string            `json:"route,omitempty"`
	Method       string            `json:"method,omitempty"`
	StatusCode   int               `json:"statusCode,omitempty" validate:"omitempty,gte=100,lte=599"`
	Severity     Severity          `json:"severity,omitempty"`
	Environment  string            `json:"environment" validate:"required"`
	AppVersion   string            `json:"appVersion,omitempty"`
	CommitHash   string            `json:"commitHash,omitempty"`
	FeatureFlags map[string]string `json:"featureFlags,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	UserRole     string            `json:"userRole,omitempty"`
	ServiceArea  string            `json:"serviceArea,omitempty"`
	DurationMs   float64           `json:"durationMs,omitempty" validate:"gte=0"`
}

// Endpoint renders the method and route pair, or an empty string when no route is known.
func (e Event) Endpoint() string {
	if e.Route == "" {
		return ""
	}
	if e.Method == "" {
		return e.Route
	}
	return e.Method + " " + e.Route
}
