package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/models"
)

func TestStructConversionKeepsDomainFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := models.BatchResult{BatchID: "b-1", StartedAt: at, EventsReceived: 42, CostUSD: 0.25,
		Errors: []models.UnitError{{Unit: "cluster/x", Kind: errs.KindInferenceError, Message: "timeout"}}}

	s, err := ToStruct(in)
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if got := s.Fields["eventsReceived"].GetNumberValue(); got != 42 {
		t.Fatalf("expected eventsReceived 42, got %v", got)
	}

	var out models.BatchResult
	if err := FromStruct(s, &out); err != nil {
		t.Fatalf("from struct: %v", err)
	}
	if out.BatchID != "b-1" || !out.StartedAt.Equal(at) || len(out.Errors) != 1 {
		t.Fatalf("unexpected round trip: %+v", out)
	}
}

func TestToStructRejectsNonObjects(t *testing.T) {
	if _, err := ToStruct([]string{"a"}); err == nil {
		t.Fatalf("expected error for array message")
	}
	if err := FromStruct(nil, &models.Incident{}); err == nil {
		t.Fatalf("expected error for nil struct")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
		http int
	}{
		{"validation", &errs.ValidationError{Reason: "bad"}, codes.InvalidArgument, http.StatusBadRequest},
		{"not found", fmt.Errorf("incident x: %w", ErrNotFound), codes.NotFound, http.StatusNotFound},
		{"ticket not found", escalation.ErrTicketNotFound, codes.NotFound, http.StatusNotFound},
		{"closed", escalation.ErrTicketClosed, codes.FailedPrecondition, http.StatusConflict},
		{"not resolved", fmt.Errorf("%w: t is open", escalation.ErrTicketNotResolved), codes.FailedPrecondition, http.StatusConflict},
		{"signature", ErrUnauthenticated, codes.Unauthenticated, http.StatusUnauthorized},
		{"security", &errs.SecurityViolation{Operation: "escalate"}, codes.PermissionDenied, http.StatusForbidden},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{"status passthrough", status.Error(codes.Unavailable, "down"), codes.Unavailable, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := status.Code(GRPCError(tc.err)); got != tc.code {
				t.Fatalf("expected grpc code %v, got %v", tc.code, got)
			}
			if got := HTTPStatus(tc.err); got != tc.http {
				t.Fatalf("expected http status %d, got %d", tc.http, got)
			}
		})
	}
	if GRPCError(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
