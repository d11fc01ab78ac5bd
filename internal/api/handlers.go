package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/escalation"
)

// ErrNotFound is returned by the service for unknown incidents.
var ErrNotFound = errors.New("not found")

// ErrUnauthenticated is returned when an inbound provider response fails signature checks.
var ErrUnauthenticated = errors.New("signature verification failed")

// ToStruct converts a JSON-serialisable value into a structpb.Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("request is nil")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// GRPCError maps domain errors onto gRPC status codes.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(grpcCode(err), err.Error())
}

func grpcCode(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	var (
		ve *errs.ValidationError
		sv *errs.SecurityViolation
		be *errs.BudgetExceeded
	)
	switch {
	case errors.As(err, &ve):
		return codes.InvalidArgument
	case errors.Is(err, ErrNotFound), errors.Is(err, escalation.ErrTicketNotFound):
		return codes.NotFound
	case errors.Is(err, escalation.ErrTicketClosed), errors.Is(err, escalation.ErrTicketNotResolved):
		return codes.FailedPrecondition
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.As(err, &sv):
		return codes.PermissionDenied
	case errors.As(err, &be):
		return codes.ResourceExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// HTTPStatus maps domain errors onto HTTP status codes.
func HTTPStatus(err error) int {
	switch grpcCode(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
