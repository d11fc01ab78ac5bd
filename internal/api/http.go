package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"

	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const defaultMaxBodyBytes = 8 << 20

// Backend is the domain surface served over HTTP.
type Backend interface {
	Ingest(ctx context.Context, events []models.Event) (models.IngestReceipt, error)
	TriggerBatch(ctx context.Context, events []models.Event) (models.BatchResult, error)
	Optimize(ctx context.Context) []budget.OptimizationResult
	Incident(ctx context.Context, id string) (models.Incident, error)
	Tickets(ctx context.Context) ([]models.TicketView, error)
	HandleProviderResponse(ctx context.Context, body []byte, signature string) (models.EscalationTicket, error)
	CloseTicket(ctx context.Context, id string) (models.EscalationTicket, error)
	Status(ctx context.Context) models.Health
}

// ErrorResponse is the body of every failed HTTP request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	MaxBodyBytes int64
	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
}

type handlers struct {
	backend  Backend
	maxBytes int64
	logger   *slog.Logger
}

// NewRouter builds the HTTP surface:
//
//	POST /v1/events                  queue events for the next batch
//	POST /v1/batches                 run a batch now
//	POST /v1/optimizations           run a cost optimisation pass
//	GET  /v1/incidents/:id           fetch an incident
//	GET  /v1/tickets                 list open tickets with SLA state
//	POST /v1/tickets/:id/close       close a resolved ticket
//	POST /v1/provider/responses      signed provider callbacks
//	GET  /healthz                    engine status
func NewRouter(backend Backend, cfg RouterConfig, logger *slog.Logger) *gin.Engine {
	h := &handlers{backend: backend, maxBytes: cfg.MaxBodyBytes, logger: utils.Component(logger, "http")}
	if h.maxBytes <= 0 {
		h.maxBytes = defaultMaxBodyBytes
	}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())

	v1 := router.Group("/v1")
	{
		v1.POST("/events", h.ingest)
		v1.POST("/batches", h.runBatch)
		v1.POST("/optimizations", h.optimize)
		v1.GET("/incidents/:id", h.incident)
		v1.GET("/tickets", h.tickets)
		v1.POST("/tickets/:id/close", h.closeTicket)
		v1.POST("/provider/responses", h.providerResponse)
	}
	router.GET("/healthz", h.health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	return router
}

func (h *handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request served",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (h *handlers) body(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &errs.ValidationError{Reason: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)}
		}
		return nil, &errs.ValidationError{Reason: "unreadable body", Err: err}
	}
	return raw, nil
}

// DecodeEvents accepts either a bare JSON array or an object with an "events" array.
func DecodeEvents(raw []byte) ([]models.Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var events []models.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, &errs.ValidationError{Reason: "malformed events", Err: err}
		}
		return events, nil
	}
	var wrapped struct {
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, &errs.ValidationError{Reason: "malformed events", Err: err}
	}
	return wrapped.Events, nil
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.JSON(code, ErrorResponse{Error: err.Error(), Code: errorCode(err)})
}

func errorCode(err error) string {
	switch grpcCode(err) {
	case codes.InvalidArgument:
		return errs.KindValidationError
	case codes.NotFound:
		return "not_found"
	case codes.FailedPrecondition:
		if errors.Is(err, escalation.ErrTicketClosed) {
			return "ticket_closed"
		}
		return "ticket_not_resolved"
	case codes.Unauthenticated:
		return "unauthenticated"
	case codes.Unavailable:
		return "unavailable"
	}
	return ""
}

func (h *handlers) ingest(c *gin.Context) {
	raw, err := h.body(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := DecodeEvents(raw)
	if err != nil {
		h.fail(c, err)
		return
	}
	receipt, err := h.backend.Ingest(c.Request.Context(), events)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *handlers) runBatch(c *gin.Context) {
	raw, err := h.body(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := DecodeEvents(raw)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.backend.TriggerBatch(c.Request.Context(), events)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) optimize(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": h.backend.Optimize(c.Request.Context())})
}

func (h *handlers) incident(c *gin.Context) {
	inc, err := h.backend.Incident(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *handlers) tickets(c *gin.Context) {
	views, err := h.backend.Tickets(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": views})
}

func (h *handlers) closeTicket(c *gin.Context) {
	ticket, err := h.backend.CloseTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *handlers) providerResponse(c *gin.Context) {
	raw, err := h.body(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	ticket, err := h.backend.HandleProviderResponse(c.Request.Context(), raw, c.GetHeader(escalation.SignatureHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.backend.Status(c.Request.Context()))
}

// HTTPServer runs the gin router on a net/http server.
type HTTPServer struct {
	srv *http.Server
}

// NewHTTPServer binds handler to addr.
func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx is done.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
