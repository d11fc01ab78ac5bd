// Command mock-provider stands in for the external support provider during local development. It
// accepts sealed escalations, answers with a provider ticket id and, when a callback URL is set,
// posts a signed acknowledgment and later a resolution back to the engine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/models"
)

type options struct {
	addr          string
	signingKey    string
	encryptionKey string
	callback      string
	ackDelay      time.Duration
	resolveDelay  time.Duration
}

type provider struct {
	opts   options
	sealer *escalation.Sealer
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	tickets map[string]string
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "mock-provider",
		Short: "Local stand-in for the escalation support provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8090", "Listen address")
	cmd.Flags().StringVar(&opts.signingKey, "signing-key", os.Getenv("MIRADOR_TRIAGE_PROVIDER_SIGNING_KEY"), "Shared HMAC key")
	cmd.Flags().StringVar(&opts.encryptionKey, "encryption-key", os.Getenv("MIRADOR_TRIAGE_PROVIDER_ENCRYPTION_KEY"), "Base64 payload key, if the engine encrypts")
	cmd.Flags().StringVar(&opts.callback, "callback", "", "Engine HTTP base URL for asynchronous responses, e.g. http://localhost:8080")
	cmd.Flags().DurationVar(&opts.ackDelay, "ack-delay", 2*time.Second, "Delay before the acknowledgment callback")
	cmd.Flags().DurationVar(&opts.resolveDelay, "resolve-delay", 30*time.Second, "Delay before the resolution callback; 0 disables it")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	sealer, err := escalation.NewSealer(opts.signingKey, opts.encryptionKey)
	if err != nil {
		return err
	}
	p := &provider{
		opts:    opts,
		sealer:  sealer,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "mock-provider"),
		tickets: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/escalations", p.escalate)

	srv := &http.Server{Addr: opts.addr, Handler: logRequests(p.logger, mux), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	p.logger.Info("listening", slog.String("address", opts.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (p *provider) escalate(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, payload, err := p.sealer.Open(body)
	if err != nil {
		p.logger.Warn("rejected escalation", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	key := r.Header.Get(escalation.IdempotencyHeader)
	if key == "" {
		key = env.Ticket.TicketID
	}
	p.mu.Lock()
	providerID, seen := p.tickets[key]
	if !seen {
		providerID = "PRV-" + uuid.NewString()[:8]
		p.tickets[key] = providerID
	}
	p.mu.Unlock()

	p.logger.Info("escalation received",
		slog.String("ticket_id", env.Ticket.TicketID),
		slog.String("provider_ticket_id", providerID),
		slog.String("priority", string(env.Ticket.Priority)),
		slog.Int("payload_bytes", len(payload)),
		slog.Bool("replay", seen),
	)
	writeJSON(w, escalation.Receipt{ProviderTicketID: providerID, Acknowledged: true})

	if !seen && p.opts.callback != "" {
		go p.respond(providerID)
	}
}

func (p *provider) respond(providerID string) {
	time.Sleep(p.opts.ackDelay)
	p.send(models.ProviderResponse{TicketID: providerID, Type: models.ResponseAcknowledgment, Message: "investigating"})
	if p.opts.resolveDelay <= 0 {
		return
	}
	time.Sleep(p.opts.resolveDelay)
	p.send(models.ProviderResponse{
		TicketID: providerID,
		Type:     models.ResponseResolution,
		Resolution: &models.Resolution{
			RootCause:  "configuration drift in the affected service",
			Solution:   "restored the previous configuration",
			Prevention: "add a config diff check to the deploy pipeline",
		},
	})
}

func (p *provider) send(resp models.ProviderResponse) {
	resp.ReceivedAt = time.Now().UTC()
	body, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error("encode response", slog.Any("error", err))
		return
	}
	req, err := http.NewRequest(http.MethodPost, p.opts.callback+"/v1/provider/responses", bytes.NewReader(body))
	if err != nil {
		p.logger.Error("build callback", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(escalation.SignatureHeader, p.sealer.SignResponse(body))
	res, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("callback failed", slog.String("type", string(resp.Type)), slog.Any("error", err))
		return
	}
	res.Body.Close()
	p.logger.Info("callback sent", slog.String("type", string(resp.Type)), slog.Int("status", res.StatusCode))
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
