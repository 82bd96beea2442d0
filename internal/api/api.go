// Package api provides the HTTP surface for IntakeFlow.
//
// It exposes the guided conversation endpoints (start, respond, status), the
// lead listing, the Twilio inbound webhook, a health check, and an admin test
// send. Handlers are thin: they decode the request, call the conversation
// service, and serialize the result in the standard JSON envelope. No
// conversation logic lives here.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/flow"
	"github.com/BTreeMap/IntakeFlow/internal/messaging"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

// DefaultAddr is the address the API server listens on when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds how long graceful shutdown waits for in-flight
// requests.
const DefaultShutdownTimeout = 10 * time.Second

// contextKey is the type for request-context values set by path routers.
type contextKey string

// ContextKeySessionID carries the session ID extracted from the URL path.
const ContextKeySessionID contextKey = "sessionID"

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// TwilioWebhook handles inbound Twilio form posts when the Twilio
	// messaging backend is active.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the given handler at the Twilio webhook route.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server is the IntakeFlow HTTP server. It holds the conversation service,
// the store (for read-only admin queries), and the optional messaging
// service used by the admin send endpoint.
type Server struct {
	addr       string
	convSvc    *flow.Service
	st         store.Store
	msgService messaging.Service
	webhook    http.HandlerFunc
	httpServer *http.Server
}

// NewServer creates an API server over the given conversation service and
// store. msgService may be nil when no messaging backend is configured; the
// admin send endpoint then reports the capability as unavailable.
func NewServer(convSvc *flow.Service, st store.Store, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		addr:       cfg.Addr,
		convSvc:    convSvc,
		st:         st,
		msgService: msgService,
		webhook:    cfg.TwilioWebhook,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the route table. Exposed so tests can drive the full router
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation/start", s.startConversationHandler)
	mux.HandleFunc("/conversation/respond", s.respondConversationHandler)
	mux.HandleFunc("/conversation/status/", s.conversationStatusRouter)
	mux.HandleFunc("/leads", s.leadsHandler)
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		slog.Info("Server.Run: API server stopped")
		return nil
	}
}
