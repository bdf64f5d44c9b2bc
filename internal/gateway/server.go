// Package gateway wires the listener: it accepts WebSocket upgrades,
// drives each connection through the auth state machine, and then hands
// authenticated sockets to the relay engine. HTTP routing follows the
// teacher's gorilla/mux, composed with the chi/cors/httprate middleware
// stack the rest of the retrieval pack uses for observability and
// hardening (chi middleware is plain func(http.Handler) http.Handler and
// composes with any router, including gorilla/mux).
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/michelhabib/phbgateway/internal/auth"
	"github.com/michelhabib/phbgateway/internal/config"
	"github.com/michelhabib/phbgateway/internal/relay"
	"github.com/michelhabib/phbgateway/internal/session"
	"github.com/michelhabib/phbgateway/internal/statestore"
)

// ShutdownGrace is how long Shutdown waits for sessions to close
// gracefully before force-closing what remains.
const ShutdownGrace = 2 * time.Second

// Server is the phbgateway listener.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	store    *statestore.Store
	registry session.Registry
	machine  *auth.Machine
	relay    *relay.Engine
	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server
}

// New assembles a Server from its dependencies. registry defaults to an
// in-memory Registry if nil.
func New(cfg config.Config, store *statestore.Store, log *zap.Logger, registry session.Registry) *Server {
	if registry == nil {
		registry = session.NewMemoryRegistry()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		machine:  auth.NewMachine(store),
		relay:    relay.NewEngine(registry, log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if err := s.relay.Metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Debug("relay metrics already registered", zap.Error(err))
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.router(),
	}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.Addr() {
		metrics := mux.NewRouter()
		metrics.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
		metrics.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
		s.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics}
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	var ws http.Handler = http.HandlerFunc(s.handleWS)
	if s.cfg.RateLimitPerMinute > 0 {
		ws = httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute)(ws)
	}
	r.Handle("/ws", ws).Methods(http.MethodGet)

	var h http.Handler = r
	h = middleware.Recoverer(h)
	h = middleware.RequestID(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","sessions":` + fmt.Sprint(s.registry.Count()) + `}`))
}

// ListenAndServe blocks until ctx is cancelled, then drains connections
// per the shutdown sequence in the concurrency model: stop accepting new
// HTTP connections, send every session a 1001 close, wait up to
// ShutdownGrace, then force-close stragglers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		s.log.Info("phbgateway listening", zap.String("addr", s.cfg.Addr()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if s.metricsServer != nil {
		go func() {
			s.log.Info("metrics listening", zap.String("addr", s.cfg.MetricsAddr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting connections and closes live sessions.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown error", zap.Error(err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("metrics shutdown error", zap.Error(err))
		}
	}

	live := s.registry.BroadcastTargets("")
	for _, sess := range live {
		sess.Close(websocket.CloseGoingAway, "going away")
	}

	deadline := time.NewTimer(ShutdownGrace)
	defer deadline.Stop()
	for _, sess := range live {
		select {
		case <-sess.Done():
		case <-deadline.C:
		}
	}
	for _, sess := range live {
		sess.ForceClose()
	}

	s.log.Info("phbgateway stopped")
	return nil
}
