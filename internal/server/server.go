// Package server owns the two listeners the process exposes: the main
// listener (WebSocket upgrade + session handoff, with a plain-HTTP
// `/health` fallback on the same socket) and a separate HTTP listener for
// Prometheus scraping, kept apart so a metrics scrape can never contend
// with the socket accept budget of the telemetry feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"digitaltwin-server/internal/metrics"
	"digitaltwin-server/internal/physics"
	"digitaltwin-server/internal/session"
)

// Server runs the digital twin's main listener: every accepted socket
// gets an HTTP request parse, exactly as spec.md §4.F requires. A request
// carrying the WebSocket upgrade headers is handed off to a new
// session.Session; any other request gets the plain `/health` contract,
// so a probe never needs a second port to reach the live listener.
type Server struct {
	addr       string
	engine     *physics.Engine
	sessions   *session.Set
	logger     zerolog.Logger
	mx         *metrics.Metrics
	sessionCfg session.Config

	listener   net.Listener
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New constructs a Server bound to addr; it does not start listening
// until Start is called.
func New(addr string, engine *physics.Engine, sessions *session.Set, logger zerolog.Logger, mx *metrics.Metrics, sessionCfg session.Config) *Server {
	return &Server{addr: addr, engine: engine, sessions: sessions, logger: logger, mx: mx, sessionCfg: sessionCfg}
}

// Start opens the listening socket and begins serving requests in the
// background. It returns once the socket is open.
func (s *Server) Start() error {
	if s.listener != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.addr).Msg("websocket listener started")

	s.httpServer = &http.Server{Handler: http.HandlerFunc(s.serveHTTP)}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket listener stopped")
		}
	}()
	return nil
}

// Stop shuts down the listener and blocks until in-flight requests have
// returned and every session this listener started has finished its Run.
// It does not close already-established sessions itself, so it returns
// only after each of them has ended (for example via session.Set.CloseAll
// or the client disconnecting).
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	} else if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// serveHTTP is the single entry point for every request this listener
// accepts. A WebSocket upgrade request is hijacked and handed to a new
// session; anything else gets the health contract.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		writeHealthResponse(w)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := s.sessions.NextID()
	sess := session.New(id, conn, s.engine, s.logger, s.mx, s.sessionCfg)
	remove := s.sessions.Add(sess)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer remove()
		sess.Run()
	}()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func writeHealthResponse(w http.ResponseWriter) {
	w.Header().Set("Server", "DigitalTwin/1.0")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HealthMux returns the HTTP handler serving /health, matching the
// response contract clients are told to expect. Used directly by the
// metrics listener; the main WS listener reaches the same contract
// through serveHTTP's non-upgrade branch instead of this mux.
func HealthMux(sessions *session.Set) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealthResponse(w)
	})
	return mux
}

// MetricsServer serves the /metrics endpoint for mx's registry on its own
// HTTP listener, entirely separate from the WebSocket accept path.
type MetricsServer struct {
	httpServer *http.Server
}

// NewMetricsServer builds (but does not start) the metrics HTTP server.
func NewMetricsServer(addr string, sessions *session.Set, mx *metrics.Metrics) *MetricsServer {
	mux := HealthMux(sessions).(*http.ServeMux)
	mux.Handle("/metrics", promhttp.HandlerFor(mx.Registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// Run starts serving and blocks until ctx is canceled or ListenAndServe
// fails for a reason other than a graceful shutdown.
func (m *MetricsServer) Run(ctx context.Context, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", m.httpServer.Addr).Msg("metrics listener started")
		errCh <- m.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
