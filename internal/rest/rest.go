// Package rest implements the service façade (C9): the thin REST-style
// endpoints (serverinfo/pair/pin/applist/launch/resume/cancel) that front
// the pairing state machine and the Session Manager, grounded on the
// teacher's pkg/api/server.go handler-registration and timeout-configured
// http.Server pattern.
package rest

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/abhiaagarwal/moonshine-go/internal/clients"
	"github.com/abhiaagarwal/moonshine-go/internal/session"
)

// App is one entry in the static application list advertised by /applist.
type App struct {
	ID    string
	Title string
}

// SessionManager is the subset of *session.Manager the façade drives.
type SessionManager interface {
	InitializeSession(ctx session.SessionContext) error
	GetSessionContext() (*session.SessionContext, error)
	StartSession() error
	StopSession() error
}

// Server is the REST façade: a plain-HTTP listener on the legacy port and
// an mTLS listener on the paired-client port, sharing one mux.
type Server struct {
	log      *slog.Logger
	registry *clients.Registry
	manager  SessionManager
	pair     http.Handler
	apps     []App

	limiter *rate.Limiter

	plain *http.Server
	tls   *http.Server
}

// Config carries the façade's static wiring: the app catalog and the host
// TLS identity used for the mTLS listener.
type Config struct {
	Apps       []App
	ServerCert tls.Certificate
}

// New builds the façade. pairHandler serves /pair (internal/pairing.Handler).
func New(log *slog.Logger, registry *clients.Registry, manager SessionManager, pairHandler http.Handler, cfg Config) *Server {
	return &Server{
		log:      log,
		registry: registry,
		manager:  manager,
		pair:     pairHandler,
		apps:     cfg.Apps,
		limiter:  rate.NewLimiter(5, 10),
	}
}

// Handler builds the façade's full route table. Exposed so tests and
// cmd/moonshine can drive it without binding a socket.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux())
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/serverinfo", s.handleServerInfo)
	mux.Handle("/pair", s.rateLimited(s.pair))
	mux.HandleFunc("/pin", s.rateLimited(http.HandlerFunc(s.handlePin)).ServeHTTP)
	mux.HandleFunc("/applist", s.handleAppList)
	mux.HandleFunc("/launch", s.handleLaunch)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/cancel", s.handleCancel)
	return mux
}

// ServePlain binds addr and serves the unauthenticated legacy endpoints
// (port 47989 by default) until ctx is cancelled.
func (s *Server) ServePlain(ctx context.Context, addr string) error {
	s.plain = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serveUntilDone(ctx, s.log, "plain REST", addr, s.plain, nil)
}

// ServeTLS binds addr and serves the mTLS endpoints (port 47984 by default)
// until ctx is cancelled. cert is the host's own identity; clients present
// their paired certificate, which is not independently re-verified here
// since pairing itself is the trust-establishment step.
func (s *Server) ServeTLS(ctx context.Context, addr string, cert tls.Certificate) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	s.tls = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serveUntilDone(ctx, s.log, "mTLS REST", addr, s.tls, tlsConfig)
}

func serveUntilDone(ctx context.Context, log *slog.Logger, name, addr string, srv *http.Server, tlsConfig *tls.Config) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rest: listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	log.Info("rest front end listening", "name", name, "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rest: shutdown %s: %w", name, err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("rest: serve %s: %w", name, err)
		}
		return nil
	}
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("rest request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleServerInfo answers /serverinfo with the host's capabilities and
// current pairing/session state.
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	uniqueID := r.URL.Query().Get("uniqueid")
	paired := 0
	if uniqueID != "" {
		if _, ok := s.registry.Get(uniqueID); ok {
			paired = 1
		}
	}

	state := "SUNSHINE_SERVER_FREE"
	currentGame := "0"
	if ctx, err := s.manager.GetSessionContext(); err == nil && ctx != nil {
		state = "SUNSHINE_SERVER_BUSY"
		currentGame = ctx.AppID
	}

	writeXML(w, fmt.Sprintf(
		`<root status_code="200"><hostname>moonshine</hostname><appversion>7.1.431.0</appversion><PairStatus>%d</PairStatus><currentgame>%s</currentgame><state>%s</state></root>`,
		paired, currentGame, state,
	))
}

// handlePin accepts the operator's PIN submission and unblocks the pairing
// handshake's getservercert step. Host-local only: callers are expected to
// reach this endpoint from the loopback interface.
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	uniqueID := r.Form.Get("uniqueid")
	pin := r.Form.Get("pin")
	if uniqueID == "" || pin == "" {
		http.Error(w, "uniqueid and pin are required", http.StatusBadRequest)
		return
	}

	if err := s.registry.SubmitPIN(uniqueID, pin); err != nil {
		s.log.Warn("pin submission failed", "uniqueid", uniqueID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAppList answers /applist with the static catalog of launchable
// applications.
func (s *Server) handleAppList(w http.ResponseWriter, r *http.Request) {
	var body string
	for _, app := range s.apps {
		body += fmt.Sprintf(`<App><AppTitle>%s</AppTitle><ID>%s</ID><IsHdrSupported>0</IsHdrSupported></App>`, app.Title, app.ID)
	}
	writeXML(w, fmt.Sprintf(`<root status_code="200">%s</root>`, body))
}

// handleLaunch accepts /launch, initializing a new Session for the
// requesting client and application.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	appID := r.Form.Get("appid")
	uniqueID := r.Form.Get("uniqueid")
	if appID == "" || uniqueID == "" {
		writeXML(w, `<root status_code="400"><gamesession>0</gamesession></root>`)
		return
	}

	client, ok := s.registry.Get(uniqueID)
	if !ok {
		writeXML(w, `<root status_code="400"><gamesession>0</gamesession></root>`)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	ctx := session.SessionContext{
		AppID:           appID,
		ClientID:        uniqueID,
		Key:             client.Key,
		RTSPSessionID:   uuid.NewString(),
		PermittedClient: net.ParseIP(host),
	}
	if err := s.manager.InitializeSession(ctx); err != nil {
		s.log.Error("launch failed", "error", err)
		writeXML(w, `<root status_code="500"><gamesession>0</gamesession></root>`)
		return
	}

	writeXML(w, `<root status_code="200"><gamesession>1</gamesession></root>`)
}

// handleResume answers /resume by reporting whether a session is already
// active; Moonlight's resume flow re-attaches to an in-progress session
// rather than creating one, and this host supports exactly one.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.manager.GetSessionContext()
	if err != nil || ctx == nil {
		writeXML(w, `<root status_code="400"><resume>0</resume></root>`)
		return
	}
	writeXML(w, `<root status_code="200"><resume>1</resume></root>`)
}

// handleCancel answers /cancel by tearing down the active Session.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopSession(); err != nil {
		s.log.Error("cancel failed", "error", err)
		writeXML(w, `<root status_code="500"><cancel>0</cancel></root>`)
		return
	}
	writeXML(w, `<root status_code="200"><cancel>1</cancel></root>`)
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(body))
}
