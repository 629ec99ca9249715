// Package httpapi exposes the ingest API: the upstream MTA POSTs each raw
// message here, once per envelope recipient, and gets back the routing
// outcome. Metrics and health live on the same listener.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/router"
)

// MessageRouter decides the outcome for one parsed message.
type MessageRouter interface {
	Route(ctx context.Context, p *mailparser.ParsedEmail) (router.Outcome, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the ingest HTTP server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	maxMessage   int64
	parseOpts    mailparser.Options

	routes MessageRouter
	pinger Pinger
	server *http.Server

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New creates the ingest server. The API key is mandatory: the ingest
// endpoint accepts arbitrary mail on behalf of users.
func New(cfg *config.ServerConfig, routes MessageRouter, pinger Pinger) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for the ingest API")
	}

	readTimeout, err := cfg.GetReadTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	return &Server{
		addr:         cfg.GetAddr(),
		apiKey:       cfg.APIKey,
		allowedHosts: cfg.AllowedHosts,
		maxMessage:   cfg.GetMaxMessage(),
		parseOpts: mailparser.Options{
			UserDomain:  cfg.UserDomain,
			GroupDomain: cfg.GroupDomain,
		},
		routes:       routes,
		pinger:       pinger,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}, nil
}

// Start runs the server until the context is cancelled. Failures after
// startup are sent to errChan.
func Start(ctx context.Context, cfg *config.ServerConfig, routes MessageRouter, pinger Pinger, errChan chan error) {
	server, err := New(cfg, routes, pinger)
	if err != nil {
		errChan <- fmt.Errorf("failed to create ingest API server: %w", err)
		return
	}

	logger.Info("starting ingest API server", "addr", server.addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("ingest API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down ingest API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down ingest API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Metrics and health are unauthenticated: they carry no message content
	// and monitoring probes cannot send bearer tokens.
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.loggingMiddleware)
	v1.Use(s.allowedHostsMiddleware)
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/messages", s.handleIngest).Methods("POST")

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("ingest API request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "took", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowed := range s.allowedHosts {
			if allowed == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowed, "/") {
				if _, cidr, err := net.ParseCIDR(allowed); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}

		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

// IngestResponse is returned for each accepted message.
type IngestResponse struct {
	Outcome string `json:"outcome"`
}

// handleIngest accepts one raw RFC822 message as the request body, with the
// SMTP envelope in the "from" and "to" query parameters. The MTA calls it
// once per recipient.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	envelopeFrom := strings.TrimSpace(r.URL.Query().Get("from"))
	envelopeTo := strings.TrimSpace(r.URL.Query().Get("to"))
	if envelopeTo == "" {
		s.writeError(w, http.StatusBadRequest, "to parameter is required")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessage))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("message exceeds %d bytes", s.maxMessage))
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read message body")
		return
	}
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty message body")
		return
	}

	ctx := r.Context()
	p := mailparser.Parse(raw, envelopeFrom, envelopeTo, s.parseOpts)

	outcome, err := s.routes.Route(ctx, p)
	if err != nil {
		logger.ErrorContext(ctx, "routing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to route message")
		return
	}

	s.writeJSON(w, http.StatusOK, IngestResponse{Outcome: string(outcome)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
