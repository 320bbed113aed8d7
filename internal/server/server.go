// Package server exposes the inbound HTTP surface of the message
// service handler.
//
// POST {basePath} receives ebMS3/AS4 packages: plain SOAP envelopes or
// multipart/related packages with payload parts. The synchronous answer
// of the exchange (receipt, error signal or pulled message) travels
// back on the open connection; exchanges without one are answered 202.
//
// GET /healthz is a liveness probe, GET /readyz checks the datastore,
// GET /metrics serves Prometheus metrics when enabled.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/internal/agents"
	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
)

// Config carries the listener settings.
type Config struct {
	Address  string
	BasePath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes caps one received package; 0 applies the default.
	MaxBodyBytes int64

	// TLSCertFile and TLSKeyFile switch the listener to HTTPS when both
	// are set.
	TLSCertFile string
	TLSKeyFile  string

	EnableMetrics bool
}

// Server is the receive-side HTTP listener.
type Server struct {
	runtime *agents.Runtime
	store   storage.Store
	cfg     Config
	log     *logrus.Entry
	httpSrv *http.Server
}

const defaultMaxBodyBytes = 64 << 20

// New builds the listener around the agent runtime.
func New(cfg Config, rt *agents.Runtime, store storage.Store, log *logrus.Entry) *Server {
	if cfg.BasePath == "" {
		cfg.BasePath = "/msh"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		runtime: rt,
		store:   store,
		cfg:     cfg,
		log:     log.WithField("component", "http-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc(cfg.BasePath, s.handleReceive).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start listens until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.Address).Info("listening")
	var err error
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight exchanges and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleReceive feeds the wire stream to the inbound pipeline and maps
// the outcome onto the HTTP exchange. Protocol violations answer with
// the ebMS Error signal; internal failures never leak details to the
// peer.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !mime.IsAS4ContentType(contentType) {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	msgCtx, err := s.runtime.OnReceived(r.Context(), body, contentType)
	if err != nil {
		s.log.WithError(err).Error("inbound pipeline aborted")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch {
	case msgCtx.Failure == nil:
		s.writeAnswer(w, msgCtx, http.StatusOK)
	case faults.IsTransient(msgCtx.Failure):
		s.log.WithError(msgCtx.Failure).Warn("inbound exchange failed transiently")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	case msgCtx.Response != nil:
		// An ebMS Error signal built for the protocol violation.
		s.writeAnswer(w, msgCtx, http.StatusBadRequest)
	default:
		s.log.WithError(msgCtx.Failure).Warn("inbound exchange refused")
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func (s *Server) writeAnswer(w http.ResponseWriter, msgCtx *pipeline.MessagingContext, status int) {
	if msgCtx.Response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	body, contentType, err := mime.Serialize(msgCtx.Response)
	if err != nil {
		s.log.WithError(err).Error("serializing answer")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log.WithError(err).Warn("writing answer")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "datastore not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
