package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/engine"
	"github.com/example/trip-dispatch/internal/fanout"
)

// Options tune the websocket side of the server.
type Options struct {
	QueueSize    int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = fanout.DefaultQueueSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = fanout.DefaultPingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 12 / 5
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

type Server struct {
	svc      *engine.Service
	opts     Options
	mux      *mux.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(svc *engine.Service, opts Options, logger *slog.Logger) *Server {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		opts:     opts,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:   logger.With("component", "http"),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/trips/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/trips", s.handleRequestTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/tracking", s.handleStartTracking).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/tracking", s.handleStopTracking).Methods(http.MethodDelete)
	api.HandleFunc("/trips/{id}/locations", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/snapshot", s.handleSnapshot).Methods(http.MethodGet)

	api.HandleFunc("/movers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/movers/{id}", s.handleGetMover).Methods(http.MethodGet)
	api.HandleFunc("/movers/{id}", s.handlePutMover).Methods(http.MethodPut)
	api.HandleFunc("/movers/{id}", s.handleDeleteMover).Methods(http.MethodDelete)

	s.mux.HandleFunc("/internal/movers/{id}/location", s.handleMoverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
