package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/fanout"
	"github.com/example/trip-dispatch/internal/models"
)

const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgLocation    = "location"

	maxMessageBytes = 4096
)

// inbound is a client frame. Location frames carry the sample fields inline.
type inbound struct {
	Type string `json:"type"`
	models.LocationEvent
}

// wsTransport serialises writes on one websocket connection.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) WritePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// handleWS upgrades the request and serves one subscriber connection.
// ?moverId= joins the mover's offer topic, ?tripId= subscribes to a trip.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	client := fanout.NewClient(connID, &wsTransport{conn: conn, writeWait: s.opts.WriteWait}, s.opts.QueueSize)
	hub := s.svc.Hub()
	hub.Register(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.svc.Disconnect(connID)
	}()
	go client.Run(ctx, s.opts.PingInterval)

	logger := s.logger.With("conn_id", connID)
	logger.Debug("ws connected", "remote_addr", remoteIP(r))

	if moverID := r.URL.Query().Get("moverId"); moverID != "" {
		if err := s.svc.SubscribeMover(moverID, connID); err != nil {
			hub.Send(connID, fanout.ErrorEvent("", errs.Code(err), err.Error()))
		}
	}
	if tripID := r.URL.Query().Get("tripId"); tripID != "" {
		if err := s.svc.Subscribe(ctx, tripID, connID); err != nil {
			hub.Send(connID, fanout.ErrorEvent(tripID, errs.Code(err), err.Error()))
		}
	}

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("ws read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		if err := s.handleFrame(ctx, connID, msg); err != nil {
			if errors.Is(err, errs.ErrStaleSample) {
				logger.Debug("stale sample dropped", "trip_id", msg.TripID)
				continue
			}
			hub.Send(connID, fanout.ErrorEvent(msg.TripID, errs.Code(err), err.Error()))
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, connID string, msg inbound) error {
	if msg.TripID == "" {
		return errs.ErrInvalidRequest
	}
	switch msg.Type {
	case msgSubscribe:
		return s.svc.Subscribe(ctx, msg.TripID, connID)
	case msgUnsubscribe:
		s.svc.Unsubscribe(msg.TripID, connID)
		return nil
	case msgLocation:
		return s.svc.IngestLocation(ctx, msg.TripID, sampleFromWire(msg.LocationEvent))
	default:
		return errs.ErrInvalidRequest
	}
}
