package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/trip-dispatch/internal/engine"
	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsConflict(err):
		return http.StatusConflict
	}
	switch errs.Code(err) {
	case "invalid_location", "invalid_request", "unknown_vehicle_class":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	var body errorBody
	body.Error.Code = errs.Code(err)
	body.Error.Message = err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Error.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidRequest, err)
	}
	return nil
}

// sampleFromWire converts a wire location event. A missing timestamp is
// left zero so the receiver stamps it.
func sampleFromWire(ev models.LocationEvent) models.LocationSample {
	s := ev.Sample()
	if ev.TimestampMs == 0 {
		s.Timestamp = time.Time{}
	}
	return s
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req engine.EstimateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.svc.EstimatePrice(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.RequestTrip(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MoverID string `json:"moverId"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.AcceptTrip(r.Context(), mux.Vars(r)["id"], body.MoverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.StartTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.CompleteTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	t, err := s.svc.CancelTrip(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MoverID string `json:"moverId"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	h, err := s.svc.StartTracking(r.Context(), mux.Vars(r)["id"], body.MoverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopTracking(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev models.LocationEvent
	if err := decode(r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.IngestLocation(r.Context(), mux.Vars(r)["id"], sampleFromWire(ev)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.svc.Snapshot(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := floatParam(r, "lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := floatParam(r, "radiusKm")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	class := models.VehicleClass(r.URL.Query().Get("class"))
	movers, err := s.svc.FindNearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, class, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if movers == nil {
		movers = []models.NearbyMover{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"movers": movers})
}

func (s *Server) handleGetMover(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetMover(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePutMover(w http.ResponseWriter, r *http.Request) {
	var m models.Mover
	if err := decode(r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	m.ID = mux.Vars(r)["id"]
	stored, err := s.svc.RegisterMover(r.Context(), m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteMover(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveMover(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoverLocation(w http.ResponseWriter, r *http.Request) {
	var ev models.LocationEvent
	if err := decode(r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev.MoverID = mux.Vars(r)["id"]
	if err := s.svc.UpdateMoverLocation(r.Context(), sampleFromWire(ev)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func floatParam(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errs.ErrInvalidRequest, key, err)
	}
	return f, nil
}

func intParam(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errs.ErrInvalidRequest, key, err)
	}
	return i, nil
}
