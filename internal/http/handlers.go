package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"

	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/notify"
	"github.com/example/ride-realtime/internal/sos"
	"github.com/example/ride-realtime/internal/workerpool"
)

// SOSService is the part of the SOS pipeline the API needs.
type SOSService interface {
	Trigger(ctx context.Context, a models.SOSAlert) (*sos.AlertHandle, error)
	Get(ctx context.Context, alertID string) (models.SOSAlert, []models.NotificationTask, error)
}

type TripCompleter interface {
	CompleteTrip(ctx context.Context, tripID string) error
}

type SocketServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

type SessionLister interface {
	Sessions() []models.ConnectionSession
	LocalConnectionCount() int
}

type Deps struct {
	ProcessID string
	Ingest    ingest.Ingester
	SOS       SOSService
	Trips     TripCompleter
	WS        SocketServer
	Sessions  SessionLister
	// Bulk runs non-urgent notification sends.
	Bulk     *workerpool.Pool
	Notifier notify.PushSender
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
	// WSLimiter throttles websocket upgrades per client address.
	WSLimiter *limiter.Limiter
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/locations", s.handleLocations).Methods("POST")
	s.mux.HandleFunc("/api/v1/sos", s.handleSOSTrigger).Methods("POST")
	s.mux.HandleFunc("/api/v1/sos/{alert_id}", s.handleSOSGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleTripComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/notifications", s.handleNotification).Methods("POST")
	s.mux.HandleFunc("/internal/connections", s.handleConnections).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleLocations accepts one sample or an array of samples. Invalid samples
// are dropped inside the ingester, never reported back.
func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, 400, "malformed body")
		return
	}
	var samples []models.LocationSample
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &samples); err != nil {
			writeError(w, 400, "malformed body")
			return
		}
	} else {
		var one models.LocationSample
		if err := json.Unmarshal(trimmed, &one); err != nil {
			writeError(w, 400, "malformed body")
			return
		}
		samples = append(samples, one)
	}
	for _, smp := range samples {
		s.deps.Ingest.Ingest(smp)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"received": len(samples)})
}

type sosRequest struct {
	AlertID        string  `json:"alert_id"`
	UserID         string  `json:"user_id"`
	TripID         string  `json:"trip_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

func (s *Server) handleSOSTrigger(w http.ResponseWriter, r *http.Request) {
	var req sosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "malformed body")
		return
	}
	h, err := s.deps.SOS.Trigger(r.Context(), models.SOSAlert{
		AlertID:        req.AlertID,
		UserID:         req.UserID,
		TripID:         req.TripID,
		Location:       models.Coord{Lat: req.Lat, Lng: req.Lng},
		AccuracyMeters: req.AccuracyMeters,
	})
	switch {
	case errors.Is(err, sos.ErrInvalidAlert):
		writeError(w, 400, err.Error())
		return
	case errors.Is(err, sos.ErrPersistFailed):
		writeError(w, http.StatusServiceUnavailable, "alert could not be stored, retry")
		return
	case err != nil:
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"alert_id": h.AlertID(), "status": h.Status()})
}

func (s *Server) handleSOSGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["alert_id"]
	a, tasks, err := s.deps.SOS.Get(r.Context(), id)
	if errors.Is(err, sos.ErrUnknownAlert) {
		writeError(w, 404, "unknown alert")
		return
	}
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]any{"alert": a, "tasks": tasks})
}

func (s *Server) handleTripComplete(w http.ResponseWriter, r *http.Request) {
	trip := mux.Vars(r)["trip_id"]
	if err := s.deps.Trips.CompleteTrip(r.Context(), trip); err != nil {
		s.logger.Warn("trip completion failed", "trip_id", trip, "error", err)
		writeError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notificationRequest struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// handleNotification queues a non-urgent push on the bulk pool. It never
// touches the SOS workers.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, 400, "token required")
		return
	}
	if s.deps.Bulk == nil || s.deps.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications disabled")
		return
	}
	err := s.deps.Bulk.TrySubmit(func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := s.deps.Notifier.SendPush(cctx, req.Token, req.Title, req.Body); err != nil {
			s.logger.Warn("bulk notification failed", "error", err)
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "busy, retry later")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeJSON(w, 200, map[string]any{"process_id": s.deps.ProcessID, "connections": 0})
		return
	}
	writeJSON(w, 200, map[string]any{
		"process_id": s.deps.ProcessID,
		"connections": s.deps.Sessions.LocalConnectionCount(),
		"sessions":    s.deps.Sessions.Sessions(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "user_id required")
		return
	}
	if s.deps.WSLimiter != nil {
		lc, err := s.deps.WSLimiter.Get(r.Context(), "ws:"+clientIP(r))
		if err == nil && lc.Reached {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}
	if err := s.deps.WS.Serve(w, r, userID); err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
	}
}

func newID() string { return uuid.NewString()[:16] }
