package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

type Server struct {
	Coordinator *dispatch.Coordinator
	Geo         geo.Geo
	Kafka       *ingest.KafkaProducer // optional
	Registry    *notify.Registry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(coord *dispatch.Coordinator, g geo.Geo, kafka *ingest.KafkaProducer, registry *notify.Registry, logger *slog.Logger) *Server {
	s := &Server{
		Coordinator: coord,
		Geo:         g,
		Kafka:       kafka,
		Registry:    registry,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverUpdate).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	summary, err := s.Coordinator.RequestRide(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	result, err := s.Coordinator.AcceptRide(r.Context(), rideID, body.DriverID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDriverUpdate(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := d.Loc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishDriverUpdate(d); err != nil {
			s.logger.Error("publish driver update", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "driver update failed")
		return
	}
	if d.Online {
		observability.DriversOnline.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS attaches a live session for a driver or rider. The registry entry
// is removed when the connection dies so deliveries fall back to push.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "client_id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Registry.Add(id, conn)
	go func() {
		defer func() {
			s.Registry.Remove(id)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var ae *dispatch.AcceptError
	switch {
	case errors.As(err, &ae):
		status := http.StatusConflict
		if ae.Reason == dispatch.ReasonNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, string(ae.Reason), ae.Error())
	case errors.Is(err, dispatch.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, dispatch.ErrNoDriversNearby):
		writeError(w, http.StatusNotFound, "no_drivers_nearby", err.Error())
	case errors.Is(err, dispatch.ErrRouteUnavailable):
		writeError(w, http.StatusBadGateway, "route_unavailable", "route estimate unavailable")
	case errors.Is(err, notify.ErrAllFailed):
		writeError(w, http.StatusBadGateway, "notification_failure", "no candidate driver could be notified")
	default:
		s.logger.Error("dispatch request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
