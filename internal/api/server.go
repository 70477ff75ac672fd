// Package api exposes the engine's read surface and the reconstructor
// controls over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/httputil"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/telemetry"
	"github.com/fleet-data/fleettrace/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	store  *db.DB
	states *telemetry.StateDeriver
	recon  *db.ReconstructController
	router *mux.Router
}

func NewServer(store *db.DB, states *telemetry.StateDeriver, recon *db.ReconstructController) *Server {
	s := &Server{
		store:  store,
		states: states,
		recon:  recon,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/vehicles", s.handleListVehicles).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicles/{id}/state", s.handleVehicleState).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicles/{id}/trips", s.handleVehicleTrips).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicles/{id}/route", s.handleVehicleRoute).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicles/{id}/sessions", s.handleVehicleSessions).Methods("GET")

	s.router.HandleFunc("/api/v1/trips/{id}", s.handleTrip).Methods("GET")
	s.router.HandleFunc("/api/v1/trips/{id}/route", s.handleTripRoute).Methods("GET")

	s.router.HandleFunc("/api/v1/reconstructor/status", s.handleReconStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/reconstructor/trigger", s.handleReconTrigger).Methods("POST")
	s.router.HandleFunc("/api/v1/reconstructor/enabled", s.handleReconEnabled).Methods("POST")

	s.router.Use(LoggingMiddleware)
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	states := s.states.Snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].VehicleID < states[j].VehicleID })

	now := time.Now()
	out := make([]VehicleStateAPI, len(states))
	for i := range states {
		out[i] = VehicleStateToAPI(&states[i], now)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleVehicleState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	state := s.states.Current(id)
	if state == nil {
		// Not in the arena; the store may still remember it from a
		// previous process.
		stored, err := s.store.GetVehicleState(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load state: %v", err))
			return
		}
		state = stored
	}
	if state == nil {
		httputil.NotFound(w, "unknown vehicle")
		return
	}
	httputil.WriteJSONOK(w, VehicleStateToAPI(state, time.Now()))
}

// timeWindow parses from/to query params, RFC3339 or unix seconds, with a
// default lookback.
func timeWindow(r *http.Request, lookback time.Duration) (time.Time, time.Time, error) {
	now := time.Now()
	start, end := now.Add(-lookback), now

	parse := func(raw string) (time.Time, error) {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, nil
		}
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q", raw)
		}
		return time.Unix(secs, 0), nil
	}

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := parse(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := parse(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("'to' precedes 'from'")
	}
	return start, end, nil
}

func (s *Server) handleVehicleTrips(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	start, end, err := timeWindow(r, 24*time.Hour)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	trips, err := s.store.TripsInRange(id, start, end)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load trips: %v", err))
		return
	}

	out := make([]TripAPI, len(trips))
	for i := range trips {
		out[i] = TripToAPI(&trips[i])
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleVehicleRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	minutes := 60
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'minutes' parameter")
			return
		}
		minutes = parsed
	}

	points, err := s.store.RecentRoutePoints(id, time.Now().Add(-time.Duration(minutes)*time.Minute), 0)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load route: %v", err))
		return
	}

	out := make([]RoutePointAPI, len(points))
	for i := range points {
		out[i] = RoutePointToAPI(&points[i])
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleVehicleSessions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	start, end, err := timeWindow(r, 24*time.Hour)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	sessions, err := s.store.ParkingSessionsInRange(id, start, end)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load sessions: %v", err))
		return
	}

	out := make([]ParkingSessionAPI, len(sessions))
	for i := range sessions {
		cycles, err := s.store.IgnitionCycles(sessions[i].ID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load cycles: %v", err))
			return
		}
		out[i] = ParkingSessionToAPI(&sessions[i], len(cycles))
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	trip, err := s.store.TripByID(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load trip: %v", err))
		return
	}
	if trip == nil {
		httputil.NotFound(w, "unknown trip")
		return
	}
	httputil.WriteJSONOK(w, TripToAPI(trip))
}

func (s *Server) handleTripRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	trip, err := s.store.TripByID(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load trip: %v", err))
		return
	}
	if trip == nil {
		httputil.NotFound(w, "unknown trip")
		return
	}

	points, err := s.store.TripRoutePoints(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load route: %v", err))
		return
	}

	out := make([]RoutePointAPI, len(points))
	for i := range points {
		out[i] = TripRoutePointToAPI(&points[i])
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleReconStatus(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "reconstructor not running")
		return
	}
	httputil.WriteJSONOK(w, s.recon.GetStatus())
}

func (s *Server) handleReconTrigger(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "reconstructor not running")
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "recent":
		s.recon.TriggerManualRun()
	case "full":
		s.recon.TriggerFullHistoryRun()
	default:
		httputil.BadRequest(w, "mode must be 'recent' or 'full'")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"triggered": modeOrRecent(mode)})
}

func modeOrRecent(mode string) string {
	if mode == "" {
		return "recent"
	}
	return mode
}

func (s *Server) handleReconEnabled(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "reconstructor not running")
		return
	}

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		httputil.BadRequest(w, "body must be {\"enabled\": true|false}")
		return
	}

	s.recon.SetEnabled(*body.Enabled)
	httputil.WriteJSONOK(w, map[string]bool{"enabled": s.recon.IsEnabled()})
}
