package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/db"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/metrics"
	"github.com/omniforge/collab/internal/relay"
)

// ClientCounter reports open WebSocket connections.
type ClientCounter interface {
	ClientCount() int
}

type Options struct {
	Database *db.Database
	Relay    *relay.Relay
	Clients  ClientCounter
	// Mounted at /ws when set.
	WebSocket      http.Handler
	AllowedOrigins []string
}

type API struct {
	database  *db.Database
	relay     *relay.Relay
	clients   ClientCounter
	websocket http.Handler
	origins   []string
	log       zerolog.Logger
}

func New(opts Options) *API {
	return &API{
		database:  opts.Database,
		relay:     opts.Relay,
		clients:   opts.Clients,
		websocket: opts.WebSocket,
		origins:   opts.AllowedOrigins,
		log:       log.WithComponent("api"),
	}
}

// Router wires every endpoint, with request logging, metrics and CORS.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	if a.websocket != nil {
		r.Handle("/ws", a.websocket).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	rooms := r.PathPrefix("/api/rooms").Subrouter()
	rooms.HandleFunc("", a.persistent(a.ListRoomsHandler)).Methods(http.MethodGet)
	rooms.HandleFunc("", a.persistent(a.CreateRoomHandler)).Methods(http.MethodPost)
	rooms.HandleFunc("/{id}", a.persistent(a.GetRoomHandler)).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}", a.persistent(a.DeleteRoomHandler)).Methods(http.MethodDelete)
	rooms.HandleFunc("/{id}/text", a.RoomTextHandler).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}/commit", a.persistent(a.CommitHandler)).Methods(http.MethodPost)

	versions := r.PathPrefix("/api/versions").Subrouter()
	versions.HandleFunc("", a.persistent(a.ListVersionsHandler)).Methods(http.MethodGet)
	versions.HandleFunc("", a.persistent(a.CreateVersionHandler)).Methods(http.MethodPost)
	versions.HandleFunc("/diff", a.persistent(a.DiffVersionsHandler)).Methods(http.MethodGet)
	versions.HandleFunc("/{id:[0-9]+}", a.persistent(a.GetVersionHandler)).Methods(http.MethodGet)
	versions.HandleFunc("/{id:[0-9]+}", a.persistent(a.DeleteVersionHandler)).Methods(http.MethodDelete)
	versions.HandleFunc("/{id:[0-9]+}/restore", a.persistent(a.RestoreVersionHandler)).Methods(http.MethodPost)

	return a.cors(r)
}

// persistent answers 503 when the server runs without a database.
func (a *API) persistent(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.database == nil {
			errorResponse(w, http.StatusServiceUnavailable, "Persistence is disabled")
			return
		}
		h(w, r)
	}
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(m.Code)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(m.Duration.Seconds())

		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", m.Code).
			Dur("duration", m.Duration).
			Int64("bytes", m.Written).
			Msg("handled")
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := a.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) allowOrigin(origin string) string {
	if len(a.origins) == 0 {
		return "*"
	}
	for _, allowed := range a.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Logger.Error().Err(err).Msg("error encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.database == nil {
		status = "memory"
	} else if err := a.database.Ping(ctx); err != nil {
		a.log.Warn().Err(err).Msg("health check: database unreachable")
		status, code = "degraded", http.StatusServiceUnavailable
	}

	jsonResponse(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms": a.relay.Rooms().Len(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if a.clients != nil {
		stats["active_clients"] = a.clients.ClientCount()
	}

	if a.database != nil {
		if dbStats, err := a.database.GetStats(r.Context()); err == nil {
			stats["total_rooms"] = dbStats.Rooms
			stats["total_updates"] = dbStats.Updates
			stats["total_snapshots"] = dbStats.Snapshots
			stats["total_versions"] = dbStats.Versions
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

func roomID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
