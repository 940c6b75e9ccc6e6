package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"legalchat/internal/rooms"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// Registry exposes gateway statistics without coupling to websocket.Registry
type Registry interface {
	GetStats() map[string]int
}

// HealthChecker reports store liveness
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built from
type Deps struct {
	Rooms          *rooms.Service
	Store          HealthChecker
	Registry       Registry
	Resolver       interfaces.TokenResolver
	Notifier       interfaces.Notifier
	WebSocket      http.Handler
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer stands in for the CRUD layer that
// owns rooms; no chat semantics live here, only HTTP handling and JSON
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router with middleware and routes
func NewServer(deps Deps) *Server {
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}

	s := &Server{deps: deps, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Metrics first so every request is counted
	r.Use(Metrics)
	r.Use(pkglog.HTTPMiddleware(s.deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.healthCheck)
	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(jsonMiddleware)

		r.Get("/rooms", s.listRooms)
		r.Post("/rooms/direct", s.createDirectRoom)
		r.Post("/rooms/case", s.createCaseRoom)
		r.Post("/rooms/{key}/accept", s.acceptRoom)
		r.Get("/rooms/{key}/messages", s.roomMessages)
		r.Post("/notifications", s.sendNotification)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateDirectRoomRequest struct {
	InviteeID   string `json:"inviteeId"`
	InviteeRole string `json:"inviteeRole"`
}

type CreateCaseRoomRequest struct {
	CaseType     string              `json:"caseType"`
	CaseID       string              `json:"caseId"`
	Participants []types.Participant `json:"participants"`
}

type RoomResponse struct {
	Room    *types.Room `json:"room"`
	Created bool        `json:"created"`
}

type ListRoomsResponse struct {
	Rooms []types.RoomSummary `json:"rooms"`
}

type NotificationRequest struct {
	UserID string          `json:"userId"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/rooms/direct - request a chat with another user
func (s *Server) createDirectRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	room, created, err := s.deps.Rooms.CreateDirectRoom(r.Context(), identityFrom(r.Context()), req.InviteeID, req.InviteeRole)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, RoomResponse{Room: room, Created: created})
}

// POST /api/rooms/case - open the room for a case record (idempotent per case), admin only
func (s *Server) createCaseRoom(w http.ResponseWriter, r *http.Request) {
	// case rooms are opened by case assignment only
	if identityFrom(r.Context()).Role != types.RoleAdmin {
		s.sendError(w, "Admin role required", http.StatusForbidden)
		return
	}

	var req CreateCaseRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	room, created, err := s.deps.Rooms.CreateCaseRoom(r.Context(), req.CaseType, req.CaseID, req.Participants)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, RoomResponse{Room: room, Created: created})
}

// POST /api/rooms/{key}/accept - invitee activates a pending direct room
func (s *Server) acceptRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.deps.Rooms.AcceptDirectRoom(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, RoomResponse{Room: room})
}

// GET /api/rooms - caller's rooms with unread counts
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.deps.Rooms.ListSummaries(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListRoomsResponse{Rooms: summaries})
}

// GET /api/rooms/{key}/messages?page=&limit= - one page of history
func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := s.deps.Rooms.History(r.Context(), identityFrom(r.Context()).UserID, chi.URLParam(r, "key"), page)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, history)
}

// POST /api/notifications - out-of-band personal notification, admin only
func (s *Server) sendNotification(w http.ResponseWriter, r *http.Request) {
	if identityFrom(r.Context()).Role != types.RoleAdmin {
		s.sendError(w, "Admin role required", http.StatusForbidden)
		return
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.UserID) || req.Kind == "" {
		s.sendError(w, "userId and kind are required", http.StatusBadRequest)
		return
	}
	if s.deps.Notifier == nil {
		s.sendError(w, "Notifications unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := s.deps.Notifier.Notify(r.Context(), req.UserID, req.Kind, req.Data); err != nil {
		pkglog.Ctx(r.Context()).Error().Err(err).Str(pkglog.FieldUserID, req.UserID).Msg("notification failed")
		s.sendError(w, "Failed to send notification", http.StatusServiceUnavailable)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"message": "Notification queued"})
}

// GET /health - store connectivity and gateway statistics
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			response.Status = "unhealthy"
			response.Database = "error: " + err.Error()
		}
	}
	if s.deps.Registry != nil {
		response.Connections = s.deps.Registry.GetStats()
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, response)
}

func parsePage(r *http.Request) (types.Page, error) {
	var page types.Page
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.New("page must be a positive integer")
		}
		page.Number = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.New("limit must be a positive integer")
		}
		page.Limit = n
	}
	return page.Normalize(), nil
}

// sendServiceError maps domain errors onto HTTP statuses
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		s.sendError(w, "Access denied to chat room", http.StatusForbidden)
	case errors.Is(err, rooms.ErrNotInvitee):
		s.sendError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, types.ErrRoomNotFound):
		s.sendError(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, rooms.ErrNotDirectRoom),
		errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidRole),
		errors.Is(err, types.ErrSelfChat),
		errors.Is(err, types.ErrInvalidCaseRef),
		errors.Is(err, types.ErrEmptyParticipants):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		pkglog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		s.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
