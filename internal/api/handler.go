package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/bus"
	"github.com/nidhogg/courier/internal/coordinator"
	"github.com/nidhogg/courier/internal/memory"
	"github.com/nidhogg/courier/internal/registry"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(coord *coordinator.Coordinator, logger *zap.Logger) *Handler {
	return &Handler{coord: coord, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Registry routes
		r.Post("/agents", h.registerAgent)
		r.Get("/agents", h.discoverAgents)
		r.Get("/agents/{id}", h.agentStatus)
		r.Post("/agents/{id}/heartbeat", h.heartbeat)
		r.Get("/agents/{id}/messages", h.receiveMessages)
		r.Get("/agents/{id}/stats", h.agentStats)

		// Bus routes
		r.Post("/messages", h.sendMessage)
		r.Get("/messages/{id}", h.getMessage)
		r.Post("/messages/{id}/ack", h.ackMessage)

		// Memory routes
		r.Post("/memories", h.storeMemory)
		r.Post("/memories/recall", h.recallMemories)
		r.Delete("/partitions/{partition}", h.purgePartition)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "courier"})
}

type registerRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Overwrite    bool     `json:"overwrite,omitempty"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var (
		a   *registry.Agent
		err error
	)
	if req.Overwrite {
		a, err = h.coord.RegisterOverwrite(r.Context(), req.ID, req.Capabilities)
	} else {
		a, err = h.coord.Register(r.Context(), req.ID, req.Capabilities)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) discoverAgents(w http.ResponseWriter, r *http.Request) {
	var capabilities []string
	if raw := r.URL.Query()["capability"]; len(raw) > 0 {
		capabilities = raw
	}
	agents, err := h.coord.Discover(r.Context(), capabilities)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) agentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": id,
		"status":   string(h.coord.Status(r.Context(), id)),
	})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.Heartbeat(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) receiveMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	max := 0
	if s := r.URL.Query().Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		max = n
	}
	msgs, err := h.coord.Receive(r.Context(), id, max)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if msgs == nil {
		msgs = []*bus.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) agentStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := h.coord.CommunicationStats(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var msg bus.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ids, err := h.coord.Send(r.Context(), &msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids})
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.coord.Message(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ackMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.Acknowledge(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var req memory.StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := h.coord.Remember(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) recallMemories(w http.ResponseWriter, r *http.Request) {
	var req memory.RecallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.coord.Recall(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) purgePartition(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	removed, err := h.coord.Purge(r.Context(), partition)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bus.ErrNotFound),
		errors.Is(err, memory.ErrNotFound),
		errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrCapabilityConflict):
		return http.StatusConflict
	case errors.Is(err, bus.ErrAlreadyAcked):
		return http.StatusConflict
	case errors.Is(err, bus.ErrInvalidPriority),
		errors.Is(err, bus.ErrInvalidType),
		errors.Is(err, bus.ErrInvalidPayload),
		errors.Is(err, bus.ErrEmptyRecipient),
		errors.Is(err, bus.ErrNoRecipients),
		errors.Is(err, registry.ErrEmptyAgentID),
		errors.Is(err, memory.ErrInvalidCategory),
		errors.Is(err, memory.ErrInvalidPartition),
		errors.Is(err, memory.ErrEmptyContent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
