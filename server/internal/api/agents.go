package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
)

// AgentHandler groups all agent-related HTTP handlers.
type AgentHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(st *store.Store, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		store:  st,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
type agentResponse struct {
	Guid        string `json:"guid"`
	Description string `json:"description"`
	AgentType   string `json:"agent_type"`
	Endpoint    string `json:"endpoint"`
	Status      string `json:"status"`
	Cpus        int64  `json:"cpus"`
	Ram         int64  `json:"ram"`
	FreeCpus    int64  `json:"free_cpus"`
	FreeRam     int64  `json:"free_ram"`
	CreatedAt   string `json:"created_at"`
}

// agentToResponse converts a db.Agent to an agentResponse.
func agentToResponse(a *db.Agent) agentResponse {
	return agentResponse{
		Guid:        a.Guid.String(),
		Description: a.Description,
		AgentType:   a.AgentType,
		Endpoint:    a.Endpoint,
		Status:      a.Status,
		Cpus:        a.Cpus,
		Ram:         a.Ram,
		FreeCpus:    a.FreeCpus,
		FreeRam:     a.FreeRam,
		CreatedAt:   a.CreatedAt.UTC().String(),
	}
}

// listAgentsResponse wraps the full set of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items})
}

// createAgentRequest is the JSON body expected by POST /api/v1/agents.
// The agent is registered with status "init" (spec §3) — it transitions to
// "up" once the Broker successfully dials it and records its sys info.
type createAgentRequest struct {
	Description string `json:"description"`
	AgentType   string `json:"agent_type"`
	Endpoint    string `json:"endpoint"`
}

// Create handles POST /api/v1/agents.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Endpoint == "" {
		ErrBadRequest(w, "endpoint is required")
		return
	}
	if req.AgentType == "" {
		req.AgentType = "linux"
	}

	guid, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to generate agent guid", zap.Error(err))
		ErrInternal(w)
		return
	}

	agent, err := h.store.CreateAgent(r.Context(), guid, req.Description, req.AgentType, req.Endpoint)
	if err != nil {
		h.logger.Error("failed to create agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, agentToResponse(agent))
}

// GetByGuid handles GET /api/v1/agents/{guid}.
func (h *AgentHandler) GetByGuid(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	agent, err := h.store.GetAgentByGuid(r.Context(), guid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("guid", guid.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// Delete handles DELETE /api/v1/agents/{guid}.
// Soft-deletes the agent — the record is retained for job history (spec §3).
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	if err := h.store.DeleteAgent(r.Context(), guid); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete agent", zap.String("guid", guid.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
