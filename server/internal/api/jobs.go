package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
)

// CollectionScheduler submits a new fuzzing collection for scheduling. It is
// implemented by the scheduler package, which wraps Store.ScheduleCollection
// with the Dispatcher fan-out of one AgentRequest{JobCreate} Event per
// scheduled sub-job (spec §4.1) — kept as a narrow interface here so the API
// layer depends only on the shape it needs, not the Dispatcher wiring.
type CollectionScheduler interface {
	Submit(ctx context.Context, spec store.CollectionSpec) ([]store.ScheduledSubJob, error)
}

// JobHandler groups all collection/sub-job/crash HTTP handlers. Sub-jobs and
// crashes are read-only from the API's perspective — they are created and
// updated by the Scheduler and Broker, never by request handlers directly.
type JobHandler struct {
	scheduler CollectionScheduler
	store     *store.Store
	logger    *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(scheduler CollectionScheduler, st *store.Store, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		scheduler: scheduler,
		store:     st,
		logger:    logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// subJobResponse is the JSON representation of a single scheduled sub-job.
type subJobResponse struct {
	AgentGuid string `json:"agent_guid"`
	Idx       int    `json:"idx"`
	Cpus      int64  `json:"cpus"`
	Ram       int64  `json:"ram"`
	LastMsg   string `json:"last_msg"`
	Status    string `json:"status"`
}

func subJobToResponse(j *db.Job) subJobResponse {
	return subJobResponse{
		AgentGuid: j.AgentGuid.String(),
		Idx:       j.Idx,
		Cpus:      j.Cpus,
		Ram:       j.Ram,
		LastMsg:   j.LastMsg,
		Status:    j.Status,
	}
}

// collectionResponse is the JSON representation of a job collection.
type collectionResponse struct {
	Guid         string `json:"guid"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	AgentType    string `json:"agent_type"`
	Cpus         int64  `json:"cpus"`
	Ram          int64  `json:"ram"`
	Timeout      int64  `json:"timeout"`
	Target       string `json:"target"`
	Corpus       string `json:"corpus"`
	Image        string `json:"image"`
	Status       string `json:"status"`
	CreationDate string `json:"creation_date"`
}

func collectionToResponse(c *db.JobCollection) collectionResponse {
	return collectionResponse{
		Guid:         c.Guid.String(),
		Name:         c.Name,
		Description:  c.Description,
		AgentType:    c.AgentType,
		Cpus:         c.Cpus,
		Ram:          c.Ram,
		Timeout:      c.Timeout,
		Target:       c.Target,
		Corpus:       c.Corpus,
		Image:        c.Image,
		Status:       c.Status,
		CreationDate: c.CreationDate.UTC().String(),
	}
}

// crashResponse is the JSON representation of a recorded crash.
type crashResponse struct {
	Guid         string  `json:"guid"`
	Name         string  `json:"name"`
	Hash         string  `json:"hash"`
	Size         int64   `json:"size"`
	Analyzed     *string `json:"analyzed"`
	CreationDate string  `json:"creation_date"`
}

func crashToResponse(c *db.Crash) crashResponse {
	return crashResponse{
		Guid:         c.Guid.String(),
		Name:         c.Name,
		Hash:         c.Hash,
		Size:         c.Size,
		Analyzed:     c.Analyzed,
		CreationDate: c.CreationDate.UTC().String(),
	}
}

// listCollectionsResponse wraps the full set of collections.
type listCollectionsResponse struct {
	Items []collectionResponse `json:"items"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// createCollectionRequest is the JSON body expected by POST /api/v1/collections.
// Cpus/Ram are the collection's total requirement — the Scheduler splits
// them across eligible agents and assigns idx itself (spec §4.1), the
// caller never pre-splits or pre-assigns idx.
type createCollectionRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	AgentType        string `json:"agent_type"`
	Cpus             int64  `json:"cpus"`
	Ram              int64  `json:"ram"`
	Timeout          int64  `json:"timeout"`
	Target           string `json:"target"`
	Corpus           string `json:"corpus"`
	Image            string `json:"image"`
	CrashAutoAnalyze bool   `json:"crash_auto_analyze"`
}

// Create handles POST /api/v1/collections.
// Submits a new fuzzing job collection and schedules its sub-jobs across
// eligible agents (spec §4.1). Returns 422 if no combination of up agents
// has enough free CPU for the submission.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if req.Image == "" {
		ErrBadRequest(w, "image is required")
		return
	}
	if req.Cpus <= 0 {
		ErrBadRequest(w, "cpus must be positive")
		return
	}
	if req.AgentType == "" {
		req.AgentType = "linux"
	}

	guid, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to generate collection guid", zap.Error(err))
		ErrInternal(w)
		return
	}

	_, err = h.scheduler.Submit(r.Context(), store.CollectionSpec{
		Guid:             guid,
		Name:             req.Name,
		Description:      req.Description,
		AgentType:        req.AgentType,
		Cpus:             req.Cpus,
		Ram:              req.Ram,
		Timeout:          req.Timeout,
		Target:           req.Target,
		Corpus:           req.Corpus,
		Image:            req.Image,
		CrashAutoAnalyze: req.CrashAutoAnalyze,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientResources) {
			ErrUnprocessable(w, "insufficient free capacity across up agents")
			return
		}
		h.logger.Error("failed to schedule collection", zap.Error(err))
		ErrInternal(w)
		return
	}

	collection, err := h.store.GetCollectionByGuid(r.Context(), guid)
	if err != nil {
		h.logger.Error("failed to reload scheduled collection", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, collectionToResponse(collection))
}

// List handles GET /api/v1/collections.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	collections, err := h.store.ListCollections(r.Context())
	if err != nil {
		h.logger.Error("failed to list collections", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]collectionResponse, len(collections))
	for i := range collections {
		items[i] = collectionToResponse(&collections[i])
	}

	Ok(w, listCollectionsResponse{Items: items})
}

// GetByGuid handles GET /api/v1/collections/{guid}.
func (h *JobHandler) GetByGuid(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	collection, err := h.store.GetCollectionByGuid(r.Context(), guid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get collection", zap.String("guid", guid.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, collectionToResponse(collection))
}

// ListSubJobs handles GET /api/v1/collections/{guid}/jobs.
func (h *JobHandler) ListSubJobs(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	jobs, err := h.store.ListSubJobs(r.Context(), guid)
	if err != nil {
		h.logger.Error("failed to list sub-jobs", zap.String("collection_guid", guid.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]subJobResponse, len(jobs))
	for i := range jobs {
		items[i] = subJobToResponse(&jobs[i])
	}

	Ok(w, items)
}

// ListCrashes handles GET /api/v1/collections/{guid}/crashes.
func (h *JobHandler) ListCrashes(w http.ResponseWriter, r *http.Request) {
	guid, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	crashes, err := h.store.ListCrashes(r.Context(), guid)
	if err != nil {
		h.logger.Error("failed to list crashes", zap.String("collection_guid", guid.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]crashResponse, len(crashes))
	for i := range crashes {
		items[i] = crashToResponse(&crashes[i])
	}

	Ok(w, items)
}

// parseUUIDString parses a raw UUID string, returning an error if invalid.
// Used for query parameter parsing where parseUUID (path param) is not applicable.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
