// -----------------------------------------------------------------------
// JobHandler - job rows, their artifacts and artifact content
// -----------------------------------------------------------------------

package handlers

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/storage/files"
)

// JobHandler serves /api/jobs and /api/artifacts endpoints
type JobHandler struct {
	storage interfaces.StorageManager
	files   *files.Store
	config  *common.Config
	logger  arbor.ILogger
}

// NewJobHandler creates the job endpoint handler
func NewJobHandler(storage interfaces.StorageManager, fileStore *files.Store, config *common.Config) *JobHandler {
	return &JobHandler{
		storage: storage,
		files:   fileStore,
		config:  config,
		logger:  common.GetLogger(),
	}
}

// ListHandler returns job rows, optionally filtered by chain or status
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	limit, offset := GetLimitOffset(r)
	jobs, err := h.storage.JobStorage().ListJobs(r.Context(), &interfaces.JobListOptions{
		ChainID: r.URL.Query().Get("chain_id"),
		Status:  r.URL.Query().Get("status"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Routes dispatches /api/jobs/{id}[/artifacts]
func (h *JobHandler) Routes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		WriteError(w, http.StatusNotFound, "job id required")
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		h.detail(w, r, jobID)
	case len(parts) == 2 && parts[1] == "artifacts":
		h.artifacts(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "unknown job endpoint")
	}
}

func (h *JobHandler) detail(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	job, err := h.storage.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// artifacts returns every version of the job's artifacts, latest first
func (h *JobHandler) artifacts(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if _, err := h.storage.JobStorage().GetJob(r.Context(), jobID); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	artifacts, err := h.storage.ArtifactStorage().ListArtifactsForJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// ArtifactRoutes dispatches /api/artifacts/{id}[/content]
func (h *JobHandler) ArtifactRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/artifacts/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		WriteError(w, http.StatusNotFound, "artifact id required")
		return
	}
	artifactID := parts[0]

	switch {
	case len(parts) == 1:
		h.artifactDetail(w, r, artifactID)
	case len(parts) == 2 && parts[1] == "content":
		h.artifactContent(w, r, artifactID)
	default:
		WriteError(w, http.StatusNotFound, "unknown artifact endpoint")
	}
}

func (h *JobHandler) artifactDetail(w http.ResponseWriter, r *http.Request, artifactID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	artifact, err := h.storage.ArtifactStorage().GetArtifact(r.Context(), artifactID)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, artifact)
}

// artifactContent streams the stored file. http.ServeFile handles range
// requests, which matters for video previews in the approval UI.
func (h *JobHandler) artifactContent(w http.ResponseWriter, r *http.Request, artifactID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	artifact, err := h.storage.ArtifactStorage().GetArtifact(r.Context(), artifactID)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if h.config.Artifacts.MaxServeSize > 0 && artifact.FileSize > h.config.Artifacts.MaxServeSize {
		WriteError(w, http.StatusRequestEntityTooLarge, "artifact exceeds the serveable size limit")
		return
	}
	path, err := h.files.Path(artifact.LocalFilename)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if ctype := mime.TypeByExtension(filepath.Ext(artifact.LocalFilename)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	w.Header().Set("Content-Disposition", "inline; filename=\""+artifact.OriginalFilename+"\"")
	http.ServeFile(w, r, path)
}
