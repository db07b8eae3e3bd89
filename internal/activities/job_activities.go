// -----------------------------------------------------------------------
// Activities backing the single-job workflow
// -----------------------------------------------------------------------

package activities

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ternarybob/fresco/internal/balancer"
	"github.com/ternarybob/fresco/internal/comfy"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/metrics"
	"github.com/ternarybob/fresco/internal/models"
)

// SelectBackend refreshes backend health and picks one with the strategy
func (a *Activities) SelectBackend(ctx context.Context, strategy string) (string, error) {
	backend, err := a.Balancer.Pick(ctx, balancer.ParseStrategy(strategy))
	if err != nil {
		return "", err
	}
	common.GetLogger().Debug().Str("backend", backend).Str("strategy", strategy).Msg("Backend selected")
	return backend, nil
}

// ExecuteInput describes one submission to one backend
type ExecuteInput struct {
	Backend      string                 `json:"backend"`
	ClientID     string                 `json:"client_id"`
	Workflow     map[string]interface{} `json:"workflow"`
	WorkflowName string                 `json:"workflow_name,omitempty"`
	JobID        string                 `json:"job_id,omitempty"`
}

// ExecuteResult carries the prompt id and the backend's terminal record
type ExecuteResult struct {
	PromptID string               `json:"prompt_id"`
	Tracking comfy.TrackingResult `json:"tracking"`
}

// trackProgress is the heartbeat payload during tracking
type trackProgress struct {
	CurrentNode string `json:"current_node,omitempty"`
	Value       int    `json:"value,omitempty"`
	Max         int    `json:"max,omitempty"`
}

// ExecuteAndTrack submits the workflow and waits for a definitive outcome.
// When JobID is set the job row is the once-only submission guard: a retry
// that finds a recorded prompt id resumes tracking instead of re-submitting.
func (a *Activities) ExecuteAndTrack(ctx context.Context, input ExecuteInput) (*ExecuteResult, error) {
	log := common.GetLogger()
	client := a.NewClient(input.Backend, input.ClientID)

	promptID := ""
	if input.JobID != "" {
		job, err := a.Storage.JobStorage().GetJob(ctx, input.JobID)
		if err != nil {
			return nil, err
		}
		promptID = job.BackendPromptID
	}

	if promptID == "" {
		submitted, err := client.Submit(ctx, input.Workflow)
		if err != nil {
			return nil, err
		}
		promptID = submitted
		metrics.JobsSubmitted.WithLabelValues(input.Backend).Inc()
		log.Info().
			Str("backend", input.Backend).
			Str("prompt_id", promptID).
			Str("workflow", input.WorkflowName).
			Msg("Workflow submitted")

		if input.JobID != "" {
			job, err := a.Storage.JobStorage().GetJob(ctx, input.JobID)
			if err != nil {
				return nil, err
			}
			job.MarkExecuting(input.Backend, promptID)
			if err := a.Storage.JobStorage().SaveJob(ctx, job); err != nil {
				return nil, err
			}
		}
	} else {
		log.Info().
			Str("prompt_id", promptID).
			Str("job_id", input.JobID).
			Msg("Resuming tracking for already-submitted prompt")
	}

	result := client.Track(ctx, promptID, comfy.TrackOptions{
		ProgressCallback: func(p comfy.ProgressUpdate) {
			activity.RecordHeartbeat(ctx, trackProgress{CurrentNode: p.Node, Value: p.Value, Max: p.Max})
		},
	})
	metrics.JobsTracked.WithLabelValues(string(result.Status)).Inc()

	return &ExecuteResult{PromptID: promptID, Tracking: result}, nil
}

// ExtractOutputFiles flattens a history record into file references
func (a *Activities) ExtractOutputFiles(ctx context.Context, history comfy.HistoryEntry) ([]OutputFileRef, error) {
	nodeIDs := make([]string, 0, len(history.Outputs))
	for id := range history.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var refs []OutputFileRef
	for _, nodeID := range nodeIDs {
		for _, file := range history.Outputs[nodeID].Files() {
			kind := file.Type
			if kind == "" {
				kind = "output"
			}
			refs = append(refs, OutputFileRef{
				Filename:       file.Filename,
				Subfolder:      file.Subfolder,
				Kind:           kind,
				ProducerNodeID: nodeID,
			})
		}
	}
	return refs, nil
}

// DownloadInput names the files to pull from a backend
type DownloadInput struct {
	JobID    string          `json:"job_id,omitempty"`
	Backend  string          `json:"backend"`
	ClientID string          `json:"client_id"`
	Files    []OutputFileRef `json:"files"`
}

// DownloadedFile records one persisted artifact file
type DownloadedFile struct {
	ArtifactID       string `json:"artifact_id,omitempty"`
	OriginalFilename string `json:"original_filename"`
	LocalFilename    string `json:"local_filename"`
	LocalPath        string `json:"local_path"`
	FileType         string `json:"file_type"`
}

// DownloadResult lists the persisted files; LocalPreview points at the first
type DownloadResult struct {
	Files        []DownloadedFile `json:"files"`
	LocalPreview string           `json:"local_preview,omitempty"`
}

// DownloadAndPersist pulls each file from the backend, stores it locally and
// inserts an Artifact row; artifact creation also advances the job's latest
// artifact pointer.
func (a *Activities) DownloadAndPersist(ctx context.Context, input DownloadInput) (*DownloadResult, error) {
	if input.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	return a.download(ctx, input, true)
}

// DownloadOnly pulls files for an ephemeral job; no rows are written
func (a *Activities) DownloadOnly(ctx context.Context, input DownloadInput) (*DownloadResult, error) {
	return a.download(ctx, input, false)
}

func (a *Activities) download(ctx context.Context, input DownloadInput, persist bool) (*DownloadResult, error) {
	log := common.GetLogger()
	client := a.NewClient(input.Backend, input.ClientID)

	// A re-run's outputs supersede the previous run's latest artifact.
	// Snapshot that prior before writing anything, so sibling files of one
	// run never chain onto each other: a first run produces independent
	// version-1 artifacts.
	var prior *models.Artifact
	if persist {
		if p, err := a.Storage.ArtifactStorage().GetLatestArtifactForJob(ctx, input.JobID); err == nil {
			prior = p
		}
	}

	result := &DownloadResult{}
	for _, ref := range input.Files {
		data, err := client.Download(ctx, ref.Filename, ref.Subfolder, ref.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", ref.Filename, err)
		}
		localFilename, localPath, err := a.Files.Save(data, ref.Filename)
		if err != nil {
			return nil, err
		}
		metrics.ArtifactBytes.Add(float64(len(data)))

		file := DownloadedFile{
			OriginalFilename: ref.Filename,
			LocalFilename:    localFilename,
			LocalPath:        localPath,
			FileType:         string(models.DetectFileType(filepath.Ext(ref.Filename))),
		}

		if persist {
			artifact := models.NewArtifact(input.JobID, ref.Filename, localFilename, localPath, int64(len(data)))
			artifact.NodeID = ref.ProducerNodeID
			artifact.Subfolder = ref.Subfolder
			artifact.BackendFolderKind = models.FolderKind(ref.Kind)
			if prior != nil {
				artifact.Version = prior.Version + 1
				artifact.ParentArtifactID = prior.ID
			}
			if err := a.Storage.ArtifactStorage().CreateArtifact(ctx, artifact); err != nil {
				return nil, err
			}
			file.ArtifactID = artifact.ID
		}

		result.Files = append(result.Files, file)
		log.Debug().
			Str("file", ref.Filename).
			Str("local", localFilename).
			Bool("persisted", persist).
			Msg("Output file downloaded")
	}

	if len(result.Files) > 0 {
		result.LocalPreview = result.Files[0].LocalPath
	}
	return result, nil
}

// StructuredOutput summarises the downloaded files using the template's
// output descriptor; nil when the template declares no output node.
func (a *Activities) StructuredOutput(ctx context.Context, workflowName string, files []OutputFileRef) (map[string]interface{}, error) {
	if workflowName == "" || len(files) == 0 {
		return nil, nil
	}
	tpl, err := a.Registry.Get(workflowName)
	if err != nil || tpl.Output == nil {
		return nil, nil
	}

	first := files[0]
	serverFiles := make([]string, len(files))
	for i, f := range files {
		serverFiles[i] = f.Filename
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(first.Filename)), ".")

	return map[string]interface{}{
		tpl.Output.FileType: first.Filename,
		"type":              tpl.Output.FileType,
		"format":            format,
		"server_files":      serverFiles,
		"count":             len(files),
	}, nil
}

// CreateJobInput describes a job row to insert before submission
type CreateJobInput struct {
	ChainID      string                 `json:"chain_id,omitempty"`
	StepID       string                 `json:"step_id,omitempty"`
	WorkflowName string                 `json:"workflow_name"`
	Backend      string                 `json:"backend"`
	Definition   map[string]interface{} `json:"definition,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
}

// CreateJob inserts a queued job row and returns its id. For chain steps the
// (chain, step) pair is reused on replay so retries never create a second
// row; a terminal row from an earlier regeneration attempt is re-queued with
// its prompt id cleared so the new attempt submits afresh.
func (a *Activities) CreateJob(ctx context.Context, input CreateJobInput) (string, error) {
	if input.ChainID != "" && input.StepID != "" {
		if existing, err := a.Storage.JobStorage().GetJobByChainStep(ctx, input.ChainID, input.StepID); err == nil {
			if existing.Status.IsTerminal() {
				existing.Status = models.JobStatusQueued
				existing.BackendPromptID = ""
				existing.BackendAddress = input.Backend
				existing.Definition = input.Definition
				existing.Parameters = input.Parameters
				existing.ErrorMessage = ""
				existing.CompletedAt = nil
				existing.QueuedAt = time.Now().UTC()
				existing.UpdatedAt = existing.QueuedAt
				if err := a.Storage.JobStorage().SaveJob(ctx, existing); err != nil {
					return "", err
				}
			}
			return existing.ID, nil
		}
	}

	var job *models.Job
	if input.ChainID != "" {
		job = models.NewChainJob(input.ChainID, input.StepID, input.WorkflowName, input.Backend, input.Definition, input.Parameters)
	} else {
		job = models.NewJob(input.WorkflowName, input.Backend, input.Definition, input.Parameters)
	}
	if err := a.Storage.JobStorage().SaveJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// UpdateJobStatusInput flips one job to a new status
type UpdateJobStatusInput struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// UpdateJobStatus records a job's terminal or executing state
func (a *Activities) UpdateJobStatus(ctx context.Context, input UpdateJobStatusInput) error {
	job, err := a.Storage.JobStorage().GetJob(ctx, input.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	switch models.JobStatus(input.Status) {
	case models.JobStatusCompleted:
		job.MarkCompleted()
	case models.JobStatusFailed:
		job.MarkFailed(input.ErrorMessage)
	case models.JobStatusSkipped:
		job.MarkSkipped()
	case models.JobStatusCancelled:
		job.MarkCancelled()
	default:
		job.Status = models.JobStatus(input.Status)
		job.UpdatedAt = time.Now().UTC()
	}
	return a.Storage.JobStorage().SaveJob(ctx, job)
}
