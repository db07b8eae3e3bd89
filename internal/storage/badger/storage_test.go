package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func seedJob(t *testing.T, m interfaces.StorageManager) *models.Job {
	t.Helper()
	job := models.NewJob("txt2img", "localhost:8188", nil, nil)
	require.NoError(t, m.JobStorage().SaveJob(context.Background(), job))
	return job
}

func TestCreateArtifact_SingleLatestPerJob(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	job := seedJob(t, m)

	first := models.NewArtifact(job.ID, "out.png", "aaaa1111.png", "/tmp/aaaa1111.png", 10)
	require.NoError(t, m.ArtifactStorage().CreateArtifact(ctx, first))

	second := models.NewArtifact(job.ID, "out.png", "bbbb2222.png", "/tmp/bbbb2222.png", 12)
	second.Version = 2
	second.ParentArtifactID = first.ID
	require.NoError(t, m.ArtifactStorage().CreateArtifact(ctx, second))

	latest, err := m.ArtifactStorage().GetLatestArtifactForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, 2, latest.Version)

	demoted, err := m.ArtifactStorage().GetArtifact(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, demoted.IsLatest)

	all, err := m.ArtifactStorage().ListArtifactsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	latestCount := 0
	for _, a := range all {
		if a.IsLatest {
			latestCount++
		}
	}
	assert.Equal(t, 1, latestCount, "exactly one artifact per job may be latest")

	// The job row must point at the new latest
	stored, err := m.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.LatestArtifactID)
}

func TestCreateArtifact_RequiresExistingJob(t *testing.T) {
	m := newTestManager(t)
	orphan := models.NewArtifact("job_missing", "out.png", "cccc3333.png", "/tmp/cccc3333.png", 10)
	err := m.ArtifactStorage().CreateArtifact(context.Background(), orphan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestReferencedLocalFilenames_SkipsTerminalJobs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	active := seedJob(t, m)
	activeArt := models.NewArtifact(active.ID, "a.png", "dddd4444.png", "/tmp/dddd4444.png", 1)
	require.NoError(t, m.ArtifactStorage().CreateArtifact(ctx, activeArt))

	finished := seedJob(t, m)
	finishedArt := models.NewArtifact(finished.ID, "b.png", "eeee5555.png", "/tmp/eeee5555.png", 1)
	require.NoError(t, m.ArtifactStorage().CreateArtifact(ctx, finishedArt))
	finished.MarkCompleted()
	require.NoError(t, m.JobStorage().SaveJob(ctx, finished))

	referenced, err := m.ArtifactStorage().ReferencedLocalFilenames(ctx)
	require.NoError(t, err)
	assert.True(t, referenced["dddd4444.png"])
	assert.False(t, referenced["eeee5555.png"])
}

func TestGetJobByChainStep(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	job := models.NewChainJob("chain_1", "generate", "txt2img", "localhost:8188", nil, nil)
	require.NoError(t, m.JobStorage().SaveJob(ctx, job))

	found, err := m.JobStorage().GetJobByChainStep(ctx, "chain_1", "generate")
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	_, err = m.JobStorage().GetJobByChainStep(ctx, "chain_1", "other")
	assert.Error(t, err)
}

func TestGetJobByBackendPrompt_PairsPromptWithBackend(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := models.NewJob("txt2img", "", nil, nil)
	a.MarkExecuting("hostA:8188", "prompt-1")
	require.NoError(t, m.JobStorage().SaveJob(ctx, a))

	// Another backend can reuse the same prompt id
	b := models.NewJob("txt2img", "", nil, nil)
	b.MarkExecuting("hostB:8188", "prompt-1")
	require.NoError(t, m.JobStorage().SaveJob(ctx, b))

	found, err := m.JobStorage().GetJobByBackendPrompt(ctx, "hostB:8188", "prompt-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)
}

func TestGetChainByEngineWorkflowID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chain := models.NewChain("render-pipeline", "wf-123", "run-1", nil)
	require.NoError(t, m.ChainStorage().SaveChain(ctx, chain))

	found, err := m.ChainStorage().GetChainByEngineWorkflowID(ctx, "wf-123")
	require.NoError(t, err)
	assert.Equal(t, chain.ID, found.ID)

	_, err = m.ChainStorage().GetChainByEngineWorkflowID(ctx, "wf-missing")
	assert.Error(t, err)
}

func TestListChains_FiltersByStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	done := models.NewChain("one", "wf-1", "", nil)
	done.MarkCompleted()
	require.NoError(t, m.ChainStorage().SaveChain(ctx, done))

	running := models.NewChain("two", "wf-2", "", nil)
	require.NoError(t, m.ChainStorage().SaveChain(ctx, running))

	completed, err := m.ChainStorage().ListChains(ctx, &interfaces.ChainListOptions{Status: "completed"})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, done.ID, completed[0].ID)

	all, err := m.ChainStorage().ListChains(ctx, &interfaces.ChainListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetApprovalByToken_Lifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := models.NewApprovalRequest("art_1", "wf-1", "http://x/approval/t", time.Hour, nil)
	require.NoError(t, m.ApprovalStorage().SaveApproval(ctx, req))

	found, err := m.ApprovalStorage().GetApprovalByToken(ctx, req.Token, now)
	require.NoError(t, err)
	assert.Equal(t, req.ID, found.ID)

	// Unknown token
	_, err = m.ApprovalStorage().GetApprovalByToken(ctx, "nope", now)
	assert.Error(t, err)

	// A decided request revokes the token
	require.True(t, found.Decide(models.ApprovalRequestApproved, "alice"))
	require.NoError(t, m.ApprovalStorage().SaveApproval(ctx, found))
	_, err = m.ApprovalStorage().GetApprovalByToken(ctx, req.Token, now)
	assert.Error(t, err)
}

func TestGetApprovalByToken_Expired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	req := models.NewApprovalRequest("art_1", "wf-1", "http://x/approval/t", time.Minute, nil)
	require.NoError(t, m.ApprovalStorage().SaveApproval(ctx, req))

	_, err := m.ApprovalStorage().GetApprovalByToken(ctx, req.Token, time.Now().UTC().Add(2*time.Minute))
	assert.Error(t, err)
}

func TestApprovalRequest_DecideOnce(t *testing.T) {
	req := models.NewApprovalRequest("art_1", "wf-1", "", 0, nil)
	assert.True(t, req.Decide(models.ApprovalRequestRejected, "bob"))
	assert.False(t, req.Decide(models.ApprovalRequestApproved, "carol"), "second decision must not apply")
	assert.Equal(t, models.ApprovalRequestRejected, req.Status)
	assert.Equal(t, "bob", req.DecidedBy)
}
