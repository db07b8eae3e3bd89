package activities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fresco/internal/comfy"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
	badgerstore "github.com/ternarybob/fresco/internal/storage/badger"
	"github.com/ternarybob/fresco/internal/storage/files"
)

func newDownloadFixture(t *testing.T) (*Activities, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badgerstore.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store, err := files.NewStore(filepath.Join(t.TempDir(), "artifacts"), logger)
	require.NoError(t, err)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("png-bytes-" + r.URL.Query().Get("filename")))
	}))
	t.Cleanup(backend.Close)

	return &Activities{
		Storage: manager,
		Files:   store,
		NewClient: func(address, clientID string) *comfy.Client {
			return comfy.NewClient(backend.URL, clientID, 5*time.Second)
		},
	}, manager
}

func TestDownloadAndPersist_SiblingOutputsAreIndependent(t *testing.T) {
	a, manager := newDownloadFixture(t)
	ctx := context.Background()

	job := models.NewJob("txt2img", "http://backend-1:8188", nil, nil)
	require.NoError(t, manager.JobStorage().SaveJob(ctx, job))

	// One run producing two files: both are first versions, neither
	// supersedes the other.
	result, err := a.DownloadAndPersist(ctx, DownloadInput{
		JobID:   job.ID,
		Backend: "http://backend-1:8188",
		Files: []OutputFileRef{
			{Filename: "ComfyUI_00001_.png", Kind: "output", ProducerNodeID: "9"},
			{Filename: "ComfyUI_00002_.png", Kind: "output", ProducerNodeID: "9"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	artifacts, err := manager.ArtifactStorage().ListArtifactsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	for _, art := range artifacts {
		assert.Equal(t, 1, art.Version, art.OriginalFilename)
		assert.Empty(t, art.ParentArtifactID, art.OriginalFilename)
	}
}

func TestDownloadAndPersist_RerunSupersedesPreviousLatest(t *testing.T) {
	a, manager := newDownloadFixture(t)
	ctx := context.Background()

	job := models.NewJob("txt2img", "http://backend-1:8188", nil, nil)
	require.NoError(t, manager.JobStorage().SaveJob(ctx, job))

	_, err := a.DownloadAndPersist(ctx, DownloadInput{
		JobID:   job.ID,
		Backend: "http://backend-1:8188",
		Files:   []OutputFileRef{{Filename: "first.png", Kind: "output"}},
	})
	require.NoError(t, err)

	prior, err := manager.ArtifactStorage().GetLatestArtifactForJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = a.DownloadAndPersist(ctx, DownloadInput{
		JobID:   job.ID,
		Backend: "http://backend-1:8188",
		Files:   []OutputFileRef{{Filename: "second.png", Kind: "output"}},
	})
	require.NoError(t, err)

	latest, err := manager.ArtifactStorage().GetLatestArtifactForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, prior.ID, latest.ParentArtifactID)
	assert.Equal(t, "second.png", latest.OriginalFilename)
}
