package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend simulates the render backend's history and websocket surface
type fakeBackend struct {
	mu      sync.Mutex
	history map[string]HistoryEntry
	wsSends []WSMessage // messages pushed to each websocket subscriber
	wsHold  bool        // keep the socket open after sending
	server  *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{history: make(map[string]HistoryEntry)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		promptID := r.URL.Path[len("/history/"):]
		fb.mu.Lock()
		defer fb.mu.Unlock()
		out := History{}
		if entry, ok := fb.history[promptID]; ok {
			out[promptID] = entry
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		sends := append([]WSMessage(nil), fb.wsSends...)
		hold := fb.wsHold
		fb.mu.Unlock()
		for _, msg := range sends {
			if err := conn.WriteJSON(msg); err != nil {
				break
			}
		}
		if hold {
			// Keep reading until the client goes away
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}
		conn.Close()
	})

	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) setHistory(promptID string, entry HistoryEntry) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.history[promptID] = entry
}

func (fb *fakeBackend) setSocket(hold bool, msgs ...WSMessage) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.wsHold = hold
	fb.wsSends = msgs
}

func wsMsg(t *testing.T, msgType string, data interface{}) WSMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return WSMessage{Type: msgType, Data: raw}
}

func TestTrack_PollWinsWhenJobFinishedBeforeAttach(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setSocket(true) // socket stays silent; the job finished long ago
	fb.setHistory("p1", HistoryEntry{
		Outputs: map[string]NodeOutput{"9": {Images: []OutputFile{{Filename: "out.png"}}}},
		Status:  HistoryStatus{StatusStr: "success", Completed: true},
	})

	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p1", TrackOptions{
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	assert.Equal(t, TrackingSuccess, result.Status)
	require.NotNil(t, result.History)
	assert.Len(t, result.History.Outputs["9"].Images, 1)
}

func TestTrack_WebsocketErrorSettlesFirst(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setSocket(true, wsMsg(t, "execution_error", map[string]interface{}{
		"prompt_id":         "p2",
		"exception_message": "CUDA out of memory",
	}))

	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p2", TrackOptions{
		PollInterval: time.Hour, // poll must not be the one that settles
		Timeout:      5 * time.Second,
	})

	assert.Equal(t, TrackingError, result.Status)
	assert.Equal(t, "CUDA out of memory", result.Error)
}

func TestTrack_WebsocketInterrupted(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setSocket(true, wsMsg(t, "execution_interrupted", map[string]interface{}{
		"prompt_id": "p3",
	}))

	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p3", TrackOptions{
		PollInterval: time.Hour,
		Timeout:      5 * time.Second,
	})

	assert.Equal(t, TrackingInterrupted, result.Status)
}

func TestTrack_IgnoresOtherPromptsMessages(t *testing.T) {
	fb := newFakeBackend(t)
	// An error for a different prompt must not settle this tracker
	fb.setSocket(true, wsMsg(t, "execution_error", map[string]interface{}{
		"prompt_id":         "someone-else",
		"exception_message": "not ours",
	}))
	fb.setHistory("p4", HistoryEntry{
		Status: HistoryStatus{StatusStr: "success", Completed: true},
	})

	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p4", TrackOptions{
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	assert.Equal(t, TrackingSuccess, result.Status)
}

func TestTrack_PollReportsBackendError(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setSocket(true)
	errorPayload, err := json.Marshal([]interface{}{
		"execution_error",
		map[string]interface{}{"exception_message": "missing model file"},
	})
	require.NoError(t, err)
	fb.setHistory("p5", HistoryEntry{
		Status: HistoryStatus{StatusStr: "error", Messages: []json.RawMessage{errorPayload}},
	})

	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p5", TrackOptions{
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	assert.Equal(t, TrackingError, result.Status)
	assert.Equal(t, "missing model file", result.Error)
}

func TestTrack_TimesOut(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setSocket(true) // nothing ever arrives

	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p6", TrackOptions{
		PollInterval: 20 * time.Millisecond,
		Timeout:      150 * time.Millisecond,
	})

	assert.Equal(t, TrackingError, result.Status)
	assert.Equal(t, "tracking timed out", result.Error)
}

func TestTrack_ProgressCallback(t *testing.T) {
	fb := newFakeBackend(t)
	node := "3"
	fb.setSocket(true,
		wsMsg(t, "executing", map[string]interface{}{"prompt_id": "p7", "node": node}),
		wsMsg(t, "progress", map[string]interface{}{"prompt_id": "p7", "value": 5, "max": 20}),
		wsMsg(t, "execution_success", map[string]interface{}{"prompt_id": "p7"}),
	)
	fb.setHistory("p7", HistoryEntry{
		Status: HistoryStatus{StatusStr: "success", Completed: true},
	})

	var mu sync.Mutex
	var updates []ProgressUpdate
	client := NewClient(fb.server.URL, "test-client", 5*time.Second)
	result := client.Track(context.Background(), "p7", TrackOptions{
		PollInterval: time.Hour,
		Timeout:      5 * time.Second,
		ProgressCallback: func(u ProgressUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})

	assert.Equal(t, TrackingSuccess, result.Status)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, "3", updates[0].Node)
	assert.Equal(t, 5, updates[1].Value)
	assert.Equal(t, 20, updates[1].Max)
}

func TestHistoryStatus_ErrorMessageFallback(t *testing.T) {
	s := HistoryStatus{StatusStr: "error"}
	assert.Equal(t, "execution failed", s.ErrorMessage())
}

func TestBackendError_Format(t *testing.T) {
	err := &BackendError{Status: 400, Body: "invalid prompt"}
	assert.Equal(t, fmt.Sprintf("backend returned %d: %s", 400, "invalid prompt"), err.Error())
}
