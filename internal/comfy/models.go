// -----------------------------------------------------------------------
// Wire types for the render backend HTTP + WebSocket contract
// -----------------------------------------------------------------------

package comfy

import (
	"encoding/json"
	"fmt"
)

// BackendError is a non-2xx response from a backend; Body is the backend's
// error text verbatim.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// SubmitResponse is the backend's answer to a prompt submission
type SubmitResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number,omitempty"`
}

// OutputFile is one file reference inside a history record
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"` // "output", "input", or "temp"
}

// NodeOutput holds the files one node produced
type NodeOutput struct {
	Images []OutputFile `json:"images,omitempty"`
	Videos []OutputFile `json:"videos,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
}

// Files returns every file reference in the node output
func (n NodeOutput) Files() []OutputFile {
	files := make([]OutputFile, 0, len(n.Images)+len(n.Videos)+len(n.Gifs))
	files = append(files, n.Images...)
	files = append(files, n.Videos...)
	files = append(files, n.Gifs...)
	return files
}

// HistoryStatus is the backend's terminal record for one prompt.
// Messages is a list of [event_name, payload] pairs.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed,omitempty"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// ErrorMessage extracts the execution error text from the status messages,
// falling back to a generic message when the payload shape is unexpected.
func (s HistoryStatus) ErrorMessage() string {
	for _, raw := range s.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil || name != "execution_error" {
			continue
		}
		var payload struct {
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &payload); err == nil && payload.ExceptionMessage != "" {
			return payload.ExceptionMessage
		}
	}
	return "execution failed"
}

// HistoryEntry is one prompt's record in /history
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// History maps prompt_id to its record
type History map[string]HistoryEntry

// QueueState is the backend's current queue
type QueueState struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// TotalLoad is the number of prompts running or waiting on the backend
func (q QueueState) TotalLoad() int {
	return len(q.Running) + len(q.Pending)
}

// UploadResponse acknowledges an upload into a backend folder
type UploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// WSMessage is one push message from the backend websocket
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsMessageData covers the data fields the tracker consumes
type wsMessageData struct {
	PromptID         string  `json:"prompt_id,omitempty"`
	Node             *string `json:"node,omitempty"`
	Value            int     `json:"value,omitempty"`
	Max              int     `json:"max,omitempty"`
	ExceptionMessage string  `json:"exception_message,omitempty"`
	NodeID           string  `json:"node_id,omitempty"`
}

// TrackingStatus is the tracker's verdict on a prompt
type TrackingStatus string

const (
	TrackingSuccess     TrackingStatus = "success"
	TrackingError       TrackingStatus = "error"
	TrackingInterrupted TrackingStatus = "interrupted"
	TrackingUnknown     TrackingStatus = "unknown"
)

// TrackingResult is the definitive outcome for one submitted prompt
type TrackingResult struct {
	Status  TrackingStatus `json:"status"`
	History *HistoryEntry  `json:"history,omitempty"`
	Error   string         `json:"error,omitempty"`
}
