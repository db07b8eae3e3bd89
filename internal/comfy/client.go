// -----------------------------------------------------------------------
// Client - HTTP client for one render backend
// -----------------------------------------------------------------------

package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one render backend. One instance per (address, client id);
// the client id scopes websocket messages to this caller.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// NewClient creates a client for the backend at address ("host:port" or URL)
func NewClient(address, clientID string, timeout time.Duration) *Client {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
	}
}

// Address returns the backend base URL
func (c *Client) Address() string {
	return c.baseURL
}

// ClientID returns the websocket client id
func (c *Client) ClientID() string {
	return c.clientID
}

// Submit posts a workflow definition and returns the backend's prompt id
func (c *Client) Submit(ctx context.Context, workflow map[string]interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    workflow,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	var resp SubmitResponse
	if err := c.postJSON(ctx, "/prompt", body, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("backend accepted prompt but returned no prompt_id")
	}
	return resp.PromptID, nil
}

// GetHistory returns the record for one prompt, or nil if the backend has
// not recorded it yet.
func (c *Client) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var history History
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// GetAllHistory returns every prompt record the backend retains
func (c *Client) GetAllHistory(ctx context.Context) (History, error) {
	var history History
	if err := c.getJSON(ctx, "/history", &history); err != nil {
		return nil, err
	}
	return history, nil
}

// GetQueue returns the backend's running and pending prompts
func (c *Client) GetQueue(ctx context.Context) (*QueueState, error) {
	var queue QueueState
	if err := c.getJSON(ctx, "/queue", &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

// Download fetches file bytes from a backend folder
func (c *Client) Download(ctx context.Context, filename, subfolder, kind string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if subfolder != "" {
		q.Set("subfolder", subfolder)
	}
	if kind == "" {
		kind = "output"
	}
	q.Set("type", kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readBackendError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Upload pushes file bytes into the backend's input folder. Overwrite is the
// default so retried uploads are safe.
func (c *Client) Upload(ctx context.Context, data []byte, filename, subfolder string, overwrite bool) (*UploadResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if subfolder != "" {
		if err := writer.WriteField("subfolder", subfolder); err != nil {
			return nil, err
		}
	}
	if err := writer.WriteField("overwrite", fmt.Sprintf("%t", overwrite)); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readBackendError(resp)
	}

	var ack UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &ack, nil
}

// ObjectInfo returns node metadata, optionally for one class
func (c *Client) ObjectInfo(ctx context.Context, class string) (map[string]interface{}, error) {
	path := "/object_info"
	if class != "" {
		path += "/" + url.PathEscape(class)
	}
	var info map[string]interface{}
	if err := c.getJSON(ctx, path, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ModelCategories returns the backend's model folder names
func (c *Client) ModelCategories(ctx context.Context) ([]string, error) {
	var categories []string
	if err := c.getJSON(ctx, "/models", &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// Models lists model files within one category
func (c *Client) Models(ctx context.Context, category string) ([]string, error) {
	var models []string
	if err := c.getJSON(ctx, "/models/"+url.PathEscape(category), &models); err != nil {
		return nil, err
	}
	return models, nil
}

// Embeddings lists the backend's embeddings
func (c *Client) Embeddings(ctx context.Context) ([]string, error) {
	var embeddings []string
	if err := c.getJSON(ctx, "/embeddings", &embeddings); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// SystemStats returns the backend's device and memory report
func (c *Client) SystemStats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.getJSON(ctx, "/system_stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Extensions lists the backend's installed extensions
func (c *Client) Extensions(ctx context.Context) ([]string, error) {
	var extensions []string
	if err := c.getJSON(ctx, "/extensions", &extensions); err != nil {
		return nil, err
	}
	return extensions, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readBackendError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readBackendError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func readBackendError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &BackendError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
