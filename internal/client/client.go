// Package client provides an HTTP client for the tripflow server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// Client talks to the tripflow server's HTTP and WebSocket API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, uses the TRIPFLOW_SERVER_URL
// env var or defaults to localhost:8488. Timeout is configurable via
// TRIPFLOW_CLIENT_TIMEOUT (default 10m for large uploads).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("TRIPFLOW_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8488"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := 10 * time.Minute
	if t := os.Getenv("TRIPFLOW_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiError is the server's JSON error envelope.
type apiError struct {
	Error string `json:"error"`
}

func decodeResponse(resp *http.Response, wantStatus int, result any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("server error: %s - %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Ingest submits a job for a source the server can reach itself (a path
// under its source root or an s3:// ref). jobID may be empty; the server
// then generates one.
func (c *Client) Ingest(ctx context.Context, jobID, sourceRef string) (*models.IngestionJob, error) {
	reqBody, err := json.Marshal(map[string]string{
		"job_id":     jobID,
		"source_ref": sourceRef,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ingest", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	var job models.IngestionJob
	if err := decodeResponse(resp, http.StatusAccepted, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Upload submits a job for a local CSV file by streaming it to the server.
func (c *Client) Upload(ctx context.Context, jobID, path string) (*models.IngestionJob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if jobID != "" {
		if err := mw.WriteField("job_id", jobID); err != nil {
			return nil, fmt.Errorf("build form: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ingest", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	var job models.IngestionJob
	if err := decodeResponse(resp, http.StatusAccepted, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Status fetches the current job record.
func (c *Client) Status(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	var job models.IngestionJob
	if err := decodeResponse(resp, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches all known jobs, most recently submitted first.
func (c *Client) ListJobs(ctx context.Context) ([]models.IngestionJob, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	var result struct {
		Jobs []models.IngestionJob `json:"jobs"`
	}
	if err := decodeResponse(resp, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// Watch streams progress snapshots for a job over WebSocket. The onSnapshot
// callback is invoked for each snapshot; return an error from it to abort.
// Watch returns nil when the job reaches a terminal state and the server
// closes the stream normally.
func (c *Client) Watch(ctx context.Context, jobID string, onSnapshot func(models.ProgressSnapshot) error) error {
	wsURL := c.baseURL + "/ws/" + jobID
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return fmt.Errorf("job %s not found", jobID)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Close the connection on context cancellation to unblock ReadJSON.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var snap models.ProgressSnapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		if err := onSnapshot(snap); err != nil {
			return err
		}
		if snap.Status.Terminal() {
			return nil
		}
	}
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// Stats fetches server runtime statistics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	var stats map[string]any
	if err := decodeResponse(resp, http.StatusOK, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}
