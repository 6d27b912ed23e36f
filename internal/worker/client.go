package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/me/ledispatch/pkg/model"
)

// Client communicates with the dispatch server API on behalf of a worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	workerID   string
	workerKey  string // Optional: shared secret for worker authentication
}

// NewClient creates a new worker API client with connection pooling.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// SetWorkerKey sets the shared secret for worker authentication.
func (c *Client) SetWorkerKey(key string) {
	c.workerKey = key
}

// WorkerID returns the registered worker ID.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Registration is the worker description sent on registration.
type Registration struct {
	Name           string               `json:"name"`
	Hostname       string               `json:"hostname"`
	APIVersion     string               `json:"api_version"`
	AnalysisTypes  []model.AnalysisType `json:"analysis_types,omitempty"`
	Continuous     *bool                `json:"continuous,omitempty"`
	ExperimentName string               `json:"experiment_name,omitempty"`
}

// Register registers the worker with the server and stores the worker ID.
func (c *Client) Register(ctx context.Context, reg Registration) (*model.Worker, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/workers", body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var worker model.Worker
	if err := decodeResponseData(resp, &worker); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	c.workerID = worker.ID
	return &worker, nil
}

// Heartbeat sends a heartbeat to update last_seen.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/workers/%s/heartbeat", c.workerID), nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Checkout requests work from the server. Returns nil if no work available (204).
func (c *Client) Checkout(ctx context.Context) (*model.WorkItem, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/workers/%s/work", c.workerID), nil)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}

	var item model.WorkItem
	if err := decodeResponseData(resp, &item); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	return &item, nil
}

// ReportOutcome sends the final result of a checked-out task.
func (c *Client) ReportOutcome(ctx context.Context, taskID string, outcome model.TaskOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/workers/%s/tasks/%s/complete", c.workerID, taskID), body)
	if err != nil {
		return fmt.Errorf("report outcome: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Deregister removes the worker from the server.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodDelete,
		fmt.Sprintf("/api/v1/workers/%s", c.workerID), nil)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	resp.Body.Close()
	return nil
}

// doRequest executes an HTTP request and returns the response. Responses
// with status >= 400 are turned into errors, using the envelope's APIError
// when the body carries one.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Add worker authentication header if set.
	if c.workerKey != "" {
		req.Header.Set("X-Worker-Key", c.workerKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var env struct {
			Error *model.APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &env) == nil && env.Error != nil {
			return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, env.Error)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}

	return json.Unmarshal(envelope.Data, dest)
}
