package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// BusinessContext describes the business a program is planned for.
type BusinessContext struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Scale       string   `json:"scale"`
	Description string   `json:"description"`
	Industry    string   `json:"industry,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Constraints bound the generated plan.
type Constraints struct {
	Budget      *float64 `json:"budget,omitempty"`
	Deadline    *string  `json:"deadline,omitempty"`
	Regulations []string `json:"regulations,omitempty"`
}

// GenerateRequest is the input for start-job and generate-program.
type GenerateRequest struct {
	BusinessContext BusinessContext `json:"businessContext"`
	Constraints     *Constraints    `json:"constraints,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
}

// Job represents the API job model (partial).
type Job struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CurrentRound int    `json:"currentRound"`
	TotalRounds  int    `json:"totalRounds"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// Program is the generated plan (partial model; Raw on GeneratorOutput
// carries the full document).
type Program struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	OverallConfidence float64 `json:"overallConfidence"`
}

// Metadata describes how a program was generated.
type Metadata struct {
	Generator          string  `json:"generator"`
	GeneratedAt        string  `json:"generatedAt"`
	Confidence         float64 `json:"confidence"`
	RoundsCompleted    int     `json:"roundsCompleted"`
	AgentsParticipated int     `json:"agentsParticipated"`
	KnowledgeEmissions int     `json:"knowledgeEmissions"`
	GenerationTimeMs   int64   `json:"generationTimeMs"`
}

// GeneratorOutput is a generation result. Raw holds the complete response
// body for callers that need workstreams, risks, or the knowledge ledger.
type GeneratorOutput struct {
	Program  Program         `json:"program"`
	Metadata Metadata        `json:"metadata"`
	Raw      json.RawMessage `json:"-"`
}

// Event is one job lifecycle log entry.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	JobID   string         `json:"jobId"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventsPage wraps event listings with a cursor.
type EventsPage struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"nextCursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrJobFailed is returned by WaitForCompletion when the job fails.
var ErrJobFailed = errors.New("job failed")

// Health checks the service.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp, err
}

// StartJob submits an async generation job.
func (c *Client) StartJob(ctx context.Context, req GenerateRequest) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/start-job", req, &resp)
	return resp, err
}

// JobStatus fetches the current state of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/job-status/%s", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// JobResult fetches a job's result. While the job is still running the
// output is nil and the returned Job carries the progress snapshot.
func (c *Client) JobResult(ctx context.Context, jobID string) (*GeneratorOutput, Job, error) {
	endpoint := fmt.Sprintf("v0/job-result/%s", url.PathEscape(jobID))
	status, body, err := c.doRaw(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Job{}, err
	}
	if status == http.StatusAccepted {
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, Job{}, err
		}
		return nil, job, nil
	}
	out, err := decodeOutput(body)
	return out, Job{JobID: jobID, Status: "completed", Progress: 100}, err
}

// GenerateProgram runs generation synchronously.
func (c *Client) GenerateProgram(ctx context.Context, req GenerateRequest) (*GeneratorOutput, error) {
	_, body, err := c.doRaw(ctx, http.MethodPost, "v0/generate-program", req)
	if err != nil {
		return nil, err
	}
	return decodeOutput(body)
}

// JobEvents lists a job's lifecycle events after the given cursor.
func (c *Client) JobEvents(ctx context.Context, jobID string, after int64, limit int) (EventsPage, error) {
	endpoint := fmt.Sprintf("v0/jobs/%s/events", url.PathEscape(jobID))
	sep := "?"
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitForCompletion polls a job until it reaches a terminal state and
// returns its result. The poll interval defaults to two seconds.
func (c *Client) WaitForCompletion(ctx context.Context, jobID string, interval time.Duration) (*GeneratorOutput, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case "completed":
			out, _, err := c.JobResult(ctx, jobID)
			return out, err
		case "failed":
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func decodeOutput(body []byte) (*GeneratorOutput, error) {
	var out GeneratorOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	out.Raw = append(json.RawMessage(nil), body...)
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, data, err := c.doRaw(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body any) (int, []byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp.StatusCode, data, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
