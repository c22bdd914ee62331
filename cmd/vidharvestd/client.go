package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/jobs"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// jobView mirrors the API's job payload.
type jobView struct {
	ID              string            `json:"id"`
	State           jobs.State        `json:"state"`
	URL             string            `json:"url"`
	Quality         string            `json:"quality"`
	Format          string            `json:"format"`
	Platform        string            `json:"platform"`
	Priority        int               `json:"priority"`
	Enhancements    jobs.Enhancements `json:"enhancements"`
	ProgressPercent int               `json:"progress_percent"`
	StageLabel      string            `json:"stage_label"`
	ArtifactPath    string            `json:"artifact_path"`
	ErrorMessage    string            `json:"error_message"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	ReadyAt         *time.Time        `json:"ready_at"`
}

type historyView struct {
	JobID        string     `json:"JobID"`
	URL          string     `json:"URL"`
	Platform     string     `json:"Platform"`
	Format       string     `json:"Format"`
	Quality      string     `json:"Quality"`
	Enhanced     bool       `json:"Enhanced"`
	Outcome      jobs.State `json:"Outcome"`
	ErrorMessage string     `json:"ErrorMessage"`
	Attempts     int        `json:"Attempts"`
	FinishedAt   time.Time  `json:"FinishedAt"`
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned status %d", e.StatusCode)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &apiError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) createJob(ctx context.Context, payload map[string]any) (jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodPost, "/api/jobs", payload, &job)
	return job, err
}

func (c *apiClient) listJobs(ctx context.Context) ([]jobView, error) {
	var body struct {
		Jobs []jobView `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &body)
	return body.Jobs, err
}

func (c *apiClient) getJob(ctx context.Context, id string) (jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+id, nil, &job)
	return job, err
}

func (c *apiClient) cancelJob(ctx context.Context, id string) (jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodDelete, "/api/jobs/"+id, nil, &job)
	return job, err
}

func (c *apiClient) confirmDelivery(ctx context.Context, id string) (jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/delivered", nil, &job)
	return job, err
}

func (c *apiClient) status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

func (c *apiClient) history(ctx context.Context, limit int) ([]historyView, error) {
	var body struct {
		Entries []historyView `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/history?limit=%d", limit), nil, &body)
	return body.Entries, err
}

// watchEvents streams server-sent events, invoking handle per event until
// the context ends or the stream closes.
func (c *apiClient) watchEvents(ctx context.Context, handle func(data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/events", nil)
	if err != nil {
		return err
	}
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{StatusCode: resp.StatusCode}
	}

	scanner := newSSEScanner(resp.Body)
	for scanner.Scan() {
		if data := scanner.Data(); len(data) > 0 {
			handle(data)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
