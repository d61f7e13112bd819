package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// SummEval endpoints
const (
	EndpointProjects       = "/api/projects/"
	EndpointFullTexts      = "/api/fulltexts/"
	EndpointAutoEvaluation = "/api/auto-evaluation/"
)

func taskFromCacheEndpoint(cacheKey string) string {
	return "/api/tasks/from-cache/" + url.PathEscape(cacheKey)
}

func taskStatusEndpoint(taskID string) string {
	return "/api/tasks/" + url.PathEscape(taskID) + "/status"
}

// ProjectInput holds the non-tabular fields of a project.
type ProjectInput struct {
	Name        string
	Description string
	Tags        []string
}

// Project is a created project record.
type Project struct {
	PK          int
	Name        string
	Description string
}

// serializedRecord is one element of a Django serializer("json") response.
type serializedRecord struct {
	Model  string                 `json:"model"`
	PK     int                    `json:"pk"`
	Fields map[string]interface{} `json:"fields"`
}

// CreateProject creates the parent project. Tags are sent comma-joined.
func (c *Client) CreateProject(ctx context.Context, in ProjectInput) (*Project, error) {
	resp, err := c.PostMultipart(ctx, EndpointProjects, map[string]string{
		"name":        in.Name,
		"description": in.Description,
		"tags":        strings.Join(in.Tags, ","),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newAPIError(resp)
	}

	var records []serializedRecord
	if err := sonic.Unmarshal(resp.Body(), &records); err != nil {
		return nil, fmt.Errorf("decode project response: %w", err)
	}
	if len(records) == 0 || records[0].PK == 0 {
		return nil, fmt.Errorf("decode project response: no project record returned")
	}

	project := &Project{PK: records[0].PK}
	if name, ok := records[0].Fields["name"].(string); ok {
		project.Name = name
	}
	if desc, ok := records[0].Fields["description"].(string); ok {
		project.Description = desc
	}
	return project, nil
}

// FullTextChunk is one chunk upload of a project's full texts.
type FullTextChunk struct {
	ProjectPK              int
	FullTextColumn         string
	ReferenceSummaryColumn string
	ChunkIndex             int
	ChunkSize              int
	FileName               string
	Content                io.Reader
}

// UploadFullTextChunk uploads one CSV chunk attached to a project.
func (c *Client) UploadFullTextChunk(ctx context.Context, chunk FullTextChunk) error {
	resp, err := c.PostMultipart(ctx, EndpointFullTexts, map[string]string{
		"project":                  strconv.Itoa(chunk.ProjectPK),
		"full_text_column":         chunk.FullTextColumn,
		"reference_summary_column": chunk.ReferenceSummaryColumn,
		"chunk_index":              strconv.Itoa(chunk.ChunkIndex),
		"chunk_size":               strconv.Itoa(chunk.ChunkSize),
	}, &FilePart{
		Param:    "csv_file",
		FileName: chunk.FileName,
		Reader:   chunk.Content,
	})
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", chunk.ChunkIndex, err)
	}
	if !resp.IsSuccess() {
		return newAPIError(resp)
	}
	return nil
}

// DeleteProject deletes a project and everything attached to it.
func (c *Client) DeleteProject(ctx context.Context, pk int) error {
	resp, err := c.Delete(ctx, EndpointProjects, map[string]string{"pk": strconv.Itoa(pk)})
	if err != nil {
		return fmt.Errorf("delete project %d: %w", pk, err)
	}
	if !resp.IsSuccess() {
		return newAPIError(resp)
	}
	return nil
}

// ResolveTaskID looks up the task currently cached under cacheKey.
// It returns "" and no error when nothing is pending for the key.
func (c *Client) ResolveTaskID(ctx context.Context, cacheKey string) (string, error) {
	resp, err := c.Get(ctx, taskFromCacheEndpoint(cacheKey), nil)
	if err != nil {
		return "", fmt.Errorf("resolve task %q: %w", cacheKey, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if !resp.IsSuccess() {
		return "", newAPIError(resp)
	}
	if len(resp.Body()) == 0 {
		return "", nil
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode task id: %w", err)
	}
	return out.TaskID, nil
}

// Phase is an active phase of a running task.
type Phase struct {
	Name     string  `json:"name"`
	Progress float64 `json:"progress"`
}

// TaskStatus is the backend view of an asynchronous task.
type TaskStatus struct {
	State           string      `json:"state"`
	Progress        *float64    `json:"progress,omitempty"`
	ActivePhases    []Phase     `json:"active_phases,omitempty"`
	CompletedPhases []string    `json:"completed_phases,omitempty"`
	Result          interface{} `json:"result,omitempty"`
	Error           interface{} `json:"error,omitempty"`
}

// GetTaskStatus fetches the current status of a task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	resp, err := c.Get(ctx, taskStatusEndpoint(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("task status %s: %w", taskID, err)
	}
	if !resp.IsSuccess() {
		return nil, newAPIError(resp)
	}

	var status TaskStatus
	if err := sonic.Unmarshal(resp.Body(), &status); err != nil {
		return nil, fmt.Errorf("decode task status: %w", err)
	}
	if status.State == "" {
		return nil, fmt.Errorf("decode task status: missing state")
	}
	return &status, nil
}

// AutoEvaluationRequest enqueues a metric computation for an experiment.
type AutoEvaluationRequest struct {
	Experiment int    `json:"experiment"`
	Metric     string `json:"metric"`
	APIKey     string `json:"api_key,omitempty"`
}

// AutoEvaluationResponse describes the enqueued task.
type AutoEvaluationResponse struct {
	TaskID             string `json:"task_id"`
	StatusEndpoint     string `json:"status_endpoint"`
	MonitoringInterval int    `json:"monitoring_interval"`
}

// EnqueueAutoEvaluation starts a metric computation on the backend.
func (c *Client) EnqueueAutoEvaluation(ctx context.Context, req AutoEvaluationRequest) (*AutoEvaluationResponse, error) {
	resp, err := c.PostJSON(ctx, EndpointAutoEvaluation, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s for experiment %d: %w", req.Metric, req.Experiment, err)
	}
	if !resp.IsSuccess() {
		return nil, newAPIError(resp)
	}

	var out AutoEvaluationResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode auto-evaluation response: %w", err)
	}
	return &out, nil
}
