package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"summeval-sync/internal/fakeserver"
)

func newTestClient(t *testing.T) (*Client, *fakeserver.Server) {
	t.Helper()
	backend := fakeserver.New()
	srv := backend.Start()
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, Options{Timeout: 5 * time.Second}), backend
}

func TestBuildURL(t *testing.T) {
	t.Run("Should join base URL and endpoint with one slash", func(t *testing.T) {
		c := NewClient("http://localhost:8000/", Options{})
		assert.Equal(t, "http://localhost:8000/api/projects/", c.buildURL("/api/projects/"))
		assert.Equal(t, "http://localhost:8000/api/projects/", c.buildURL("api/projects/"))
		assert.Equal(t, "http://localhost:8000", c.BaseURL())
	})

	t.Run("Should escape cache keys in the path", func(t *testing.T) {
		assert.Equal(t, "/api/tasks/from-cache/a%2Fb", taskFromCacheEndpoint("a/b"))
		assert.Equal(t, "/api/tasks/abc/status", taskStatusEndpoint("abc"))
	})
}

func TestProjects(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create a project and read its pk", func(t *testing.T) {
		c, backend := newTestClient(t)

		p, err := c.CreateProject(ctx, ProjectInput{Name: "News", Description: "CNN/DM", Tags: []string{"a", "b"}})
		require.NoError(t, err)
		assert.Equal(t, 1, p.PK)
		assert.Equal(t, "News", p.Name)
		assert.Equal(t, 1, backend.Creates())
	})

	t.Run("Should surface a rejected creation as APIError", func(t *testing.T) {
		c, backend := newTestClient(t)
		backend.FailCreate(http.StatusBadRequest)

		_, err := c.CreateProject(ctx, ProjectInput{Name: "News"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "Project could not be created.", apiErr.Message)
	})

	t.Run("Should delete a project by pk", func(t *testing.T) {
		c, backend := newTestClient(t)
		p, err := c.CreateProject(ctx, ProjectInput{Name: "News"})
		require.NoError(t, err)

		require.NoError(t, c.DeleteProject(ctx, p.PK))
		assert.Equal(t, 1, backend.Deletes(p.PK))
		assert.False(t, backend.ProjectExists(p.PK))
	})
}

func TestUploadFullTextChunk(t *testing.T) {
	ctx := context.Background()

	t.Run("Should upload a chunk as multipart form", func(t *testing.T) {
		c, backend := newTestClient(t)
		p, err := c.CreateProject(ctx, ProjectInput{Name: "News"})
		require.NoError(t, err)

		err = c.UploadFullTextChunk(ctx, FullTextChunk{
			ProjectPK:              p.PK,
			FullTextColumn:         "text",
			ReferenceSummaryColumn: "summary",
			ChunkIndex:             0,
			ChunkSize:              10,
			FileName:               "chunk_1.csv",
			Content:                strings.NewReader("text,summary\nt1,s1\nt2,s2\n"),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, backend.StoredRows(p.PK))
		assert.Equal(t, 1, backend.ChunkSuccesses(0))
	})

	t.Run("Should decode structured error code", func(t *testing.T) {
		c, _ := newTestClient(t)
		p, err := c.CreateProject(ctx, ProjectInput{Name: "News"})
		require.NoError(t, err)

		err = c.UploadFullTextChunk(ctx, FullTextChunk{
			ProjectPK:      p.PK,
			FullTextColumn: "missing",
			FileName:       "chunk_1.csv",
			Content:        strings.NewReader("text,summary\nt1,s1\n"),
		})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Equal(t, "missing_attributes", apiErr.Code)
		assert.Equal(t, fakeserver.MsgMissingAttributes, apiErr.Message)
	})

	t.Run("Should decode error sent as text/html", func(t *testing.T) {
		c, backend := newTestClient(t)
		backend.OnChunk(func(_ *gin.Context, _, _ int) int { return http.StatusInternalServerError })

		err := c.UploadFullTextChunk(ctx, FullTextChunk{ProjectPK: 1, ChunkIndex: 3, FileName: "chunk_4.csv", Content: strings.NewReader("a\n1\n")})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "chunk 3 rejected", apiErr.Message)
		assert.Equal(t, 1, backend.ChunkAttempts(3), "uploads are never retried by the client")
	})
}

func TestTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("Should report no task on 404", func(t *testing.T) {
		c, backend := newTestClient(t)

		id, err := c.ResolveTaskID(ctx, "42")
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.Equal(t, 1, backend.Resolves("42"))
	})

	t.Run("Should resolve a cached task and read its status", func(t *testing.T) {
		c, backend := newTestClient(t)
		backend.CacheTask("42", "task-1", fakeserver.Status{State: "PROGRESS", Progress: fakeserver.Progress(12.5)})

		id, err := c.ResolveTaskID(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "task-1", id)

		status, err := c.GetTaskStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "PROGRESS", status.State)
		require.NotNil(t, status.Progress)
		assert.InDelta(t, 12.5, *status.Progress, 0.001)
	})

	t.Run("Should enqueue an auto evaluation", func(t *testing.T) {
		c, backend := newTestClient(t)

		out, err := c.EnqueueAutoEvaluation(ctx, AutoEvaluationRequest{Experiment: 7, Metric: "rouge"})
		require.NoError(t, err)
		assert.NotEmpty(t, out.TaskID)
		assert.Equal(t, 1, backend.Enqueues())

		id, err := c.ResolveTaskID(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, out.TaskID, id)
	})
}

func TestRetryPolicy(t *testing.T) {
	t.Run("Should retry GET on 503 but never POST", func(t *testing.T) {
		var gets, posts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				gets.Add(1)
			} else {
				posts.Add(1)
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, Options{RetryCount: 2})
		c.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

		_, err := c.GetTaskStatus(context.Background(), "t")
		require.Error(t, err)
		_, err = c.EnqueueAutoEvaluation(context.Background(), AutoEvaluationRequest{Experiment: 1, Metric: "rouge"})
		require.Error(t, err)

		assert.Equal(t, int32(3), gets.Load())
		assert.Equal(t, int32(1), posts.Load())
	})

	t.Run("Should cut a long text error on a character boundary", func(t *testing.T) {
		body := strings.Repeat("x", maxMessageBytes-1) + strings.Repeat("é", 10)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(body))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, Options{})
		err := c.DeleteProject(context.Background(), 1)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, utf8.ValidString(apiErr.Message))
		assert.LessOrEqual(t, len(apiErr.Message), maxMessageBytes)
		assert.Equal(t, strings.Repeat("x", maxMessageBytes-1), apiErr.Message)
	})

	t.Run("Should send bearer token", func(t *testing.T) {
		var auth atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth.Store(r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, Options{Token: "secret"})
		_, err := c.ResolveTaskID(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "Bearer secret", auth.Load())
	})
}
