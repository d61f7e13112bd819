// Package fakeserver is an in-memory SummEval backend for tests. It serves the
// project, full-text, task and auto-evaluation endpoints with gin, counts every
// call and lets a test inject faults or script task status sequences.
package fakeserver

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Known backend error messages.
const (
	MsgMissingAttributes = "Missing required attributes."
	MsgRowMismatch       = "CSV rows do not match project FullText count."
)

// Status is one scripted task status response.
type Status struct {
	State    string
	Progress *float64
	Result   interface{}
	Error    interface{}
}

// Progress returns a pointer to v, for building Status values.
func Progress(v float64) *float64 { return &v }

// ChunkHook decides the outcome of a chunk upload attempt. Returning 0 lets the
// server handle the upload normally; any other status is written as an error.
type ChunkHook func(c *gin.Context, index, attempt int) int

// Server is the fake backend.
type Server struct {
	mu sync.Mutex

	nextPK   int
	projects map[int]*project

	creates       int
	chunkAttempts map[int]int
	chunkOK       map[int]int
	deletes       map[int]int
	resolves      map[string]int
	statusCalls   map[string]int
	enqueues      int

	cache    map[string]string
	statuses map[string][]Status

	createStatus int
	chunkHook    ChunkHook
	statusFault  int

	engine *gin.Engine
}

type project struct {
	PK          int
	Name        string
	Description string
	Tags        string
	Rows        int
}

// New creates an empty fake backend.
func New() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		nextPK:        1,
		projects:      make(map[int]*project),
		chunkAttempts: make(map[int]int),
		chunkOK:       make(map[int]int),
		deletes:       make(map[int]int),
		resolves:      make(map[string]int),
		statusCalls:   make(map[string]int),
		cache:         make(map[string]string),
		statuses:      make(map[string][]Status),
	}

	r := gin.New()
	r.POST("/api/projects/", s.createProject)
	r.DELETE("/api/projects/", s.deleteProject)
	r.POST("/api/fulltexts/", s.uploadFullTexts)
	r.GET("/api/tasks/from-cache/:key", s.resolveTask)
	r.GET("/api/tasks/:id/status", s.taskStatus)
	r.POST("/api/auto-evaluation/", s.autoEvaluation)
	s.engine = r

	return s
}

// Handler returns the HTTP handler of the fake backend.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves the backend on a local listener. Close the returned server when done.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.engine)
}

// FailCreate makes every project creation answer with status.
func (s *Server) FailCreate(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createStatus = status
}

// OnChunk installs a hook consulted on every chunk upload attempt.
func (s *Server) OnChunk(hook ChunkHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkHook = hook
}

// FailStatus makes every task status request answer with status.
func (s *Server) FailStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFault = status
}

// CacheTask registers taskID under cacheKey and scripts its status responses.
// The last status repeats once the sequence is exhausted.
func (s *Server) CacheTask(cacheKey, taskID string, seq ...Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey] = taskID
	s.statuses[taskID] = seq
}

// Creates returns the number of project creation calls.
func (s *Server) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// ChunkAttempts returns the number of upload attempts for a chunk index.
func (s *Server) ChunkAttempts(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkAttempts[index]
}

// ChunkSuccesses returns the number of accepted uploads for a chunk index.
func (s *Server) ChunkSuccesses(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkOK[index]
}

// TotalChunkAttempts returns the number of chunk upload calls across all chunks.
func (s *Server) TotalChunkAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.chunkAttempts {
		total += n
	}
	return total
}

// StoredRows returns the number of data rows stored for a project.
func (s *Server) StoredRows(pk int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[pk]; ok {
		return p.Rows
	}
	return 0
}

// Deletes returns the number of delete calls for a project pk.
func (s *Server) Deletes(pk int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[pk]
}

// TotalDeletes returns the number of delete calls across all projects.
func (s *Server) TotalDeletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.deletes {
		total += n
	}
	return total
}

// ProjectExists reports whether a project is still stored.
func (s *Server) ProjectExists(pk int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.projects[pk]
	return ok
}

// Resolves returns the number of cache lookups for a key.
func (s *Server) Resolves(cacheKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolves[cacheKey]
}

// StatusCalls returns the number of status requests for a task.
func (s *Server) StatusCalls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls[taskID]
}

// TotalStatusCalls returns the number of status requests across all tasks.
func (s *Server) TotalStatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.statusCalls {
		total += n
	}
	return total
}

// Enqueues returns the number of accepted auto-evaluation requests.
func (s *Server) Enqueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueues
}

// writeJSON encodes with sonic, the way the rest of the module does.
func writeJSON(c *gin.Context, status int, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(status, "application/json", body)
}

func (s *Server) createProject(c *gin.Context) {
	s.mu.Lock()
	s.creates++
	fault := s.createStatus
	s.mu.Unlock()

	if fault != 0 {
		writeJSON(c, fault, gin.H{"error": "Project could not be created."})
		return
	}

	name := c.PostForm("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": MsgMissingAttributes, "code": "missing_attributes"})
		return
	}

	s.mu.Lock()
	p := &project{
		PK:          s.nextPK,
		Name:        name,
		Description: c.PostForm("description"),
		Tags:        c.PostForm("tags"),
	}
	s.projects[p.PK] = p
	s.nextPK++
	s.mu.Unlock()

	writeJSON(c, http.StatusCreated, []gin.H{{
		"model": "base.project",
		"pk":    p.PK,
		"fields": gin.H{
			"name":        p.Name,
			"description": p.Description,
			"tags":        strings.Split(p.Tags, ","),
		},
	}})
}

func (s *Server) deleteProject(c *gin.Context) {
	pk, err := strconv.Atoi(c.Query("pk"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid project id."})
		return
	}

	s.mu.Lock()
	s.deletes[pk]++
	_, ok := s.projects[pk]
	delete(s.projects, pk)
	s.mu.Unlock()

	if !ok {
		writeJSON(c, http.StatusNotFound, gin.H{"error": "Project not found."})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) uploadFullTexts(c *gin.Context) {
	index, _ := strconv.Atoi(c.PostForm("chunk_index"))

	s.mu.Lock()
	s.chunkAttempts[index]++
	attempt := s.chunkAttempts[index]
	hook := s.chunkHook
	s.mu.Unlock()

	if hook != nil {
		if status := hook(c, index, attempt); status != 0 {
			// Django answers server errors as text/html.
			c.Data(status, "text/html; charset=utf-8", []byte(fmt.Sprintf(`{"error": "chunk %d rejected"}`, index)))
			return
		}
	}

	pk, err := strconv.Atoi(c.PostForm("project"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": MsgMissingAttributes, "code": "missing_attributes"})
		return
	}

	fileHeader, err := c.FormFile("csv_file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": MsgMissingAttributes, "code": "missing_attributes"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil || len(records) == 0 {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid CSV file."})
		return
	}
	if !hasColumns(records[0], c.PostForm("full_text_column"), c.PostForm("reference_summary_column")) {
		writeJSON(c, http.StatusInternalServerError, gin.H{"error": MsgMissingAttributes, "code": "missing_attributes"})
		return
	}

	s.mu.Lock()
	p, ok := s.projects[pk]
	if ok {
		p.Rows += len(records) - 1
		s.chunkOK[index]++
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(c, http.StatusNotFound, gin.H{"error": "Project not found."})
		return
	}
	c.Status(http.StatusCreated)
}

func hasColumns(header []string, columns ...string) bool {
	for _, col := range columns {
		if col == "" {
			continue
		}
		found := false
		for _, h := range header {
			if h == col {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Server) resolveTask(c *gin.Context) {
	key := c.Param("key")

	s.mu.Lock()
	s.resolves[key]++
	taskID, ok := s.cache[key]
	s.mu.Unlock()

	if !ok {
		writeJSON(c, http.StatusNotFound, gin.H{"error": "Task ID not found in cache"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"task_id": taskID})
}

func (s *Server) taskStatus(c *gin.Context) {
	taskID := c.Param("id")

	s.mu.Lock()
	s.statusCalls[taskID]++
	fault := s.statusFault
	seq, ok := s.statuses[taskID]
	var next Status
	if ok && len(seq) > 0 {
		next = seq[0]
		if len(seq) > 1 {
			s.statuses[taskID] = seq[1:]
		}
	}
	s.mu.Unlock()

	if fault != 0 {
		writeJSON(c, fault, gin.H{"error": "An unexpected error occurred"})
		return
	}
	if !ok || len(seq) == 0 {
		next = Status{State: "PENDING"}
	}

	body := gin.H{"state": next.State}
	if next.Progress != nil {
		body["progress"] = *next.Progress
	}
	if next.Result != nil {
		body["result"] = next.Result
	}
	if next.Error != nil {
		body["error"] = next.Error
	}
	writeJSON(c, http.StatusOK, body)
}

var metrics = map[string]bool{
	"rouge": true, "meteor": true, "bleu": true, "bertscore": true,
	"bartscore": true, "unieval": true, "llm_evaluation": true, "factscore": true,
}

func (s *Server) autoEvaluation(c *gin.Context) {
	var req struct {
		Metric     string `json:"metric"`
		APIKey     string `json:"api_key"`
		Experiment int    `json:"experiment"`
	}
	body, err := c.GetRawData()
	if err != nil || sonic.Unmarshal(body, &req) != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid JSON."})
		return
	}
	if req.Experiment == 0 || !metrics[req.Metric] {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid metric or experiment."})
		return
	}
	if req.Metric == "llm_evaluation" && req.APIKey == "" {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "API key required for LLM evaluation."})
		return
	}

	taskID := uuid.NewString()
	key := strconv.Itoa(req.Experiment)

	s.mu.Lock()
	s.enqueues++
	s.cache[key] = taskID
	if _, scripted := s.statuses[taskID]; !scripted {
		s.statuses[taskID] = []Status{{State: "PROGRESS", Progress: Progress(50)}, {State: "SUCCESS", Progress: Progress(100)}}
	}
	s.mu.Unlock()

	writeJSON(c, http.StatusCreated, gin.H{
		"task_id":             taskID,
		"status_endpoint":     fmt.Sprintf("/api/tasks/%s/status", taskID),
		"monitoring_interval": 5,
	})
}
