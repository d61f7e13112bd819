// Package evaluation enqueues automatic metric computations and hands the
// resulting task to the tracker.
package evaluation

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"summeval-sync/internal/api"
	"summeval-sync/internal/logging"
	"summeval-sync/internal/services/tracker"
)

// Metrics the backend can compute.
var Metrics = []string{
	"rouge",
	"meteor",
	"bleu",
	"bertscore",
	"bartscore",
	"unieval",
	"llm_evaluation",
	"factscore",
}

// MetricLLMEvaluation needs an LLM api key.
const MetricLLMEvaluation = "llm_evaluation"

// Enqueuer starts metric computations on the backend.
type Enqueuer interface {
	EnqueueAutoEvaluation(ctx context.Context, req api.AutoEvaluationRequest) (*api.AutoEvaluationResponse, error)
}

// Service enqueues metrics and tracks them under the experiment id.
type Service struct {
	client   Enqueuer
	registry *tracker.Registry
	logger   *log.Logger
}

// NewService creates an evaluation service.
func NewService(client Enqueuer, registry *tracker.Registry, logger *log.Logger) *Service {
	return &Service{
		client:   client,
		registry: registry,
		logger:   logging.OrDefault(logger),
	}
}

// Request is one metric computation.
type Request struct {
	ExperimentID int
	Metric       string
	APIKey       string
}

// Validate checks the request before it is sent.
func (r Request) Validate() error {
	if r.ExperimentID <= 0 {
		return fmt.Errorf("experiment id must be positive, got %d", r.ExperimentID)
	}
	if !slices.Contains(Metrics, r.Metric) {
		return fmt.Errorf("unknown metric %q (supported: %s)", r.Metric, strings.Join(Metrics, ", "))
	}
	if r.Metric == MetricLLMEvaluation && strings.TrimSpace(r.APIKey) == "" {
		return fmt.Errorf("metric %s requires an api key", MetricLLMEvaluation)
	}
	return nil
}

// CacheKey is the key the backend caches the experiment's task under.
func CacheKey(experimentID int) string {
	return strconv.Itoa(experimentID)
}

// Enqueue starts the metric and begins tracking it. The returned tracker is
// the one registered for the experiment's cache key.
func (s *Service) Enqueue(ctx context.Context, req Request) (*api.AutoEvaluationResponse, *tracker.Tracker, error) {
	req.Metric = strings.ToLower(strings.TrimSpace(req.Metric))
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	body := api.AutoEvaluationRequest{Experiment: req.ExperimentID, Metric: req.Metric}
	if req.Metric == MetricLLMEvaluation {
		body.APIKey = req.APIKey
	}

	resp, err := s.client.EnqueueAutoEvaluation(ctx, body)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue %s: %w", req.Metric, err)
	}
	s.logger.Info("✓ Metric enqueued", "experiment", req.ExperimentID, "metric", req.Metric, "task_id", resp.TaskID)

	t, tracking, err := s.registry.Track(ctx, CacheKey(req.ExperimentID))
	if err != nil {
		return resp, t, fmt.Errorf("track experiment %d: %w", req.ExperimentID, err)
	}
	if !tracking {
		s.logger.Warn("Task finished before tracking started", "experiment", req.ExperimentID)
	}
	return resp, t, nil
}
