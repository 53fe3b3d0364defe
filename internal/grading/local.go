package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
)

// ClassifyRequest is the body of POST /classify on the local classifier sidecar.
type ClassifyRequest struct {
	QuestionID    string              `json:"question_id"`
	Prompt        string              `json:"prompt"`
	StudentAnswer string              `json:"student_answer"`
	CorrectAnswer string              `json:"correct_answer,omitempty"`
	QuestionType  models.QuestionType `json:"question_type,omitempty"`
	Complexity    models.Complexity   `json:"complexity"`
}

// ClassifyResponse is the sidecar's verdict for one question.
type ClassifyResponse struct {
	Score         float64 `json:"score" validate:"gte=0,lte=100"`
	IsCorrect     bool    `json:"is_correct"`
	Confidence    float64 `json:"confidence" validate:"gte=0,lte=1"`
	Rationale     string  `json:"rationale"`
	Misconception *string `json:"misconception,omitempty"`
}

type healthResponse struct {
	ModelVersion string `json:"model_version"`
}

// LocalAdapter grades questions one at a time through the local classifier sidecar.
type LocalAdapter struct {
	baseURL      string
	client       *http.Client
	scorer       *Scorer
	validate     *validator.Validator
	log          *utils.ServiceLogger
	maxBatchSize int
	timeout      time.Duration
}

func NewLocalAdapter(baseURL string, scorer *Scorer, v *validator.Validator, logger utils.Logger, maxBatchSize int, timeout time.Duration) *LocalAdapter {
	return &LocalAdapter{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		scorer:       scorer,
		validate:     v,
		log:          utils.NewServiceLogger(logger, utils.LogConfig{Service: "grading", Component: "local_adapter"}),
		maxBatchSize: maxBatchSize,
		timeout:      timeout,
	}
}

func (a *LocalAdapter) Kind() models.EngineKind { return models.EngineLocal }
func (a *LocalAdapter) MaxBatchSize() int       { return a.maxBatchSize }
func (a *LocalAdapter) Timeout() time.Duration  { return a.timeout }

// GradeBatch never returns an error: a failed chunk is re-graded by the rule scorer.
func (a *LocalAdapter) GradeBatch(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error) {
	start := time.Now()
	results := make([]models.GradedAnswer, 0, len(questions))

	for _, chunk := range Chunk(questions, a.maxBatchSize) {
		graded, err := a.gradeChunk(ctx, chunk)
		if err != nil {
			cid := NewCorrelationID()
			a.log.LogFallback(ctx, string(models.EngineLocal), questionIDs(chunk), cid, err)
			graded = RuleFallbackBatch(a.scorer, chunk, fmt.Sprintf("local classifier failed: %v (ref %s)", err, cid))
		}
		results = append(results, graded...)
	}

	return NewBatchResult(results, time.Since(start)), nil
}

func (a *LocalAdapter) gradeChunk(ctx context.Context, chunk []models.QuestionInput) ([]models.GradedAnswer, error) {
	out := make([]models.GradedAnswer, 0, len(chunk))
	for _, q := range chunk {
		resp, err := a.classify(ctx, q)
		if err != nil {
			return nil, apperrors.NewEngineError(string(models.EngineLocal), "classify "+q.ID, err)
		}
		answer := models.GradedAnswer{
			QuestionID: q.ID,
			Score:      resp.Score,
			IsCorrect:  resp.IsCorrect,
			Rationale:  resp.Rationale,
			Model:      models.EngineLocal,
			Confidence: resp.Confidence,
		}
		if q.RequestMisconceptions {
			answer.MisconceptionCategory = resp.Misconception
		}
		ApplyPoints(&answer, q)
		out = append(out, answer)
	}
	return out, nil
}

func (a *LocalAdapter) classify(ctx context.Context, q models.QuestionInput) (*ClassifyResponse, error) {
	body, err := json.Marshal(ClassifyRequest{
		QuestionID:    q.ID,
		Prompt:        q.Prompt,
		StudentAnswer: q.StudentAnswer,
		CorrectAnswer: q.Expected(),
		QuestionType:  q.QuestionType,
		Complexity:    DetectComplexity(q),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var out ClassifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := a.validate.Validate(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	return &out, nil
}

// Health calls GET /health on the sidecar and returns its model version.
func (a *LocalAdapter) Health(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	var health healthResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&health); decodeErr != nil {
		return "", nil
	}
	return health.ModelVersion, nil
}

func questionIDs(questions []models.QuestionInput) []string {
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	return ids
}
