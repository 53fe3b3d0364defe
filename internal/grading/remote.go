package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const remoteAttempts = 2

// RemoteGrade is one entry of the remote grader's JSON response.
type RemoteGrade struct {
	QuestionID            string  `json:"question_id"`
	Score                 float64 `json:"score" validate:"gte=0,lte=100"`
	IsCorrect             bool    `json:"is_correct"`
	Rationale             string  `json:"rationale" validate:"required"`
	Confidence            float64 `json:"confidence" validate:"gte=0,lte=1"`
	MisconceptionCategory *string `json:"misconception_category,omitempty"`
}

type remoteResponse struct {
	Results []json.RawMessage `json:"results"`
}

type RemoteOptions struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float32
	RequestsPerSecond float64
	MaxBatchSize      int
	Timeout           time.Duration
}

// RemoteAdapter grades chunks with an OpenAI-compatible chat completion endpoint.
type RemoteAdapter struct {
	api      *openai.Client
	opts     RemoteOptions
	limiter  *rate.Limiter
	scorer   *Scorer
	validate *validator.Validator
	log      *utils.ServiceLogger
}

func NewRemoteAdapter(opts RemoteOptions, scorer *Scorer, v *validator.Validator, logger utils.Logger) *RemoteAdapter {
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	return &RemoteAdapter{
		api:      openai.NewClientWithConfig(config),
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		scorer:   scorer,
		validate: v,
		log:      utils.NewServiceLogger(logger, utils.LogConfig{Service: "grading", Component: "remote_adapter"}),
	}
}

func (a *RemoteAdapter) Kind() models.EngineKind { return models.EngineRemote }
func (a *RemoteAdapter) MaxBatchSize() int       { return a.opts.MaxBatchSize }
func (a *RemoteAdapter) Timeout() time.Duration  { return a.opts.Timeout }

// GradeBatch never returns an error. Transport failures are re-graded by the rule scorer;
// malformed or missing entries become zero-score fallback results.
func (a *RemoteAdapter) GradeBatch(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error) {
	start := time.Now()
	results := make([]models.GradedAnswer, 0, len(questions))

	for _, chunk := range Chunk(questions, a.opts.MaxBatchSize) {
		raw, err := a.complete(ctx, chunk)
		if err != nil {
			cid := NewCorrelationID()
			a.log.LogFallback(ctx, string(models.EngineRemote), questionIDs(chunk), cid, err)
			results = append(results, RuleFallbackBatch(a.scorer, chunk, fmt.Sprintf("remote grader failed: %v (ref %s)", err, cid))...)
			continue
		}
		results = append(results, a.parse(ctx, chunk, raw)...)
	}

	return NewBatchResult(results, time.Since(start)), nil
}

func (a *RemoteAdapter) complete(ctx context.Context, chunk []models.QuestionInput) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: a.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildBatchPrompt(chunk)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: a.opts.Temperature,
	}

	var lastErr error
	for attempt := 0; attempt < remoteAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", apperrors.NewEngineError(string(models.EngineRemote), "rate limiter", err)
		}
		resp, err := a.api.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(resp.Choices) == 0 {
			return "", apperrors.NewEngineError(string(models.EngineRemote), "empty completion", apperrors.ErrMalformedResponse)
		}
		return resp.Choices[0].Message.Content, nil
	}
	return "", apperrors.NewEngineError(string(models.EngineRemote), "chat completion", lastErr)
}

// parse validates the raw completion and aligns it with chunk: entries are matched by question_id,
// then by position; missing entries are padded and extra entries dropped.
func (a *RemoteAdapter) parse(ctx context.Context, chunk []models.QuestionInput, raw string) []models.GradedAnswer {
	out := make([]models.GradedAnswer, len(chunk))

	var resp remoteResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil || resp.Results == nil {
		if err == nil {
			err = fmt.Errorf("missing results array")
		}
		cid := NewCorrelationID()
		a.log.LogFallback(ctx, string(models.EngineRemote), questionIDs(chunk), cid, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err))
		for i, q := range chunk {
			out[i] = FallbackResult(q, models.EngineRemote, "unparseable response from remote grader", cid)
		}
		return out
	}

	if len(resp.Results) != len(chunk) {
		a.log.LogFallback(ctx, string(models.EngineRemote), questionIDs(chunk), NewCorrelationID(),
			fmt.Errorf("result count mismatch: got %d, want %d", len(resp.Results), len(chunk)))
	}

	indexByID := make(map[string]int, len(chunk))
	for i, q := range chunk {
		indexByID[q.ID] = i
	}

	grades := make([]*RemoteGrade, len(resp.Results))
	gradeErrs := make([]error, len(resp.Results))
	for i, entry := range resp.Results {
		var g RemoteGrade
		if err := json.Unmarshal(entry, &g); err != nil {
			gradeErrs[i] = err
			continue
		}
		grades[i] = &g
		gradeErrs[i] = a.validate.Validate(&g)
	}

	assigned := make([]bool, len(chunk))
	used := make([]bool, len(grades))
	for j, g := range grades {
		if g == nil {
			continue
		}
		if i, ok := indexByID[g.QuestionID]; ok && !assigned[i] {
			out[i] = a.toAnswer(ctx, chunk[i], g, gradeErrs[j])
			assigned[i], used[j] = true, true
		}
	}
	for i, q := range chunk {
		if assigned[i] {
			continue
		}
		if i < len(grades) && !used[i] {
			if g := grades[i]; g == nil || !isKnownID(indexByID, g.QuestionID) {
				out[i] = a.toAnswer(ctx, q, g, gradeErrs[i])
				assigned[i], used[i] = true, true
				continue
			}
		}
		cid := NewCorrelationID()
		out[i] = FallbackResult(q, models.EngineRemote, "remote grader returned no result for this question", cid)
		out[i].SetFlag(models.FlagPadded)
	}
	return out
}

func isKnownID(index map[string]int, id string) bool {
	_, ok := index[id]
	return ok
}

func (a *RemoteAdapter) toAnswer(ctx context.Context, q models.QuestionInput, g *RemoteGrade, validationErr error) models.GradedAnswer {
	if g == nil || validationErr != nil {
		cid := NewCorrelationID()
		cause := validationErr
		if cause == nil {
			cause = apperrors.ErrMalformedResponse
		}
		a.log.LogFallback(ctx, string(models.EngineRemote), []string{q.ID}, cid, cause)
		return FallbackResult(q, models.EngineRemote, "remote result failed schema validation: "+cause.Error(), cid)
	}
	answer := models.GradedAnswer{
		QuestionID:            q.ID,
		Score:                 g.Score,
		IsCorrect:             g.IsCorrect,
		Rationale:             g.Rationale,
		Model:                 models.EngineRemote,
		Confidence:            g.Confidence,
		MisconceptionCategory: g.MisconceptionCategory,
	}
	ApplyPoints(&answer, q)
	return answer
}

const systemPrompt = `You are an exam grader. Grade every numbered student answer against its question and reference answer.
Respond with a JSON object of the form:
{"results":[{"question_id":"<id>","score":<0-100>,"is_correct":<bool>,"rationale":"<short explanation>","confidence":<0-1>,"misconception_category":"<category or null>"}]}
Return exactly one entry per question, in the order given. Only fill misconception_category when it is requested.`

func buildBatchPrompt(chunk []models.QuestionInput) string {
	var sb strings.Builder
	for i, q := range chunk {
		sb.WriteString(fmt.Sprintf("%d. QUESTION_ID: %s\n", i+1, q.ID))
		if q.QuestionType != "" {
			sb.WriteString("TYPE: " + string(q.QuestionType) + "\n")
		}
		sb.WriteString("QUESTION: " + q.Prompt + "\n")
		if q.HasExpected() {
			sb.WriteString("REFERENCE ANSWER: " + q.Expected() + "\n")
		}
		if len(q.SkillTags) > 0 {
			sb.WriteString("SKILLS: " + strings.Join(q.SkillTags, ", ") + "\n")
		}
		sb.WriteString("STUDENT ANSWER: " + q.StudentAnswer + "\n")
		if q.RequestMisconceptions {
			sb.WriteString("IDENTIFY MISCONCEPTION: yes\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
