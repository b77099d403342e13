// Package classifier assigns a taxonomy category to one email using an
// OpenAI-compatible chat completion endpoint.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"mailtriage/pkg/logger"
	"mailtriage/pkg/taxonomy"
)

// Priority is the urgency the classifier assigns to a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

const (
	fallbackConfidence = 0.1
	fallbackRationale  = "classification unavailable"
	defaultMaxBody     = 2000
	defaultTimeout     = 30 * time.Second
)

// Result is the outcome of classifying one message.
type Result struct {
	Category   taxonomy.Category `json:"category"`
	Confidence float64           `json:"confidence"`
	Priority   Priority          `json:"priority"`
	Sentiment  string            `json:"sentiment"`
	Rationale  []string          `json:"rationale"`
	// Fallback is set when the classifier could not produce an answer and
	// the fixed default was substituted.
	Fallback bool `json:"fallback"`
}

// Matched reports whether the result names a taxonomy category.
func (r Result) Matched() bool {
	return taxonomy.IsKnown(r.Category)
}

// FallbackResult is returned whenever the classification service fails or
// answers with something that cannot be parsed.
func FallbackResult() Result {
	return Result{
		Category:   taxonomy.Uncategorized,
		Confidence: fallbackConfidence,
		Priority:   PriorityMedium,
		Sentiment:  "neutral",
		Rationale:  []string{fallbackRationale},
		Fallback:   true,
	}
}

// Classifier classifies a single email. It never fails: degraded answers
// come back as FallbackResult.
type Classifier interface {
	Classify(ctx context.Context, subject, body, sender string) Result
}

// Config configures the OpenAI-backed classifier.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// MaxBodyChars bounds the body excerpt sent to the model.
	MaxBodyChars int
}

// OpenAIClassifier implements Classifier with go-openai.
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	maxBody int
	prompt  string
	log     *zap.Logger
}

func New(cfg Config) *OpenAIClassifier {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = defaultMaxBody
	}
	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		maxBody: cfg.MaxBodyChars,
		prompt:  SystemPrompt(),
		log:     logger.ServiceLogger("classifier"),
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, subject, body, sender string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.prompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(subject, truncate(body, c.maxBody), sender)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		c.log.Warn("Classification request failed, using fallback",
			zap.String("reason", failureReason(err)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return FallbackResult()
	}
	if len(resp.Choices) == 0 {
		c.log.Warn("Classification reply had no choices, using fallback")
		return FallbackResult()
	}

	result, err := ParseReply(resp.Choices[0].Message.Content)
	if err != nil {
		c.log.Warn("Classification reply unparseable, using fallback", zap.Error(err))
		return FallbackResult()
	}

	c.log.Debug("Classified message",
		zap.String("category", string(result.Category)),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("duration", time.Since(start)),
	)
	return result
}

func failureReason(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("api status %d", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("http status %d", reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport"
}

// SystemPrompt embeds the taxonomy and the reply schema.
func SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You classify business emails into exactly one category.\n\nCategories:\n")
	for _, d := range taxonomy.All() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Category, d.Description)
	}
	b.WriteString("\nIf none fits, use \"uncategorized\".\n")
	b.WriteString("Reply with a single JSON object and nothing else:\n")
	b.WriteString(`{"category": "<category id>", "confidence": <0.0-1.0>, "priority": "low|medium|high", "sentiment": "positive|neutral|negative", "rationale": ["<short reason>", ...]}`)
	return b.String()
}

// UserPrompt renders the message under classification.
func UserPrompt(subject, body, sender string) string {
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", sender, subject, body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*l = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type reply struct {
	Category   string     `json:"category"`
	Confidence *float64   `json:"confidence"`
	Priority   string     `json:"priority"`
	Sentiment  string     `json:"sentiment"`
	Rationale  stringList `json:"rationale"`
}

// ParseReply decodes a model reply. Code fences around the JSON are tolerated.
// Unknown categories map to uncategorized; out-of-range values are normalized.
func ParseReply(content string) (Result, error) {
	raw := stripFences(content)
	if raw == "" {
		return Result{}, errors.New("empty reply")
	}

	var r reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	if strings.TrimSpace(r.Category) == "" {
		return Result{}, errors.New("reply has no category")
	}

	res := Result{
		Category:  taxonomy.Parse(r.Category),
		Priority:  normalizePriority(r.Priority),
		Sentiment: strings.ToLower(strings.TrimSpace(r.Sentiment)),
		Rationale: []string(r.Rationale),
	}
	if res.Sentiment == "" {
		res.Sentiment = "neutral"
	}
	if res.Rationale == nil {
		res.Rationale = []string{}
	}
	res.Confidence = fallbackConfidence
	if r.Confidence != nil {
		res.Confidence = clamp(*r.Confidence)
	}
	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalizePriority(p string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
