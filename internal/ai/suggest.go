// Package ai asks a language model which Eisenhower quadrant a task
// belongs in.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-playground/validator/v10"

	"github.com/polravi/mapmyactivities/internal/schema"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 256

	// HighConfidence is the confidence above which a client preselects the
	// suggested quadrant.
	HighConfidence = 0.7
)

// ErrNoAnswer is returned when the model reply carries no usable text.
var ErrNoAnswer = errors.New("no text response from model")

var validate = validator.New(validator.WithRequiredStructEnabled())

// SuggestRequest describes the task to classify.
type SuggestRequest struct {
	Title       string          `json:"title" binding:"required,max=500"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	DueDate     *time.Time      `json:"dueDate"`
	Priority    schema.Priority `json:"priority" binding:"omitempty,oneof=low medium high"`
}

// Suggestion is the model's answer.
type Suggestion struct {
	Quadrant   int     `json:"quadrant" validate:"min=1,max=4"`
	Confidence float64 `json:"confidence" validate:"min=0,max=1"`
	Reasoning  string  `json:"reasoning"`
}

// IsHighConfidence reports whether the suggestion is confident enough to
// preselect.
func (s *Suggestion) IsHighConfidence() bool {
	return s.Confidence > HighConfidence
}

// Suggester suggests a quadrant for a task.
type Suggester interface {
	SuggestQuadrant(ctx context.Context, req *SuggestRequest) (*Suggestion, error)
}

// AnthropicSuggester asks Claude through the Messages API.
type AnthropicSuggester struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicSuggester creates a suggester. Extra request options (base
// URL, retries, HTTP client) are passed through to the SDK.
func NewAnthropicSuggester(apiKey, model string, opts ...option.RequestOption) *AnthropicSuggester {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicSuggester{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: DefaultMaxTokens,
	}
}

// SuggestQuadrant implements Suggester.
func (a *AnthropicSuggester) SuggestQuadrant(ctx context.Context, req *SuggestRequest) (*Suggestion, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ask model: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return ParseSuggestion(block.Text)
		}
	}
	return nil, ErrNoAnswer
}

// BuildPrompt renders the classification prompt for req.
func BuildPrompt(req *SuggestRequest) string {
	var b strings.Builder
	b.WriteString("You are a productivity assistant that categorizes tasks into the Eisenhower Matrix.\n\n")
	b.WriteString("Analyze this task and suggest which quadrant it belongs to:\n\n")
	fmt.Fprintf(&b, "Task: %q\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "Description: %q\n", req.Description)
	}
	if req.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", req.Priority)
	}
	if req.DueDate != nil {
		fmt.Fprintf(&b, "Due date: %s\n", req.DueDate.UTC().Format(time.RFC3339))
	}
	if len(req.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(req.Tags, ", "))
	}
	b.WriteString(`
Quadrants:
- Q1 (Urgent & Important): Crisis, deadlines, pressing problems
- Q2 (Not Urgent & Important): Planning, prevention, personal development
- Q3 (Urgent & Not Important): Interruptions, some meetings, some calls
- Q4 (Not Urgent & Not Important): Time wasters, busy work, trivial tasks

Respond ONLY with valid JSON: {"quadrant": <1-4>, "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}`)
	return b.String()
}

// ParseSuggestion extracts the JSON object from a model reply. Surrounding
// prose and code fences are ignored.
func ParseSuggestion(text string) (*Suggestion, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %q", ErrNoAnswer, text)
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &s); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid suggestion: %w", err)
	}
	return &s, nil
}
