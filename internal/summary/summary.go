// Package summary generates meeting summaries and answers questions about a
// meeting with an OpenAI-compatible chat model.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
	"github.com/rohit-iwnl/EchoMind/internal/store"
)

var (
	// ErrEmptyTranscript means there is nothing to summarize
	ErrEmptyTranscript = errors.New("meeting has no transcript")
	// ErrContextExceeded means the transcript did not fit the model even
	// after shortening it
	ErrContextExceeded = errors.New("transcript exceeds model context window")
	// ErrMalformedResponse means the model did not return the expected JSON
	ErrMalformedResponse = errors.New("malformed model response")
)

const systemPrompt = `You are a helpful assistant that summarizes meeting transcripts and extracts action items.
Analyze the transcript and reply with a JSON object of the form:
{"title": string, "summary": string, "action_items": [{"action": string, "assigned_to": string, "priority": "high"|"medium"|"low"}]}
Use an empty string for assigned_to when nobody was named.`

const answerPrompt = `You answer questions about a meeting using only the meeting details provided.
If the details do not contain the answer, say so briefly.`

// ChatClient is the subset of the OpenAI client used here
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Summarizer produces summaries and answers for meetings
type Summarizer struct {
	client      ChatClient
	model       string
	maxAttempts int
	breaker     *resilience.CircuitBreaker
	logger      zerolog.Logger
}

// New creates a summarizer. maxAttempts bounds how many times a context
// window error is retried with a halved transcript.
func New(client ChatClient, model string, maxAttempts int) *Summarizer {
	if model == "" {
		model = openai.GPT4oMini
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Summarizer{
		client:      client,
		model:       model,
		maxAttempts: maxAttempts,
		breaker:     resilience.NewCircuitBreaker("openai", 5, 30*time.Second),
		logger:      observability.Component("summary"),
	}
}

// NewFromConfig creates a summarizer backed by the OpenAI API
func NewFromConfig(cfg *config.Config) *Summarizer {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	return New(openai.NewClientWithConfig(clientCfg), cfg.SummaryModel, cfg.SummaryMaxAttempts)
}

type modelSummary struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	ActionItems []struct {
		Action     string `json:"action"`
		AssignedTo string `json:"assigned_to"`
		Priority   string `json:"priority"`
	} `json:"action_items"`
}

// Summarize asks the model for a title, summary and action items. When the
// transcript overflows the model context it is halved and retried, up to the
// configured number of attempts.
func (s *Summarizer) Summarize(ctx context.Context, meeting store.Meeting) (store.Summary, error) {
	transcript := strings.TrimSpace(meeting.Transcript)
	if transcript == "" {
		return store.Summary{}, ErrEmptyTranscript
	}

	ctx, span := observability.Tracer("summary").Start(ctx, "summary.generate")
	span.SetAttributes(attribute.String("meeting_id", meeting.ID), attribute.String("model", s.model))
	defer span.End()

	logger := s.logger.With().Str("meeting_id", meeting.ID).Logger()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		span.SetAttributes(attribute.Int("attempts", attempt), attribute.Int("transcript_chars", len(transcript)))

		content, err := s.complete(ctx, openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: summaryRequest(meeting.Title, transcript)},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		if err == nil {
			summary, err := parseSummary(content)
			observability.RecordSummaryRequest(err == nil)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return summary, err
		}

		lastErr = err
		if !IsContextLengthError(err) {
			break
		}
		shorter := halve(transcript)
		if shorter == transcript {
			break
		}
		logger.Warn().
			Int("attempt", attempt).
			Int("chars", len(transcript)).
			Int("next_chars", len(shorter)).
			Msg("Transcript exceeds context window, retrying with less text")
		transcript = shorter
	}

	observability.RecordSummaryRequest(false)
	if IsContextLengthError(lastErr) {
		lastErr = fmt.Errorf("%w after %d attempts: %v", ErrContextExceeded, s.maxAttempts, lastErr)
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	logger.Error().Err(lastErr).Msg("Summary generation failed")
	return store.Summary{}, lastErr
}

// Answer replies to question about meeting, given earlier turns of the
// conversation
func (s *Summarizer) Answer(ctx context.Context, meeting store.Meeting, history []store.ChatMessage, question string) (string, error) {
	ctx, span := observability.Tracer("summary").Start(ctx, "summary.answer")
	span.SetAttributes(attribute.String("meeting_id", meeting.ID))
	defer span.End()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: answerPrompt},
		{Role: openai.ChatMessageRoleSystem, Content: meetingDetails(meeting)},
	}
	for _, msg := range history {
		role := openai.ChatMessageRoleAssistant
		if msg.IsUserMessage {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})

	answer, err := s.complete(ctx, openai.ChatCompletionRequest{Model: s.model, Messages: messages})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (s *Summarizer) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	var content string
	var rejected error
	err := s.breaker.Call(func() error {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if IsContextLengthError(err) {
			// the service answered; an oversized prompt is not an outage
			rejected = err
			return nil
		}
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%w: no choices", ErrMalformedResponse)
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err == nil && rejected != nil {
		return "", rejected
	}
	return content, err
}

// IsContextLengthError reports whether err says the prompt was too long
func IsContextLengthError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") || strings.Contains(msg, "context window")
}

// halve keeps the later half of the transcript, cut on a word boundary
func halve(transcript string) string {
	words := strings.Fields(transcript)
	if len(words) < 2 {
		return transcript
	}
	return strings.Join(words[len(words)/2:], " ")
}

func summaryRequest(title, transcript string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Meeting title given by the user: %s\n\n", title)
	}
	fmt.Fprintf(&b, "Meeting transcript:\n%s\n\nGenerate a concise title, summary and action items.", transcript)
	return b.String()
}

func meetingDetails(meeting store.Meeting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", meeting.Title)
	if meeting.Summary != nil {
		fmt.Fprintf(&b, "Summary: %s\n", meeting.Summary.Summary)
		items := make([]string, 0, len(meeting.Summary.ActionItems))
		for _, item := range meeting.Summary.ActionItems {
			assignee := item.AssignedTo
			if assignee == "" {
				assignee = "nobody"
			}
			items = append(items, fmt.Sprintf("%s assigned to %s with priority %s", item.Text, assignee, item.Priority))
		}
		fmt.Fprintf(&b, "Action items: %s\n", strings.Join(items, ", "))
	}
	if meeting.Transcript != "" {
		fmt.Fprintf(&b, "Transcript: %s\n", meeting.Transcript)
	}
	return b.String()
}

func parseSummary(content string) (store.Summary, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw modelSummary
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return store.Summary{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.Summary == "" && raw.Title == "" {
		return store.Summary{}, fmt.Errorf("%w: empty summary", ErrMalformedResponse)
	}

	summary := store.Summary{
		Title:       strings.TrimSpace(raw.Title),
		Summary:     strings.TrimSpace(raw.Summary),
		ActionItems: make([]store.ActionItem, 0, len(raw.ActionItems)),
	}
	for _, item := range raw.ActionItems {
		if strings.TrimSpace(item.Action) == "" {
			continue
		}
		summary.ActionItems = append(summary.ActionItems, store.ActionItem{
			Text:       strings.TrimSpace(item.Action),
			AssignedTo: strings.TrimSpace(item.AssignedTo),
			Priority:   store.ParsePriority(item.Priority),
		})
	}
	return summary, nil
}
