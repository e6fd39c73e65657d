// Package reflector distills feedback on answered requests into playbook
// insights using LLM backends.
package reflector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

var tracer = otel.Tracer("playbookd.reflector")

var (
	// ErrEmptyResponse indicates the LLM returned no usable text.
	ErrEmptyResponse = errors.New("reflector: empty LLM response")

	// ErrMalformedResponse indicates the LLM response could not be parsed.
	ErrMalformedResponse = errors.New("reflector: malformed LLM response")
)

// Client provides an interface for interacting with LLM backends.
//
// Implementations should handle rate limiting internally; the learning
// pipeline handles retries.
type Client interface {
	// Complete generates a completion from the given prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Reflector turns a feedback event into a structured insight by asking an
// LLM why the response earned its rating. It implements
// playbook.InsightSource.
type Reflector struct {
	client Client
	logger *zap.Logger
}

// New creates a reflector over the given LLM client.
func New(client Client, logger *zap.Logger) (*Reflector, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{client: client, logger: logger}, nil
}

// GenerateInsight asks the LLM for a JSON insight and validates it.
func (r *Reflector) GenerateInsight(ctx context.Context, event playbook.Event) (playbook.Insight, error) {
	ctx, span := tracer.Start(ctx, "Reflector.GenerateInsight")
	defer span.End()
	span.SetAttributes(attribute.String("feedback_id", event.FeedbackID))

	raw, err := r.client.Complete(ctx, buildPrompt(event))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return playbook.Insight{}, fmt.Errorf("completing reflection prompt: %w", err)
	}

	insight, err := parseInsight(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return playbook.Insight{}, err
	}
	insight.Polarity = event.Polarity

	if err := insight.Validate(); err != nil {
		return playbook.Insight{}, err
	}

	span.SetAttributes(attribute.Float64("confidence", insight.Confidence))
	span.SetStatus(codes.Ok, "success")

	r.logger.Debug("insight generated",
		zap.String("feedback_id", event.FeedbackID),
		zap.Float64("confidence", insight.Confidence))
	return insight, nil
}

// ProposeSection asks the LLM to name a playbook section for a strategy
// that arrived without one. Returns an empty string when the model output
// is unusable so the caller can fall back to its default section.
func (r *Reflector) ProposeSection(ctx context.Context, content string) (string, error) {
	ctx, span := tracer.Start(ctx, "Reflector.ProposeSection")
	defer span.End()

	var b strings.Builder
	b.WriteString("Name the playbook section this strategy belongs in.\n\n")
	fmt.Fprintf(&b, "Strategy:\n%s\n\n", content)
	b.WriteString("Respond with the section name only, e.g. Success Patterns or Common Pitfalls.\n")

	raw, err := r.client.Complete(ctx, b.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("completing section prompt: %w", err)
	}

	section := strings.Trim(strings.TrimSpace(raw), "\"'`")
	if section == "" || strings.ContainsRune(section, '\n') {
		return "", ErrMalformedResponse
	}

	span.SetStatus(codes.Ok, "success")
	return section, nil
}

// buildPrompt renders the reflection prompt for one feedback event.
func buildPrompt(event playbook.Event) string {
	var b strings.Builder

	b.WriteString("You analyze feedback on an assistant's answer and distill one reusable strategy.\n\n")
	fmt.Fprintf(&b, "Question:\n%s\n\n", event.Question)
	fmt.Fprintf(&b, "Answer:\n%s\n\n", event.Response)
	fmt.Fprintf(&b, "User rating: %.0f/5\n", event.Rating)
	if event.Comment != "" {
		fmt.Fprintf(&b, "User comment: %s\n", event.Comment)
	}
	b.WriteString("\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(`{"summary": "<one actionable strategy, imperative mood>", `)
	b.WriteString(`"confidence": <0.0-1.0>, `)
	b.WriteString(`"suggested_section": "<section name, e.g. Success Patterns>"}` + "\n")
	b.WriteString("Summary must be a concrete, transferable strategy, not a restatement of this exchange.\n")

	return b.String()
}

// parseInsight decodes the LLM output, tolerating markdown code fences and
// surrounding prose around the JSON object.
func parseInsight(raw string) (playbook.Insight, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return playbook.Insight{}, ErrEmptyResponse
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return playbook.Insight{}, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	var insight playbook.Insight
	if err := json.Unmarshal([]byte(text[start:end+1]), &insight); err != nil {
		return playbook.Insight{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return insight, nil
}
