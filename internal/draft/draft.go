// Package draft expands a change title and rationale into a full proposal
// body using Claude. Drafting is opt-in: callers fall back to the static
// template whenever no API key is configured or the call fails.
package draft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/untoldecay/ChangeFlow/internal/audit"
)

const (
	defaultModel   = "claude-3-5-haiku-20241022"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBodyTokens  = 2048
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided.
var ErrAPIKeyRequired = errors.New("API key required")

// Config selects the model and audit destination for a Drafter.
type Config struct {
	// APIKey authenticates against the Anthropic API. The
	// ANTHROPIC_API_KEY environment variable takes precedence.
	APIKey string
	// Model overrides the default drafting model when non-empty.
	Model string
	// Audit receives one entry per drafting call; nil disables.
	Audit *audit.Log
	// Actor is recorded on audit entries.
	Actor string
}

// Input carries the change metadata the draft is built from.
type Input struct {
	Slug      string
	Title     string
	Kind      string
	Rationale string
}

// Drafter wraps the Anthropic API for proposal drafting.
type Drafter struct {
	client         anthropic.Client
	model          anthropic.Model
	tmpl           *template.Template
	maxRetries     int
	initialBackoff time.Duration
	audit          *audit.Log
	actor          string
}

// New creates a Drafter. Env var ANTHROPIC_API_KEY takes precedence over
// the configured key; with neither set the error wraps ErrAPIKeyRequired.
func New(cfg Config) (*Drafter, error) {
	apiKey := cfg.APIKey
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure ai.api-key", ErrAPIKeyRequired)
	}

	model := anthropic.Model(defaultModel)
	if cfg.Model != "" {
		model = anthropic.Model(cfg.Model)
	}

	tmpl, err := template.New("proposal").Parse(proposalPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proposal prompt template: %w", err)
	}

	return &Drafter{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          model,
		tmpl:           tmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		audit:          cfg.Audit,
		actor:          cfg.Actor,
	}, nil
}

// ProposalBody generates a markdown proposal body for in. The returned
// text carries no front matter; callers splice it under the rendered
// metadata block.
func (d *Drafter) ProposalBody(ctx context.Context, in Input) (string, error) {
	prompt, err := d.renderPrompt(in)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	body, callErr := d.callWithRetry(ctx, prompt)
	if d.audit.Enabled() {
		// Best-effort: a failed audit line never fails the draft.
		e := &audit.Entry{
			Kind:     "ai_draft",
			Actor:    d.actor,
			Slug:     in.Slug,
			Model:    string(d.model),
			Prompt:   prompt,
			Response: body,
		}
		if callErr != nil {
			e.Error = callErr.Error()
		}
		_, _ = d.audit.Append(e)
	}
	return body, callErr
}

func (d *Drafter) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: maxBodyTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := d.client.Messages.New(ctx, params)

		if err == nil {
			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return "", fmt.Errorf("failed after %d retries: %w", d.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}

func (d *Drafter) renderPrompt(in Input) (string, error) {
	kind := in.Kind
	if kind == "" {
		kind = "feature"
	}
	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, struct {
		Title     string
		Slug      string
		Kind      string
		Rationale string
	}{in.Title, in.Slug, kind, in.Rationale}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const proposalPromptTemplate = `You are drafting a change proposal for a software repository. Write the body of the proposal in markdown. Do not include YAML front matter; start at the first heading.

**Change:** {{.Title}} (slug: {{.Slug}}, kind: {{.Kind}})

{{if .Rationale}}**Rationale provided by the author:**
{{.Rationale}}
{{end}}

Write these sections, in order:

# {{.Title}}

## Summary
[2-3 sentences: what the change does and why it matters]

## Motivation
[The problem being solved, grounded in the rationale above]

## Design
[A concrete approach: interfaces, data shapes, interactions with existing behavior. Prefer specifics over platitudes. Mark genuinely open points with "TBD".]

## Alternatives Considered
[1-3 plausible alternatives and why they lose]

## Rollout
[How it ships: flags, migrations, revert strategy]

Keep the whole body under 500 words. Plain markdown only.`
