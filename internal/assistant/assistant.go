// Package assistant drafts workflow graphs from a natural-language
// description using a language model.
package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

var (
	// ErrEmptyResponse is returned when the model produced no choices or no text
	ErrEmptyResponse = errors.New("model returned no content")

	// ErrInvalidDraft is returned when the reply is not a loadable workflow document
	ErrInvalidDraft = errors.New("model returned an invalid workflow")
)

// Draft is a proposed workflow. Report lists what still needs attention
// before the graph can run.
type Draft struct {
	Graph  *graph.Graph
	Report graph.ValidationReport
	Raw    string
}

// Drafter turns descriptions into workflow drafts.
type Drafter struct {
	model   llms.Model
	options []llms.CallOption
	catalog []Operation
}

type Option func(*Drafter)

// WithCallOptions is passed through on every model call.
func WithCallOptions(opts ...llms.CallOption) Option {
	return func(d *Drafter) {
		d.options = append(d.options, opts...)
	}
}

// WithCatalog replaces the operations offered to the model.
func WithCatalog(ops ...Operation) Option {
	return func(d *Drafter) {
		d.catalog = ops
	}
}

func New(model llms.Model, opts ...Option) *Drafter {
	d := &Drafter{model: model, catalog: DefaultCatalog}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Draft asks the model for a new workflow matching description.
func (d *Drafter) Draft(ctx context.Context, description string) (*Draft, error) {
	if strings.TrimSpace(description) == "" {
		return nil, errors.New("description is empty")
	}
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, d.systemPrompt()),
		llms.TextParts(llms.ChatMessageTypeHuman, description),
	}
	return d.generate(ctx, msgs)
}

// Refine asks the model to change an existing workflow. The current graph is
// sent as the previous assistant turn.
func (d *Drafter) Refine(ctx context.Context, current *graph.Graph, instruction string) (*Draft, error) {
	doc, err := current.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode current workflow: %w", err)
	}
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, d.systemPrompt()),
		llms.TextParts(llms.ChatMessageTypeAI, string(doc)),
		llms.TextParts(llms.ChatMessageTypeHuman, instruction),
	}
	return d.generate(ctx, msgs)
}

func (d *Drafter) generate(ctx context.Context, msgs []llms.MessageContent) (*Draft, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Requesting workflow draft", "messages", len(msgs))

	resp, err := d.model.GenerateContent(ctx, msgs, d.options...)
	if err != nil {
		return nil, fmt.Errorf("generate draft: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return nil, ErrEmptyResponse
	}
	raw := resp.Choices[0].Content

	g, err := graph.FromJSON(extractJSON(raw))
	if err != nil {
		logger.Debug("Draft rejected", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}
	report := g.Validate()
	logger.Info("Workflow drafted", "nodes", g.Len(), "valid", report.IsValid)
	return &Draft{Graph: g, Report: report, Raw: raw}, nil
}

// extractJSON strips markdown fences and any prose around the outermost
// object.
func extractJSON(s string) []byte {
	b := []byte(strings.TrimSpace(s))
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end < start {
		return b
	}
	return b[start : end+1]
}
