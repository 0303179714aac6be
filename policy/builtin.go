package policy

import (
	"context"
	"fmt"
	"regexp"

	"github.com/luthienresearch/luthien/model"
)

type (
	// noopPolicy passes everything through. Useful as an explicit
	// configuration default and as the observational baseline in tests.
	noopPolicy struct {
		Base
	}

	// redactPolicy rewrites text content matching a pattern, on both
	// request ingestion and response deltas. Matches split across delta
	// boundaries are not detected; pair it with a buffering policy when
	// that matters.
	redactPolicy struct {
		Base
		pattern     *regexp.Regexp
		replacement string
	}

	// blockToolsPolicy buffers tool call blocks and replaces calls to
	// forbidden tools with an explanatory text block.
	blockToolsPolicy struct {
		Base
		blocked map[string]bool
		message string
	}
)

// RegisterBuiltins registers the built-in policy classes: noop, redact and
// block-tools.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Factory{
		"noop":        newNoop,
		"redact":      newRedact,
		"block-tools": newBlockTools,
	}
	for ref, factory := range builtins {
		if err := r.Register(ref, factory); err != nil {
			return err
		}
	}
	return nil
}

func newNoop(map[string]any) (Policy, error) {
	return &noopPolicy{}, nil
}

func (*noopPolicy) Name() string { return "noop" }

func newRedact(config map[string]any) (Policy, error) {
	pattern, _ := config["pattern"].(string)
	if pattern == "" {
		return nil, fmt.Errorf("redact: pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("redact: compile pattern: %w", err)
	}
	replacement, ok := config["replacement"].(string)
	if !ok {
		replacement = "[REDACTED]"
	}
	return &redactPolicy{pattern: re, replacement: replacement}, nil
}

func (*redactPolicy) Name() string { return "redact" }

func (p *redactPolicy) OnRequest(_ context.Context, _ *Context, req *model.Request) (*model.Request, error) {
	dup := req.Clone()
	for _, m := range dup.Messages {
		for _, part := range m.Parts {
			if t, ok := part.(*model.TextPart); ok {
				t.Text = p.pattern.ReplaceAllString(t.Text, p.replacement)
			}
		}
	}
	return dup, nil
}

func (p *redactPolicy) OnResponse(_ context.Context, _ *Context, resp *model.Response) (*model.Response, error) {
	dup := resp.Clone()
	for _, c := range dup.Choices {
		for _, part := range c.Message.Parts {
			if t, ok := part.(*model.TextPart); ok {
				t.Text = p.pattern.ReplaceAllString(t.Text, p.replacement)
			}
		}
	}
	return dup, nil
}

func (p *redactPolicy) OnContentDelta(_ context.Context, pctx *Context, text string) (Decision, error) {
	redacted := p.pattern.ReplaceAllString(text, p.replacement)
	if redacted == text {
		return Pass(), nil
	}
	var id string
	if last := pctx.LastChunk(); last != nil {
		id = last.ID
	}
	return Replace(model.TextChunk(id, redacted)), nil
}

func newBlockTools(config map[string]any) (Policy, error) {
	names, ok := config["tools"].([]any)
	if !ok || len(names) == 0 {
		return nil, fmt.Errorf("block-tools: tools is required")
	}
	blocked := make(map[string]bool, len(names))
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			return nil, fmt.Errorf("block-tools: tool names must be strings, got %T", n)
		}
		blocked[name] = true
	}
	message, ok := config["message"].(string)
	if !ok {
		message = "tool call blocked by policy"
	}
	return &blockToolsPolicy{blocked: blocked, message: message}, nil
}

func (*blockToolsPolicy) Name() string { return "block-tools" }

func (*blockToolsPolicy) Buffering() bool { return true }

func (p *blockToolsPolicy) OnBlockComplete(_ context.Context, pctx *Context, block model.Block) (Decision, error) {
	tb, ok := block.(*model.ToolCallBlock)
	if !ok || !p.blocked[tb.Name] {
		return Pass(), nil
	}
	var id string
	if last := pctx.LastChunk(); last != nil {
		id = last.ID
	}
	return Replace(model.TextChunk(id, fmt.Sprintf("%s: %s", p.message, tb.Name))), nil
}
