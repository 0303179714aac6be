package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

func TestParseRequest(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "considering", "signature": "sig"},
				{"type": "text", "text": "let me look"},
				{"type": "tool_use", "id": "toolu_1", "name": "search", "input": {"q": "go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found it"},
				{"type": "text", "text": ""}
			]}
		],
		"tools": [{"name": "search", "description": "web search", "input_schema": {"type": "object"}}],
		"stream": true,
		"stop_sequences": ["END"],
		"metadata": {"user_id": "user_a1b2_account__session_123e4567-e89b-12d3-a456-426614174000"}
	}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, int64(1024), *req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Stop)
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", req.SessionID)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, model.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Text())

	asst := req.Messages[2]
	require.Len(t, asst.Parts, 3)
	think := asst.Parts[0].(*model.ThinkingPart)
	assert.Equal(t, "considering", think.Text)
	assert.Equal(t, "sig", think.Signature)
	tool := asst.Parts[2].(*model.ToolUsePart)
	assert.Equal(t, "toolu_1", tool.ID)
	assert.JSONEq(t, `{"q":"go"}`, tool.ArgsJSON)

	// Empty text block next to the tool result is stripped.
	last := req.Messages[3]
	require.Len(t, last.Parts, 1)
	result := last.Parts[0].(*model.ToolResultPart)
	assert.Equal(t, "toolu_1", result.ToolCallID)
	assert.Equal(t, "found it", result.Content)
}

func TestParseRequestSessionID(t *testing.T) {
	cases := []struct {
		name   string
		userID string
		want   string
	}{
		{name: "session form", userID: "user_abc_account__session_deadbeef-0000", want: "deadbeef-0000"},
		{name: "plain user id", userID: "user-42", want: ""},
		{name: "wrong separator", userID: "user_abc_account_session_deadbeef", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"metadata":{"user_id":"` + tc.userID + `"}}`)
			req, err := ParseRequest(body)
			require.NoError(t, err)
			assert.Equal(t, tc.want, req.SessionID)
			// The metadata itself passes through untouched.
			assert.Equal(t, tc.userID, req.Metadata["user_id"])
		})
	}
}

func TestParseRequestErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed json", body: `{`, want: "malformed JSON"},
		{name: "bad role", body: `{"model":"m","messages":[{"role":"system","content":"x"}]}`, want: "unsupported role"},
		{name: "bad block type", body: `{"model":"m","messages":[{"role":"user","content":[{"type":"audio"}]}]}`, want: "unsupported content block type"},
		{name: "orphan tool result", body: `{"model":"m","messages":[{"role":"user","content":[{"type":"tool_result","tool_use_id":"nope"}]}]}`, want: "unknown tool call"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tc.body))
			require.Error(t, err)
			var ire *wire.InvalidRequestError
			require.ErrorAs(t, err, &ire)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRequestRoundTripWithImages(t *testing.T) {
	maxTok := int64(2048)
	req := &model.Request{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages: []model.Message{
			{Role: model.RoleSystem, Parts: []model.Part{&model.TextPart{Text: "be brief"}}},
			{Role: model.RoleUser, Parts: []model.Part{
				&model.TextPart{Text: "what is in this image?"},
				&model.ImagePart{Data: "aGVsbG8=", MediaType: "image/png"},
				&model.ImagePart{URL: "https://example.com/b.jpg"},
			}},
		},
	}

	body, err := FormatRequest(req)
	require.NoError(t, err)
	got, err := ParseRequest(body)
	require.NoError(t, err)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, req.Messages[0], got.Messages[0])
	require.Len(t, got.Messages[1].Parts, 3)
	inline := got.Messages[1].Parts[1].(*model.ImagePart)
	assert.Equal(t, "aGVsbG8=", inline.Data)
	assert.Equal(t, "image/png", inline.MediaType)
	remote := got.Messages[1].Parts[2].(*model.ImagePart)
	assert.Equal(t, "https://example.com/b.jpg", remote.URL)
}

func TestStopReasonMapping(t *testing.T) {
	for _, r := range []model.FinishReason{model.FinishStop, model.FinishLength, model.FinishToolCalls, model.FinishContentFilter} {
		assert.Equal(t, r, Finish(StopReason(r)))
	}
	assert.Equal(t, model.FinishStop, Finish("stop_sequence"))
	assert.Equal(t, model.FinishStop, Finish("unknown"))
}

func TestFormatResponse(t *testing.T) {
	resp := &model.Response{
		ID:    "msg_1",
		Model: "claude-sonnet-4",
		Choices: []model.Choice{{
			Message: model.Message{Role: model.RoleAssistant, Parts: []model.Part{
				&model.TextPart{Text: "done"},
				&model.ToolUsePart{ID: "toolu_1", Name: "search", ArgsJSON: `{"q":"go"}`},
			}},
			FinishReason: model.FinishToolCalls,
		}},
		Usage: &model.TokenUsage{PromptTokens: 11, CompletionTokens: 4},
	}

	body, err := FormatResponse(resp)
	require.NoError(t, err)
	s := string(body)
	assert.Contains(t, s, `"type":"message"`)
	assert.Contains(t, s, `"stop_reason":"tool_use"`)
	assert.Contains(t, s, `"input":{"q":"go"}`)
	assert.Contains(t, s, `"input_tokens":11`)
}

func TestFormatError(t *testing.T) {
	body := FormatError(wire.NewError(wire.KindUpstreamError, "provider failed"))
	assert.JSONEq(t, `{"type":"error","error":{"type":"upstream_error","message":"provider failed"}}`, string(body))
}
