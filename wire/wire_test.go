package wire

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncode(t *testing.T) {
	f := Frame{Event: "message_start", Data: []byte(`{"type":"message_start"}`)}
	assert.Equal(t, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n", string(f.Encode()))

	bare := Frame{Data: []byte("[DONE]")}
	assert.Equal(t, "data: [DONE]\n\n", string(bare.Encode()))
}

func TestClassify(t *testing.T) {
	classified := NewError(KindPolicyTimeout, "stalled")
	assert.Same(t, classified, Classify(classified))
	assert.Equal(t, http.StatusRequestTimeout, classified.Status)

	wrapped := fmt.Errorf("handling request: %w", classified)
	assert.Same(t, classified, Classify(wrapped))

	parse := &InvalidRequestError{Path: "messages[0].role", Reason: "unknown role"}
	got := Classify(parse)
	assert.Equal(t, KindInvalidRequest, got.Kind)
	assert.Equal(t, http.StatusBadRequest, got.Status)
	assert.Contains(t, got.Message, "messages[0].role")

	internal := Classify(errors.New("boom"))
	assert.Equal(t, KindInternal, internal.Kind)
	assert.Equal(t, "internal error", internal.Message)
}

func TestErrorStatuses(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidRequest:      http.StatusBadRequest,
		KindUnauthorized:        http.StatusUnauthorized,
		KindRequestTooLarge:     http.StatusRequestEntityTooLarge,
		KindPolicyRejection:     http.StatusBadRequest,
		KindPolicyTimeout:       http.StatusRequestTimeout,
		KindUpstreamError:       http.StatusBadGateway,
		KindUpstreamUnavailable: http.StatusServiceUnavailable,
		KindClientDisconnected:  StatusClientClosedRequest,
		KindInternal:            http.StatusInternalServerError,
		KindPolicyError:         http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, NewError(kind, "x").Status, string(kind))
	}
}

func TestCheckToolSchema(t *testing.T) {
	require.NoError(t, CheckToolSchema(nil))
	require.NoError(t, CheckToolSchema([]byte(`{"type":"object","properties":{"q":{"type":"string"}}}`)))

	err := CheckToolSchema([]byte(`{"type":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	err = CheckToolSchema([]byte(`{"type":"objekt"}`))
	require.Error(t, err)
}
