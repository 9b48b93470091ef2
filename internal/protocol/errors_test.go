// ABOUTME: Tests for the request error taxonomy
// ABOUTME: Verifies code preservation, wrapping, and response frame shapes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsError_PreservesCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Forbidden("unknown method: %s", "x"))
	pe := AsError(err)
	assert.Equal(t, CodeForbidden, pe.Code)
	assert.Equal(t, "unknown method: x", pe.Message)
}

func TestAsError_PlainErrorIsUnavailable(t *testing.T) {
	pe := AsError(errors.New("agent offline"))
	assert.Equal(t, CodeUnavailable, pe.Code)
	assert.Equal(t, "agent offline", pe.Message)
	assert.Nil(t, AsError(nil))
}

func TestNewErrorResponse_JSON(t *testing.T) {
	resp := NewErrorResponse("req-1", InvalidRequest("bad"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"res","id":"req-1","ok":false,"error":{"code":"INVALID_REQUEST","message":"bad"}}`, string(data))
}

func TestNewResponse_JSON(t *testing.T) {
	resp := NewResponse("req-2", map[string]string{"runId": "k1", "status": "ok"})
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"res","id":"req-2","ok":true,"payload":{"runId":"k1","status":"ok"}}`, string(data))
}
