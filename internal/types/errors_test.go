package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestWorkflowErrorMessage(t *testing.T) {
	err := NewError(CodeLocked, "change %q is locked by %s", "add-auth", "alice").
		WithHint("retry after the lock expires").
		WithDetail("holder", "alice")

	if !errors.As(error(err), new(*WorkflowError)) {
		t.Fatal("WorkflowError must satisfy errors.As")
	}
	msg := err.Error()
	for _, want := range []string{"ELOCKED", "add-auth", "alice", "retry after"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, should contain %q", msg, want)
		}
	}
	if err.Details["holder"] != "alice" {
		t.Errorf("Details[holder] = %v, want alice", err.Details["holder"])
	}
}

func TestErrCodeThroughWrapping(t *testing.T) {
	inner := NewError(CodeNoChange, "no change named %q", "ghost")
	wrapped := fmt.Errorf("reading change: %w", inner)

	if got := ErrCode(wrapped); got != CodeNoChange {
		t.Errorf("ErrCode(wrapped) = %s, want %s", got, CodeNoChange)
	}
	if got := ErrCode(errors.New("disk on fire")); got != CodeIO {
		t.Errorf("ErrCode(plain) = %s, want %s", got, CodeIO)
	}
}

func TestCodeTransportMapping(t *testing.T) {
	tests := []struct {
		code       Code
		httpStatus int
		rpcCode    int
		toolLevel  bool
		wireCode   string
	}{
		{CodeBadSlug, http.StatusBadRequest, RPCInvalidParams, false, "INVALID_INPUT"},
		{CodePathEscape, http.StatusBadRequest, RPCInvalidParams, false, "EPATH_ESCAPE"},
		{CodeNoChange, http.StatusNotFound, RPCInvalidParams, true, "CHANGE_NOT_FOUND"},
		{CodeArchived, http.StatusConflict, RPCInvalidParams, true, "EARCHIVED"},
		{CodeLocked, http.StatusConflict, RPCInvalidParams, true, "ELOCKED"},
		{CodeMissingProposal, http.StatusUnprocessableEntity, RPCInvalidParams, true, "EBADSHAPE_MISSING_PROPOSAL"},
		{CodeIO, http.StatusInternalServerError, RPCInternalError, false, "EIO"},
		{CodeToolNotFound, http.StatusNotFound, RPCMethodNotFound, false, "TOOL_NOT_FOUND"},
		{CodeAuthFailed, http.StatusUnauthorized, RPCInvalidParams, false, "AUTHENTICATION_FAILED"},
		{CodeRateLimited, http.StatusTooManyRequests, RPCInvalidParams, false, "RATE_LIMIT_EXCEEDED"},
		{CodeResponseTooLarge, http.StatusRequestEntityTooLarge, RPCInternalError, false, "RESPONSE_TOO_LARGE"},
		{CodeRequestTimeout, http.StatusRequestTimeout, RPCInternalError, false, "REQUEST_TIMEOUT"},
		{CodeInvalidCursor, http.StatusBadRequest, RPCInvalidParams, false, "INVALID_CURSOR_TOKEN"},
		{CodeExpiredCursor, http.StatusBadRequest, RPCInvalidParams, false, "EXPIRED_CURSOR_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.httpStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.httpStatus)
			}
			if got := tt.code.JSONRPCCode(); got != tt.rpcCode {
				t.Errorf("JSONRPCCode() = %d, want %d", got, tt.rpcCode)
			}
			if got := tt.code.ToolLevel(); got != tt.toolLevel {
				t.Errorf("ToolLevel() = %v, want %v", got, tt.toolLevel)
			}
			if got := tt.code.HTTPWireCode(); got != tt.wireCode {
				t.Errorf("HTTPWireCode() = %q, want %q", got, tt.wireCode)
			}
		})
	}
}
