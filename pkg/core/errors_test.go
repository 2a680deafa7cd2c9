package core

import (
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "missing user_id",
	}

	expected := "invalid_request_error: missing user_id"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrRateLimit,
		Message: "too many requests",
		Code:    "rate_limit_exceeded",
	}

	expected := "rate_limit_error: too many requests (code: rate_limit_exceeded)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("bad request")
	if err.Type != ErrInvalidRequest {
		t.Errorf("Type = %v, want %v", err.Type, ErrInvalidRequest)
	}
	if err.Message != "bad request" {
		t.Errorf("Message = %q, want %q", err.Message, "bad request")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Conversation not found")
	if err.Type != ErrNotFound {
		t.Errorf("Type = %v, want %v", err.Type, ErrNotFound)
	}
}

func TestNewUpstreamError(t *testing.T) {
	tests := []struct {
		status   int
		wantType ErrorType
	}{
		{400, ErrInvalidRequest},
		{401, ErrAuthentication},
		{403, ErrAuthentication},
		{404, ErrNotFound},
		{422, ErrInvalidRequest},
		{429, ErrRateLimit},
		{500, ErrOverloaded},
		{503, ErrOverloaded},
		{200, ErrAPI},
	}

	for _, tt := range tests {
		err := NewUpstreamError(tt.status, "upstream failed")
		if err.Type != tt.wantType {
			t.Errorf("status %d: Type = %v, want %v", tt.status, err.Type, tt.wantType)
		}
		if err.UpstreamStatus != tt.status {
			t.Errorf("status %d: UpstreamStatus = %d", tt.status, err.UpstreamStatus)
		}
	}
}
