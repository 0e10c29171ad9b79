package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
		retry  bool
	}{
		{"invalid input", InvalidInput("file", "empty payload"), http.StatusBadRequest, false},
		{"queue full", QueueFull(4), http.StatusServiceUnavailable, true},
		{"timeout", Timeout(time.Second), http.StatusGatewayTimeout, true},
		{"backend unavailable", BackendUnavailable("loading"), http.StatusServiceUnavailable, true},
		{"inference", Inference("decode failed"), http.StatusInternalServerError, true},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, tt.err.HTTPStatus)
			}
			if tt.err.Retryable != tt.retry {
				t.Errorf("expected retryable=%v, got %v", tt.retry, tt.err.Retryable)
			}
		})
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", QueueFull(1))
	if CodeOf(err) != CodeQueueFull {
		t.Errorf("expected QUEUE_FULL, got %s", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Error("foreign errors should classify as internal")
	}
	if !Is(err, CodeQueueFull) {
		t.Error("Is should see through wrapping")
	}
}

func TestToResponse(t *testing.T) {
	resp := InvalidInput("language", "bad tag").ToResponse()
	if resp.Error.Code != CodeInvalidInput {
		t.Errorf("unexpected code %s", resp.Error.Code)
	}
	if resp.Error.Details["field"] != "language" {
		t.Errorf("expected field detail, got %v", resp.Error.Details)
	}
}
