package apperrors

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParamError_IsAndMessage(t *testing.T) {
	cause := errors.New("bad token")
	err := InvalidParam("outFields", cause)

	if !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected errors.Is(err, ErrInvalidParam)")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	var pe *ParamError
	if !errors.As(err, &pe) || pe.Param != "outFields" {
		t.Fatalf("expected ParamError for outFields, got %v", err)
	}
	if got := err.Error(); got != "invalid outFields: bad token" {
		t.Fatalf("message=%q", got)
	}
}

func TestRateLimitError_Unwraps(t *testing.T) {
	err := error(&RateLimitError{RetryAfter: 1500 * time.Millisecond})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited")
	}
	if !strings.Contains(err.Error(), "retry after 2s") {
		t.Fatalf("message=%q", err.Error())
	}
}

func TestConfig_WrapsSentinel(t *testing.T) {
	err := Config("missing %s", "host")
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig")
	}
	if !strings.HasSuffix(err.Error(), "missing host") {
		t.Fatalf("message=%q", err.Error())
	}
}
