// Package apperrors defines the error taxonomy surfaced by the query engine.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidParam = errors.New("invalid request parameter")
	ErrConfig       = errors.New("configuration error")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrExecution    = errors.New("query execution failed")
	ErrTimeout      = errors.New("query timed out")
)

// ParamError names the request parameter that failed validation.
type ParamError struct {
	Param string
	Err   error
}

func (e *ParamError) Error() string {
	if e.Err == nil {
		return "invalid " + e.Param
	}
	return fmt.Sprintf("invalid %s: %v", e.Param, e.Err)
}

func (e *ParamError) Unwrap() []error { return []error{ErrInvalidParam, e.Err} }

// InvalidParam returns a ParamError for param wrapping cause.
func InvalidParam(param string, cause error) error {
	return &ParamError{Param: param, Err: cause}
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Config returns a configuration error with the given detail.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
