package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitError is returned when the provider throttles a request. RetryAfter is
// the provider's requested wait, zero when it did not say.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "rate limit exceeded: " + e.Message
}

func (e *RateLimitError) Unwrap() error {
	return e.Cause
}

// ErrEmptyResponse is returned when the model produced no usable text.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// classifyProviderError rewrites provider failures so their messages carry the
// words the orchestrator's classifier keys on, and lifts retry hints out of
// rate-limit responses.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("llm request timed out: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if apiErr, ok := apierror.FromError(err); ok {
		if apiErr.HTTPCode() == http.StatusTooManyRequests || apiErr.GRPCStatus().Code() == codes.ResourceExhausted {
			rl := &RateLimitError{Message: apiErr.Reason(), Cause: err}
			if rl.Message == "" {
				rl.Message = apiErr.Error()
			}
			if info := apiErr.Details().RetryInfo; info != nil {
				rl.RetryAfter = info.GetRetryDelay().AsDuration()
			}
			if rl.RetryAfter == 0 {
				rl.RetryAfter = headerRetryAfter(err)
			}
			return rl
		}
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusTooManyRequests {
		return &RateLimitError{Message: gErr.Message, RetryAfter: headerRetryAfter(err), Cause: err}
	}

	switch status.Code(err) {
	case codes.ResourceExhausted:
		return &RateLimitError{Message: status.Convert(err).Message(), Cause: err}
	case codes.DeadlineExceeded:
		return fmt.Errorf("llm request timed out: %w", err)
	case codes.Unavailable:
		return fmt.Errorf("llm network unavailable: %w", err)
	}

	return fmt.Errorf("llm generation failed: %w", err)
}

// headerRetryAfter reads a Retry-After header, given in seconds, from an HTTP error.
func headerRetryAfter(err error) time.Duration {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) || gErr.Header == nil {
		return 0
	}
	secs, err := strconv.Atoi(gErr.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
