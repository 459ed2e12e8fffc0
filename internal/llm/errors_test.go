package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestClassifyProviderError_RateLimits(t *testing.T) {
	withRetryInfo, err := status.New(codes.ResourceExhausted, "quota exceeded").
		WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(3 * time.Second)})
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Retry-After", "7")

	tests := []struct {
		name       string
		err        error
		retryAfter time.Duration
	}{
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "quota exceeded"), 0},
		{"grpc retry info", withRetryInfo.Err(), 3 * time.Second},
		{"http 429", &googleapi.Error{Code: http.StatusTooManyRequests, Message: "slow down"}, 0},
		{"http 429 retry-after", &googleapi.Error{Code: http.StatusTooManyRequests, Message: "slow down", Header: header}, 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyProviderError(tt.err)

			var rl *RateLimitError
			require.ErrorAs(t, got, &rl)
			assert.Equal(t, tt.retryAfter, rl.RetryAfter)
			assert.Contains(t, got.Error(), "rate limit exceeded")
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyProviderError_Messages(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"deadline", context.DeadlineExceeded, "timed out"},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), "timed out"},
		{"unavailable", status.Error(codes.Unavailable, "backend down"), "network unavailable"},
		{"other", errors.New("boom"), "llm generation failed"},
		{"server error", &googleapi.Error{Code: http.StatusInternalServerError, Message: "oops"}, "llm generation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyProviderError(tt.err)
			assert.Contains(t, got.Error(), tt.contains)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyProviderError_PassThrough(t *testing.T) {
	assert.NoError(t, classifyProviderError(nil))
	assert.Same(t, context.Canceled, classifyProviderError(context.Canceled))
}

func TestRateLimitError_Error(t *testing.T) {
	assert.Equal(t, "rate limit exceeded: quota", (&RateLimitError{Message: "quota"}).Error())
	assert.Equal(t, "rate limit exceeded (retry after 2s): quota",
		(&RateLimitError{Message: "quota", RetryAfter: 2 * time.Second}).Error())
}
