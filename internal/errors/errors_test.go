package errors

import (
	stderrors "errors"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewResourceExhaustedError("claude-opus-4-6-thinking", 180_000), 400},
		{NewInvalidRequestError("prompt is too long"), 400},
		{NewRateLimitError("429", 1000, "a@example.com"), 429},
		{NewAuthError("revoked", "a@example.com", "invalid_grant"), 401},
		{NewNoAccountsError("", true), 429},
		{NewNoAccountsError("", false), 503},
		{NewMaxRetriesError("", 5), 503},
		{NewAPIError("boom", 502, ""), 502},
		{NewEmptyResponseError(""), 502},
		{NewCapacityExhaustedError("", 5000), 503},
		{stderrors.New("anything"), 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestPredicates(t *testing.T) {
	if !IsRateLimitError(NewRateLimitError("x", 0, "")) {
		t.Error("typed rate limit not detected")
	}
	if !IsRateLimitError(stderrors.New("upstream said RESOURCE_EXHAUSTED")) {
		t.Error("substring rate limit not detected")
	}
	if !IsAuthError(stderrors.New("invalid_grant: token revoked")) {
		t.Error("invalid_grant not detected as auth error")
	}
	if !IsEmptyResponseError(NewEmptyResponseError("")) {
		t.Error("empty response not detected")
	}
	if IsRateLimitError(nil) || IsAuthError(nil) {
		t.Error("nil should never match a predicate")
	}
	if !IsResourceExhaustedError(NewResourceExhaustedError("m", 1)) {
		t.Error("resource exhausted not detected")
	}
}

func TestRetryableFlags(t *testing.T) {
	if !NewRateLimitError("x", 0, "").Retryable {
		t.Error("rate limit should be retryable")
	}
	if NewAuthError("x", "", "").Retryable {
		t.Error("auth errors are not retryable")
	}
	if NewInvalidRequestError("x").Retryable {
		t.Error("invalid request is never retryable")
	}
	if !NewAPIError("x", 503, "").Retryable {
		t.Error("5xx should be retryable")
	}
	if NewAPIError("x", 404, "").Retryable {
		t.Error("4xx should not be retryable")
	}
}
