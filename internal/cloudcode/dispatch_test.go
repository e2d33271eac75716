package cloudcode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

const jsonOK = `{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1}}}`

const sseOK = `data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1}}}

`

func testRequest(model string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 128,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "ping"}}},
		},
	}
}

// serveUpstream answers generateContent with JSON and the SSE endpoint
// with an event stream, delegating status decisions to decide.
func serveUpstream(t *testing.T, decide func(r *http.Request, call int) (int, string, http.Header)) *httptest.Server {
	t.Helper()
	var calls int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(atomic.AddInt64(&calls, 1))
		status, body, headers := decide(r, call)
		for k, vs := range headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if status == http.StatusOK && body == "" {
			if strings.Contains(r.URL.Path, "streamGenerateContent") {
				w.Header().Set("Content-Type", "text/event-stream")
				body = sseOK
			} else {
				w.Header().Set("Content-Type", "application/json")
				body = jsonOK
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newDispatchHandler(t *testing.T, serverURL string, emails ...string) (*MessageHandler, *account.Manager) {
	t.Helper()

	st := store.NewStore(filepath.Join(t.TempDir(), "accounts.json"), 10)
	require.NoError(t, st.Load())
	for _, email := range emails {
		require.NoError(t, st.Upsert(&store.Account{
			Email:     email,
			Source:    store.SourceManual,
			Enabled:   true,
			APIKey:    "test-token",
			ProjectID: "test-project",
		}))
	}

	cfg := config.DefaultConfig()
	cfg.AccountSelection.Strategy = "round-robin"

	mgr := account.NewManager(st, cfg)
	require.NoError(t, mgr.Initialize(""))

	h := NewMessageHandler(mgr, cfg)
	h.dispatcher.endpoints = []string{serverURL}
	return h, mgr
}

func TestDispatchSuccessFirstTry(t *testing.T) {
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, mgr := newDispatchHandler(t, server.URL, "a@x.com")

	resp, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text)
	require.Equal(t, "claude-sonnet-4-5", resp.Model)
	require.Zero(t, mgr.GetConsecutiveFailures("a@x.com"))
}

func TestShortRateLimitAbsorbedInPlace(t *testing.T) {
	// A 429 with Retry-After: 0 (parsed to 500ms) retries
	// the same endpoint and succeeds; the client only sees success.
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		if call == 1 {
			return http.StatusTooManyRequests, `{"error":"rate limit"}`,
				http.Header{"Retry-After": []string{"0"}}
		}
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com", "b@x.com")

	start := time.Now()
	resp, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 400*time.Millisecond, "must have slept the parsed reset")
	require.Less(t, elapsed, 5*time.Second)
}

func TestLongRateLimitSwitchesAccount(t *testing.T) {
	// A 429 with quotaResetDelay 120s marks the account and
	// switches to the other one.
	resetDedupState()
	var firstAccountHit atomic.Bool
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		if !firstAccountHit.Load() {
			firstAccountHit.Store(true)
			return http.StatusTooManyRequests, `{"error":{"message":"quota exceeded","quotaResetDelay":"120s"}}`, nil
		}
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, mgr := newDispatchHandler(t, server.URL, "a@x.com", "b@x.com")
	// Keep the switch delay out of the test's runtime.
	h.dispatcher.cfg.SwitchAccountDelayMs = 10

	resp, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text)

	// Exactly one account carries the 120s mark.
	marked := 0
	for _, email := range []string{"a@x.com", "b@x.com"} {
		acc := mgr.GetAccountByEmail(email)
		if acc.IsRateLimitedFor("claude-sonnet-4-5", time.Now()) {
			marked++
			info := acc.RateLimitFor("claude-sonnet-4-5")
			require.InDelta(t, 120_000, info.ActualResetMs, 1000)
		}
	}
	require.Equal(t, 1, marked)
}

func TestInvalidRequestSurfacesImmediately(t *testing.T) {
	// A 400 aborts with no retry and no account switch.
	resetDedupState()
	var calls atomic.Int64
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		calls.Store(int64(call))
		return http.StatusBadRequest, `{"error":{"message":"prompt is too long"}}`, nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com", "b@x.com")

	_, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.Error(t, err)
	require.True(t, errors.IsInvalidRequestError(err))
	require.Contains(t, err.Error(), "prompt is too long")
	require.Equal(t, int64(1), calls.Load(), "400 must not retry")
}

func TestWaitUnderThresholdRetriesSameAccount(t *testing.T) {
	// Scaled down: the only account gets rate-limited for
	// a few seconds mid-dispatch. The wait stays under the error threshold,
	// so the dispatcher sleeps out the reset and retries the same account.
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		if call == 1 {
			return http.StatusTooManyRequests,
				`{"error":{"message":"quota exceeded","quotaResetDelay":"2.5s"}}`, nil
		}
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com")
	// Lower the quick-retry ceiling so a 2.5s reset counts as long-term and
	// forces the mark-and-wait path.
	h.dispatcher.cfg.DefaultCooldownMs = 1000
	h.dispatcher.cfg.SwitchAccountDelayMs = 10

	start := time.Now()
	resp, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text)
	require.GreaterOrEqual(t, time.Since(start), 2500*time.Millisecond, "must have waited out the reset")
}

func TestPermanentAuthInvalidatesAndSwitches(t *testing.T) {
	resetDedupState()
	var sawSecond atomic.Bool
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		if call == 1 {
			return http.StatusUnauthorized, `{"error":"invalid_grant: token revoked"}`, nil
		}
		sawSecond.Store(true)
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, mgr := newDispatchHandler(t, server.URL, "a@x.com", "b@x.com")

	resp, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text)
	require.True(t, sawSecond.Load())

	invalid := 0
	for _, email := range []string{"a@x.com", "b@x.com"} {
		if mgr.GetAccountByEmail(email).IsInvalid {
			invalid++
		}
	}
	require.Equal(t, 1, invalid, "exactly one account is marked invalid")
}

func TestCapacityExhaustionRetriesSameEndpointThenSucceeds(t *testing.T) {
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		if call <= 2 {
			return http.StatusTooManyRequests,
				`{"error":"MODEL_CAPACITY_EXHAUSTED","retryDelay":"1s"}`, nil
		}
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com")

	resp, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content[0].Text)
}

func TestCrossModelFallbackEngages(t *testing.T) {
	// The upstream exhausts every account on the Claude
	// model with a reset beyond the wait threshold. With fallback enabled
	// the dispatcher re-enters once with the mapped Gemini model, and the
	// client receives the Gemini model id.
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		body := make([]byte, r.ContentLength)
		_, _ = io.ReadFull(r.Body, body)
		if strings.Contains(string(body), `"model":"claude-opus-4-6-thinking"`) {
			return http.StatusTooManyRequests,
				`{"error":{"message":"quota exceeded","quotaResetDelay":"180s"}}`, nil
		}
		return http.StatusOK, "", nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com", "b@x.com")
	h.dispatcher.cfg.SwitchAccountDelayMs = 10

	resp, err := h.SendMessage(context.Background(), testRequest("claude-opus-4-6-thinking"), true)
	require.NoError(t, err)
	require.Equal(t, "gemini-3-pro-high", resp.Model)
	require.Equal(t, "ok", resp.Content[0].Text)
}

func TestNoFallbackSurfacesResourceExhausted(t *testing.T) {
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		return http.StatusTooManyRequests,
			`{"error":{"message":"quota exceeded","quotaResetDelay":"180s"}}`, nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com")
	h.dispatcher.cfg.SwitchAccountDelayMs = 10

	_, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.Error(t, err)
	require.True(t, errors.IsResourceExhaustedError(err))
}

func TestMaxRetriesExceeded(t *testing.T) {
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		return http.StatusInternalServerError, `{"error":"boom"}`, nil
	})
	defer server.Close()

	h, _ := newDispatchHandler(t, server.URL, "a@x.com")
	h.dispatcher.cfg.MaxRetries = 1

	_, err := h.SendMessage(context.Background(), testRequest("claude-sonnet-4-5"), false)
	require.Error(t, err)
}

func TestStreamingEmptyResponseRecovery(t *testing.T) {
	// A 200 with an empty stream refetches with backoff and,
	// still empty, emits the synthetic terminal stream.
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		return http.StatusOK, "\n", http.Header{"Content-Type": []string{"text/event-stream"}}
	})
	defer server.Close()

	st := store.NewStore(filepath.Join(t.TempDir(), "accounts.json"), 10)
	require.NoError(t, st.Load())
	require.NoError(t, st.Upsert(&store.Account{
		Email: "a@x.com", Source: store.SourceManual, Enabled: true,
		APIKey: "tok", ProjectID: "proj",
	}))

	cfg := config.DefaultConfig()
	mgr := account.NewManager(st, cfg)
	require.NoError(t, mgr.Initialize(""))

	sh := NewStreamingHandler(mgr, cfg)
	sh.dispatcher.endpoints = []string{server.URL}

	events, errs := sh.SendMessageStream(context.Background(), testRequest("claude-sonnet-4-5"), false)

	var collected []*SSEEvent
	for event := range events {
		collected = append(collected, event)
	}
	require.NoError(t, <-errs)

	types := eventTypes(collected)
	require.Equal(t, "message_start", types[0])
	require.Equal(t, "message_stop", types[len(types)-1])

	var sawNotice bool
	for _, e := range collected {
		if e.Type == "content_block_delta" {
			if text, _ := e.Delta["text"].(string); strings.Contains(text, "No response after retries") {
				sawNotice = true
			}
		}
	}
	require.True(t, sawNotice, "synthetic stream must carry the retry notice")
}

func TestStreamingHappyPath(t *testing.T) {
	resetDedupState()
	server := serveUpstream(t, func(r *http.Request, call int) (int, string, http.Header) {
		return http.StatusOK, "", nil
	})
	defer server.Close()

	st := store.NewStore(filepath.Join(t.TempDir(), "accounts.json"), 10)
	require.NoError(t, st.Load())
	require.NoError(t, st.Upsert(&store.Account{
		Email: "a@x.com", Source: store.SourceManual, Enabled: true,
		APIKey: "tok", ProjectID: "proj",
	}))

	cfg := config.DefaultConfig()
	mgr := account.NewManager(st, cfg)
	require.NoError(t, mgr.Initialize(""))

	sh := NewStreamingHandler(mgr, cfg)
	sh.dispatcher.endpoints = []string{server.URL}

	events, errs := sh.SendMessageStream(context.Background(), testRequest("claude-sonnet-4-5"), false)
	var collected []*SSEEvent
	for event := range events {
		collected = append(collected, event)
	}
	require.NoError(t, <-errs)

	types := eventTypes(collected)
	require.Contains(t, types, "message_start")
	require.Contains(t, types, "content_block_delta")
	require.Equal(t, "message_stop", types[len(types)-1])
}
