package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// Dispatcher runs the per-request retry/failover state machine shared by
// the streaming and non-streaming paths.
type Dispatcher struct {
	accountManager *account.Manager
	cfg            *config.Config
	httpClient     *http.Client
	endpoints      []string
}

// NewDispatcher creates a dispatcher over the account pool.
func NewDispatcher(mgr *account.Manager, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		accountManager: mgr,
		cfg:            cfg,
		httpClient: &http.Client{
			// AI responses stream for a long time; proxy settings come from
			// the environment.
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		endpoints: config.EndpointFallbacks,
	}
}

// outcomeKind tags the result of one endpoint attempt.
type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeNextEndpoint
	outcomeRetrySameEndpoint
	outcomeSwitchAccount
	outcomeFatal
)

// endpointOutcome carries the facts the outer loop dispatches on.
type endpointOutcome struct {
	kind outcomeKind

	resp *http.Response // open body, only on outcomeOK

	// Delay before retrying the same endpoint (retry) or before moving on
	// (next endpoint / switch account).
	delayMs int64

	err error

	notifyRateLimit  bool
	notifyFailure    bool
	decrementAttempt bool
}

// requestState is the request-local mutable state of one dispatch.
type requestState struct {
	capacityRetryCount int
}

// consumeFunc consumes a successful upstream response. refetch re-issues
// the identical request (empty-stream recovery).
type consumeFunc func(ctx context.Context, req *anthropic.MessagesRequest, resp *http.Response, refetch func() (*http.Response, error)) error

// resumeSwitchError signals that consume hit a retryable upstream failure
// before anything reached the client; the outer loop treats it like an
// account switch instead of surfacing it.
type resumeSwitchError struct {
	reason error
}

func (e *resumeSwitchError) Error() string {
	return "resume with next account: " + e.reason.Error()
}

// execute runs the attempt loop until success, a fatal error, or budget
// exhaustion. useSSE selects the streaming endpoint (always on for
// thinking models: the unary endpoint drops thinking output).
func (d *Dispatcher) execute(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled, useSSE bool, consume consumeFunc) error {
	model := req.Model

	// Optimistic retry: if the whole pool looks exhausted, a reset may
	// have elapsed while we were idle.
	if d.accountManager.IsAllRateLimited(model) {
		utils.Warn("[CloudCode] All accounts rate-limited for %s, resetting for optimistic retry", model)
		d.accountManager.ResetAllRateLimits()
	}

	maxAttempts := d.cfg.MaxRetries
	if count := d.accountManager.GetAccountCount() + 1; count > maxAttempts {
		maxAttempts = count
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		d.accountManager.SweepExpiredRateLimits()

		if len(d.accountManager.GetAvailableAccounts(model)) == 0 {
			if !d.accountManager.IsAllRateLimited(model) {
				return errors.NewNoAccountsError("No accounts configured", false)
			}

			minWaitMs := d.accountManager.GetMinWaitTimeMs(model)
			if minWaitMs > d.cfg.MaxWaitBeforeErrorMs {
				if fallbackEnabled {
					if fallbackModel, ok := config.GetFallbackModel(model); ok {
						utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait), falling back to %s",
							model, utils.FormatDuration(minWaitMs), fallbackModel)
						fallbackReq := *req
						fallbackReq.Model = fallbackModel
						// Fallback is one step: the recursive call cannot
						// chain further.
						return d.execute(ctx, &fallbackReq, false, useSSE || config.IsThinkingModel(fallbackModel), consume)
					}
				}
				return errors.NewResourceExhaustedError(model, minWaitMs)
			}

			utils.Warn("[CloudCode] All %d account(s) rate-limited, waiting %s",
				d.accountManager.GetAccountCount(), utils.FormatDuration(minWaitMs))
			if err := utils.Sleep(ctx, minWaitMs+500); err != nil {
				return err
			}
			d.accountManager.SweepExpiredRateLimits()
			// Waiting for a reset must not consume the retry budget.
			attempt--
			continue
		}

		selection, err := d.accountManager.SelectAccount(model)
		if err != nil {
			return err
		}
		if selection.Account == nil {
			if selection.WaitMs > 0 {
				utils.Info("[CloudCode] Waiting %s for an account", utils.FormatDuration(selection.WaitMs))
				if err := utils.Sleep(ctx, selection.WaitMs+500); err != nil {
					return err
				}
				attempt--
			}
			continue
		}
		if selection.WaitMs > 0 {
			// Hybrid emergency/last-resort throttle.
			utils.Debug("[CloudCode] Throttling %dms before dispatch", selection.WaitMs)
			if err := utils.Sleep(ctx, selection.WaitMs); err != nil {
				return err
			}
		}

		acct := selection.Account

		token, err := d.accountManager.GetTokenForAccount(ctx, acct)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", utils.MaskEmail(acct.Email), err)
			if utils.IsNetworkError(err) {
				d.accountManager.RecordFailure(acct.Email, "token refresh network error")
				_ = utils.Sleep(ctx, 1000)
			}
			continue
		}

		projectID := d.accountManager.GetProjectForAccount(ctx, acct, token)

		payloadBytes, err := json.Marshal(BuildPayload(req, projectID))
		if err != nil {
			return err
		}

		accept := "application/json"
		path := "/v1internal:generateContent"
		if useSSE {
			accept = "text/event-stream"
			path = "/v1internal:streamGenerateContent?alt=sse"
		}
		headers := BuildHeaders(token, model, accept)

		state := &requestState{}
		switched := false

	endpointLoop:
		for endpointIndex := 0; endpointIndex < len(d.endpoints); endpointIndex++ {
			url := d.endpoints[endpointIndex] + path

			doRequest := func() (*http.Response, error) {
				httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
				if err != nil {
					return nil, err
				}
				for k, v := range headers {
					httpReq.Header.Set(k, v)
				}
				return d.httpClient.Do(httpReq)
			}

			resp, err := doRequest()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				utils.Warn("[CloudCode] Network error at %s: %v", d.endpoints[endpointIndex], err)
				d.accountManager.RecordFailure(acct.Email, "network error")
				d.accountManager.NotifyFailure(acct, model)
				_ = utils.Sleep(ctx, 1000)
				switched = true
				break endpointLoop // next account
			}

			outcome := d.classifyResponse(resp, state, acct, model)

			switch outcome.kind {
			case outcomeOK:
				if err := consume(ctx, req, outcome.resp, doRequest); err != nil {
					if rs, ok := err.(*resumeSwitchError); ok {
						utils.Warn("[CloudCode] Post-200 failure on %s, switching account: %v",
							utils.MaskEmail(acct.Email), rs.reason)
						d.accountManager.RecordFailure(acct.Email, "post-response failure")
						d.accountManager.NotifyFailure(acct, model)
						switched = true
						break endpointLoop
					}
					return err
				}
				ClearRateLimitState(acct.Email, model)
				d.accountManager.NotifySuccess(acct, model)
				return nil

			case outcomeRetrySameEndpoint:
				if err := utils.Sleep(ctx, outcome.delayMs); err != nil {
					return err
				}
				endpointIndex--

			case outcomeNextEndpoint:
				if outcome.delayMs > 0 {
					if err := utils.Sleep(ctx, outcome.delayMs); err != nil {
						return err
					}
				}

			case outcomeSwitchAccount:
				if outcome.notifyRateLimit {
					d.accountManager.NotifyRateLimit(acct, model)
				}
				if outcome.notifyFailure {
					d.accountManager.NotifyFailure(acct, model)
				}
				if outcome.delayMs > 0 {
					if err := utils.Sleep(ctx, outcome.delayMs); err != nil {
						return err
					}
				}
				if outcome.decrementAttempt {
					attempt--
				}
				switched = true
				break endpointLoop

			case outcomeFatal:
				return outcome.err
			}
		}

		if !switched {
			// Every endpoint refused without a decisive outcome; count the
			// attempt against this account and rotate.
			d.accountManager.NotifyFailure(acct, model)
			utils.Warn("[CloudCode] All endpoints failed for %s, trying next account", utils.MaskEmail(acct.Email))
		}
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] Retry budget exhausted for %s, falling back to %s", model, fallbackModel)
			fallbackReq := *req
			fallbackReq.Model = fallbackModel
			return d.execute(ctx, &fallbackReq, false, useSSE || config.IsThinkingModel(fallbackModel), consume)
		}
	}

	return errors.NewMaxRetriesError("", maxAttempts)
}

// classifyResponse turns an upstream HTTP response into a tagged outcome.
// It owns the rate-limit bookkeeping side effects (marks, dedup state,
// cache invalidation); the caller owns sleeps, notifications and loop
// control.
func (d *Dispatcher) classifyResponse(resp *http.Response, state *requestState, acct *store.Account, model string) endpointOutcome {
	if resp.StatusCode == http.StatusOK {
		return endpointOutcome{kind: outcomeOK, resp: resp}
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	errorText := string(bodyBytes)
	utils.Warn("[CloudCode] Upstream error %d: %.200s", resp.StatusCode, errorText)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		// Permanent client error (token limit, bad schema): no retry, no
		// account switch.
		return endpointOutcome{kind: outcomeFatal, err: errors.NewInvalidRequestError(errorText)}

	case http.StatusUnauthorized:
		if IsPermanentAuthFailure(errorText) {
			d.accountManager.MarkInvalid(acct.Email, "Token revoked - re-authentication required")
			return endpointOutcome{kind: outcomeSwitchAccount, notifyFailure: true}
		}
		// Transient: drop cached credentials and try the other endpoint.
		d.accountManager.ClearTokenCacheFor(acct.Email)
		d.accountManager.ClearProjectCacheFor(acct.Email)
		return endpointOutcome{kind: outcomeNextEndpoint}

	case http.StatusForbidden, http.StatusNotFound:
		return endpointOutcome{kind: outcomeNextEndpoint}

	case http.StatusTooManyRequests:
		if IsModelCapacityExhausted(errorText) {
			return d.classifyCapacity(resp, state, acct, model, errorText)
		}
		return d.classifyRateLimit(resp, state, acct, model, errorText)

	case http.StatusServiceUnavailable, 529:
		if IsModelCapacityExhausted(errorText) {
			return d.classifyCapacity(resp, state, acct, model, errorText)
		}
		fallthrough

	default:
		if resp.StatusCode >= 500 {
			d.accountManager.RecordFailure(acct.Email, "server error")
			return endpointOutcome{kind: outcomeNextEndpoint, delayMs: 1000}
		}
		return endpointOutcome{kind: outcomeNextEndpoint}
	}
}

// classifyCapacity handles shared-capacity exhaustion with the
// progressive tier schedule, retrying the same endpoint until the tier
// budget runs out, then switching accounts.
func (d *Dispatcher) classifyCapacity(resp *http.Response, state *requestState, acct *store.Account, model, errorText string) endpointOutcome {
	if state.capacityRetryCount < d.cfg.MaxCapacityRetries {
		tier := state.capacityRetryCount
		if tier >= len(config.CapacityBackoffTiersMs) {
			tier = len(config.CapacityBackoffTiersMs) - 1
		}
		waitMs := ParseResetTime(resp.Header, errorText)
		if waitMs <= 0 {
			waitMs = config.CapacityBackoffTiersMs[tier]
		}
		state.capacityRetryCount++
		d.accountManager.RecordFailure(acct.Email, "model capacity exhausted")
		utils.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s",
			state.capacityRetryCount, d.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
		return endpointOutcome{kind: outcomeRetrySameEndpoint, delayMs: waitMs}
	}

	utils.Warn("[CloudCode] Max capacity retries (%d) exceeded, switching account", d.cfg.MaxCapacityRetries)
	smartBackoffMs := CalculateSmartBackoff(errorText, 0, acct.ConsecutiveFailures)
	d.accountManager.MarkRateLimited(acct.Email, smartBackoffMs, model)
	return endpointOutcome{kind: outcomeSwitchAccount, notifyFailure: true}
}

// classifyRateLimit handles a plain 429: very short resets retry in
// place, duplicates and long-term quota exhaustion switch accounts, and
// the first short rate limit takes a quick marked retry.
func (d *Dispatcher) classifyRateLimit(resp *http.Response, state *requestState, acct *store.Account, model, errorText string) endpointOutcome {
	resetMs := ParseResetTime(resp.Header, errorText)

	// Sub-second resets are absorbed in place, never surfaced.
	if resetMs > 0 && resetMs < 1000 {
		utils.Info("[CloudCode] Short rate limit on %s (%dms), retrying in place",
			utils.MaskEmail(acct.Email), resetMs)
		return endpointOutcome{kind: outcomeRetrySameEndpoint, delayMs: resetMs}
	}

	backoff := GetRateLimitBackoff(acct.Email, model, resetMs)
	smartBackoffMs := CalculateSmartBackoff(errorText, resetMs, acct.ConsecutiveFailures)

	if backoff.IsDuplicate {
		// Another attempt just hit the same wall; switching accounts beats
		// piling onto the backoff. Does not consume the retry budget.
		utils.Info("[CloudCode] Duplicate rate limit on %s (attempt %d), switching account",
			utils.MaskEmail(acct.Email), backoff.Attempt)
		d.accountManager.MarkRateLimited(acct.Email, smartBackoffMs, model)
		return endpointOutcome{
			kind:             outcomeSwitchAccount,
			notifyRateLimit:  true,
			decrementAttempt: true,
		}
	}

	if backoff.Attempt == 1 && smartBackoffMs <= d.cfg.DefaultCooldownMs {
		utils.Info("[CloudCode] First rate limit on %s, quick retry after %s",
			utils.MaskEmail(acct.Email), utils.FormatDuration(backoff.DelayMs))
		d.accountManager.MarkRateLimited(acct.Email, backoff.DelayMs, model)
		return endpointOutcome{kind: outcomeRetrySameEndpoint, delayMs: backoff.DelayMs}
	}

	if smartBackoffMs > d.cfg.DefaultCooldownMs {
		// Long-term quota exhaustion: mark and hand over to another account
		// after a small settle delay.
		utils.Info("[CloudCode] Quota exhausted on %s (%s), switching account",
			utils.MaskEmail(acct.Email), utils.FormatDuration(smartBackoffMs))
		d.accountManager.MarkRateLimited(acct.Email, smartBackoffMs, model)
		return endpointOutcome{
			kind:            outcomeSwitchAccount,
			delayMs:         d.cfg.SwitchAccountDelayMs,
			notifyRateLimit: true,
		}
	}

	utils.Info("[CloudCode] Rate limit on %s (attempt %d), waiting %s",
		utils.MaskEmail(acct.Email), backoff.Attempt, utils.FormatDuration(backoff.DelayMs))
	d.accountManager.MarkRateLimited(acct.Email, backoff.DelayMs, model)
	return endpointOutcome{kind: outcomeRetrySameEndpoint, delayMs: backoff.DelayMs}
}
