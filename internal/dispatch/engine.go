package dispatch

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/session"
	"github.com/mirrorwell/polygate/internal/upstream"
	"github.com/mirrorwell/polygate/internal/usage"
	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/openai"
)

// Dialect selects the caller-facing response envelope.
type Dialect int

const (
	DialectAnthropic Dialect = iota
	DialectOpenAI
	DialectGemini
)

// UsageRecorder receives per-request token usage for aggregate stats.
// The redis-backed stats store implements it; nil disables recording.
type UsageRecorder interface {
	RecordUsage(accountID, model string, promptTokens, completionTokens int)
}

// Engine owns the retry loop and the client response. No other component
// writes to the response directly.
type Engine struct {
	pool      *account.Pool
	cache     *session.Cache
	validator *account.Validator
	estimator *usage.Estimator
	logs      *reqlog.Sink
	stats     UsageRecorder
	cfg       *config.Config
	business  *upstream.BusinessClient
}

// NewEngine wires the engine. stats may be nil.
func NewEngine(pool *account.Pool, cache *session.Cache, validator *account.Validator, estimator *usage.Estimator, logs *reqlog.Sink, stats UsageRecorder, cfg *config.Config, business *upstream.BusinessClient) *Engine {
	return &Engine{
		pool:      pool,
		cache:     cache,
		validator: validator,
		estimator: estimator,
		logs:      logs,
		stats:     stats,
		cfg:       cfg,
		business:  business,
	}
}

// Estimator exposes the usage estimator (count_tokens endpoint).
func (e *Engine) Estimator() *usage.Estimator { return e.estimator }

// Pool exposes the account pool (status endpoints).
func (e *Engine) Pool() *account.Pool { return e.pool }

// Logs exposes the request log sink (log endpoints).
func (e *Engine) Logs() *reqlog.Sink { return e.logs }

// attempt is the per-account send hook supplied by each channel.
type attempt struct {
	// send performs the upstream request for the validated account.
	send func(ctx context.Context, acc *account.Account, cred account.Credential) (*http.Response, error)
	// deliver consumes a 2xx response and writes the client response.
	// It returns (started, err): started reports whether bytes reached the
	// client, after which no retry is possible.
	deliver func(resp *http.Response, acc *account.Account) (bool, error)
}

// run drives the bounded retry loop for one request. It owns all writes to
// the client response.
func (e *Engine) run(c *gin.Context, rec *reqlog.Record, dialect Dialect, providers []account.Provider, budget int, stickyKey string, att attempt) {
	ctx := c.Request.Context()
	tried := &account.TriedSet{}

	lastStatus := 0
	lastError := ""

	// forced carries an account being retried after a 401-triggered
	// credential refresh; it bypasses pool selection (the id is already in
	// the tried set) but still logs an attempt.
	var forced *account.Account
	refreshTried := make(map[string]bool)

	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			e.finalizeError(c, rec, dialect, 499, "client disconnected", false)
			return
		}

		acc := forced
		forced = nil
		if acc == nil {
			acc = e.resolveAccount(stickyKey, tried, providers)
		}
		if acc == nil && tried.Len() > 0 {
			// Every candidate was tried this round; start a fresh round
			// against the remaining budget.
			tried = &account.TriedSet{}
			acc = e.resolveAccount(stickyKey, tried, providers)
		}
		if acc == nil {
			break
		}
		tried.Add(acc.ID)
		rec.AddAttempt(acc.ID)

		cred, err := e.validator.EnsureValid(ctx, acc)
		if err != nil {
			utils.Warn("[Dispatch] Credential invalid for %s: %v", acc.ID, err)
			lastStatus = http.StatusUnauthorized
			lastError = err.Error()
			continue
		}

		resp, err := att.send(ctx, acc, cred)
		if err != nil {
			if ctx.Err() != nil {
				e.finalizeError(c, rec, dialect, 499, "client disconnected", false)
				return
			}
			utils.Warn("[Dispatch] Upstream send failed for %s: %v", acc.ID, err)
			lastStatus = http.StatusBadGateway
			lastError = err.Error()
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			rec.MarkFirstByte()
			e.cache.SetConversationAccount(stickyKey, acc.ID)
			e.captureQuota(acc.ID, resp.Header)

			started, err := att.deliver(resp, acc)
			resp.Body.Close()
			if err != nil {
				if started {
					// Bytes already reached the client; the stream is lost.
					utils.Error("[Dispatch] Stream aborted after start: %v", err)
					e.logs.Finalize(rec, resp.StatusCode, "stream aborted: "+err.Error())
					return
				}
				lastStatus = http.StatusBadGateway
				lastError = err.Error()
				continue
			}
			e.logs.Finalize(rec, resp.StatusCode, "")
			return
		}

		body := readBody(resp)
		resp.Body.Close()

		switch Classify(resp.StatusCode, body) {
		case VerdictDisableAndRetry:
			// A 401 on a locally-fresh token gets one refresh-and-retry on
			// the same account before the account is disabled.
			if resp.StatusCode == http.StatusUnauthorized &&
				!refreshTried[acc.ID] && e.validator.CanRefresh(acc) {
				refreshTried[acc.ID] = true
				account.ExpireCredential(acc)
				forced = acc
				utils.Info("[Dispatch] 401 from %s; refreshing credential and retrying", acc.ID)
			} else {
				e.pool.DisableWithReason(acc.ID, "upstream "+strconv.Itoa(resp.StatusCode))
			}
			lastStatus = resp.StatusCode
			lastError = body

		case VerdictRateLimited:
			e.pool.MarkRateLimited(acc.ID, RetryAfterSeconds(resp.Header))
			lastStatus = resp.StatusCode
			lastError = body

		case VerdictClientError:
			e.finalizeError(c, rec, dialect, resp.StatusCode, ExtractErrorMessage(body), true)
			return

		default:
			utils.Warn("[Dispatch] Upstream %d from %s: %s", resp.StatusCode, acc.ID, utils.TruncateString(body, 200))
			lastStatus = resp.StatusCode
			lastError = body
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusServiceUnavailable
	}
	if lastError == "" {
		lastError = "all retries failed"
	}
	e.finalizeError(c, rec, dialect, lastStatus, ExtractErrorMessage(lastError), false)
}

// resolveAccount prefers the sticky account when it matches the provider
// preference and is still selectable; otherwise asks the pool.
func (e *Engine) resolveAccount(stickyKey string, tried *account.TriedSet, providers []account.Provider) *account.Account {
	if id := e.cache.GetConversationAccount(stickyKey); id != "" {
		if acc := e.pool.TryGet(id); acc != nil && !tried.Has(acc.ID) && acc.Selectable(time.Now()) {
			for _, p := range providers {
				if acc.Provider == p {
					return acc
				}
			}
		}
	}
	return e.pool.SelectByProvider(tried, providers...)
}

// captureQuota lifts the Anthropic ratelimit headers into a quota snapshot.
func (e *Engine) captureQuota(accountID string, h http.Header) {
	if h.Get("anthropic-ratelimit-requests-limit") == "" &&
		h.Get("anthropic-ratelimit-input-tokens-limit") == "" {
		return
	}
	snapshot := &session.QuotaSnapshot{CapturedAt: time.Now()}
	snapshot.RequestsLimit = headerInt(h, "anthropic-ratelimit-requests-limit")
	snapshot.RequestsRemaining = headerInt(h, "anthropic-ratelimit-requests-remaining")
	if t, err := time.Parse(time.RFC3339, h.Get("anthropic-ratelimit-requests-reset")); err == nil {
		snapshot.RequestsReset = t
	}
	snapshot.InputTokensLimit = headerInt(h, "anthropic-ratelimit-input-tokens-limit")
	snapshot.InputTokensRemain = headerInt(h, "anthropic-ratelimit-input-tokens-remaining")
	snapshot.OutputTokensLimit = headerInt(h, "anthropic-ratelimit-output-tokens-limit")
	snapshot.OutputTokensRemain = headerInt(h, "anthropic-ratelimit-output-tokens-remaining")
	e.cache.SetQuota(accountID, snapshot)
}

func headerInt(h http.Header, key string) int {
	v, _ := strconv.Atoi(h.Get(key))
	return v
}

// recordUsage feeds the pool counters and the aggregate stats store.
func (e *Engine) recordUsage(acc *account.Account, model string, u *anthropic.Usage) {
	if u == nil {
		e.pool.RecordTokenUsage(acc.ID, 0, 0, 0, 0)
		return
	}
	e.pool.RecordTokenUsage(acc.ID, u.InputTokens, u.OutputTokens, u.CacheReadInputTokens, u.CacheCreationInputTokens)
	if e.stats != nil {
		e.stats.RecordUsage(acc.ID, model, u.InputTokens, u.OutputTokens)
	}
}

// finalizeError writes the terminal failure in the caller's dialect and
// finalizes the request log. clientError marks class-1/4 verdicts.
func (e *Engine) finalizeError(c *gin.Context, rec *reqlog.Record, dialect Dialect, status int, message string, clientError bool) {
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}

	if !c.Writer.Written() {
		switch dialect {
		case DialectAnthropic:
			errType := "api_error"
			if clientError || status == http.StatusBadRequest {
				errType = "invalid_request_error"
			}
			c.JSON(status, anthropic.NewErrorResponse(errType, message))
		case DialectOpenAI:
			c.JSON(status, openai.NewErrorResponse(message, status))
		case DialectGemini:
			c.Data(status, "text/plain; charset=utf-8", []byte(message))
		}
	}

	e.logs.Finalize(rec, status, message)
}

// beginLog opens the request log record.
func (e *Engine) beginLog(model string, stream bool) *reqlog.Record {
	return e.logs.Begin(uuid.New().String(), model, stream)
}

// readBody drains up to 1MB of an error body.
func readBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return string(data)
}

// anthropicProviderOrder derives the provider preference for the Anthropic
// endpoints from the caller's user-agent.
func anthropicProviderOrder(callerUA string) []account.Provider {
	if upstream.IsClaudeCLI(callerUA) {
		return []account.Provider{account.ProviderClaude, account.ProviderFactory, account.ProviderGeminiAntigravity}
	}
	return []account.Provider{account.ProviderGeminiAntigravity, account.ProviderFactory, account.ProviderClaude}
}
