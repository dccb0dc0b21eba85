package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/httpclient"
	"github.com/mirrorwell/polygate/internal/relay"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/server/sse"
	"github.com/mirrorwell/polygate/internal/transform"
	"github.com/mirrorwell/polygate/internal/upstream"
	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/gemini"
)

// DispatchAnthropic serves an Anthropic-shape request over the Claude,
// Antigravity, and Factory pools. dialect selects the response envelope
// (the OpenAI endpoints convert their requests to this shape first).
func (e *Engine) DispatchAnthropic(c *gin.Context, req *anthropic.MessagesRequest, dialect Dialect, callerUA, stickyKey string) {
	providers := anthropicProviderOrder(callerUA)
	rec := e.beginLog(req.Model, req.Stream)

	// Optimistic retry: a fully limited pool resets rather than failing the
	// request outright.
	if e.pool.AllRateLimited(providers...) {
		utils.Warn("[Dispatch] All Anthropic-path accounts rate-limited; resetting for optimistic retry")
		e.pool.ResetAllRateLimits(providers...)
	}

	inputEstimate := e.estimator.EstimateAnthropicInput(req)
	client := httpclient.Anthropic(e.cfg.SkipTLSValidate)

	att := attempt{
		send: func(ctx context.Context, acc *account.Account, cred account.Credential) (*http.Response, error) {
			switch acc.Provider {
			case account.ProviderClaude:
				oauth, ok := cred.(*account.OAuthCredential)
				if !ok {
					return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
				}
				return upstream.SendClaude(ctx, client, acc, oauth, req, callerUA)

			case account.ProviderFactory:
				oauth, ok := cred.(*account.OAuthCredential)
				if !ok {
					return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
				}
				return upstream.SendFactory(ctx, client, acc, oauth, req)

			case account.ProviderGeminiAntigravity:
				gcred, ok := cred.(*account.GeminiCredential)
				if !ok {
					return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
				}
				payload, err := upstream.BuildAntigravityPayload(req, gcred.ProjectID, stickyKey, uuid.New().String())
				if err != nil {
					return nil, err
				}
				return upstream.SendAntigravity(ctx, client, gcred, payload, req.Stream)

			default:
				return nil, fmt.Errorf("account %s: provider %s cannot serve the Anthropic path", acc.ID, acc.Provider)
			}
		},
		deliver: func(resp *http.Response, acc *account.Account) (bool, error) {
			if acc.Provider == account.ProviderGeminiAntigravity {
				return e.deliverFromGemini(c, rec, resp, acc, req, dialect, inputEstimate)
			}
			return e.deliverFromAnthropic(c, rec, resp, acc, req, dialect)
		},
	}

	e.run(c, rec, dialect, providers, config.MaxAttemptsAnthropic, stickyKey, att)
}

// deliverFromAnthropic consumes a Claude/Factory upstream response (already
// in the Anthropic wire shape) and writes the client response.
func (e *Engine) deliverFromAnthropic(c *gin.Context, rec *reqlog.Record, resp *http.Response, acc *account.Account, req *anthropic.MessagesRequest, dialect Dialect) (bool, error) {
	ctx := c.Request.Context()

	if !req.Stream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return false, err
		}
		var parsed anthropic.MessagesResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return false, fmt.Errorf("unreadable upstream body: %w", err)
		}
		e.recordUsage(acc, req.Model, parsed.Usage)
		if parsed.Usage != nil {
			rec.SetUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens)
		}

		if dialect == DialectOpenAI {
			c.JSON(http.StatusOK, transform.AnthropicResponseToOpenAI(&parsed, req.Model))
		} else {
			c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		}
		return true, nil
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		return false, err
	}
	writer.SetHeaders()
	c.Status(http.StatusOK)

	if dialect == DialectOpenAI {
		emitter := relay.NewOpenAIEmitter(writer, req.Model)
		err = relay.ParseAnthropicSSE(ctx, resp.Body, func(event *relay.AnthropicStreamEvent) {
			relay.EmitAnthropicEventOpenAI(emitter, event)
		})
		if err != nil && ctx.Err() == nil {
			return true, err
		}
		emitter.Finish()
		rec.SetUsage(emitter.PromptTokens(), emitter.CompletionTokens())
		e.recordUsage(acc, req.Model, &anthropic.Usage{
			InputTokens:  emitter.PromptTokens(),
			OutputTokens: emitter.CompletionTokens(),
		})
		return true, emitter.Err()
	}

	// Anthropic dialect: relay the upstream stream as-is.
	if err := relay.PassthroughAnthropicSSE(ctx, resp.Body, writer); err != nil && ctx.Err() == nil {
		return true, err
	}
	e.recordUsage(acc, req.Model, nil)
	return true, nil
}

// deliverFromGemini consumes an Antigravity upstream response (Gemini wire
// shape) and writes the client response.
func (e *Engine) deliverFromGemini(c *gin.Context, rec *reqlog.Record, resp *http.Response, acc *account.Account, req *anthropic.MessagesRequest, dialect Dialect, inputEstimate int) (bool, error) {
	ctx := c.Request.Context()
	includeThoughts := e.cfg.ReturnThoughts()

	if !req.Stream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return false, err
		}
		var parsed gemini.GenerateResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return false, fmt.Errorf("unreadable upstream body: %w", err)
		}
		converted := transform.GeminiToAnthropic(&parsed, req.Model, includeThoughts)
		e.recordUsage(acc, req.Model, converted.Usage)
		if converted.Usage != nil {
			rec.SetUsage(converted.Usage.InputTokens, converted.Usage.OutputTokens)
		}

		if dialect == DialectOpenAI {
			c.JSON(http.StatusOK, transform.AnthropicResponseToOpenAI(converted, req.Model))
		} else {
			c.JSON(http.StatusOK, converted)
		}
		return true, nil
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		return false, err
	}
	writer.SetHeaders()
	c.Status(http.StatusOK)

	if dialect == DialectOpenAI {
		emitter := relay.NewOpenAIEmitter(writer, req.Model)
		err = relay.ParseGeminiSSE(ctx, resp.Body, func(chunk *gemini.GenerateResponse) {
			relay.EmitGeminiChunkOpenAI(emitter, chunk)
		})
		if err != nil && ctx.Err() == nil {
			return true, err
		}
		emitter.Finish()
		rec.SetUsage(emitter.PromptTokens(), emitter.CompletionTokens())
		e.recordUsage(acc, req.Model, &anthropic.Usage{
			InputTokens:  emitter.PromptTokens(),
			OutputTokens: emitter.CompletionTokens(),
		})
		return true, emitter.Err()
	}

	emitter := relay.NewAnthropicEmitter(writer, req.Model, inputEstimate)
	err = relay.ParseGeminiSSE(ctx, resp.Body, func(chunk *gemini.GenerateResponse) {
		relay.EmitGeminiChunk(emitter, chunk, includeThoughts)
	})
	if ctx.Err() != nil {
		// Client went away: close the open block and stop writing.
		emitter.Abort()
		e.recordUsage(acc, req.Model, nil)
		return true, nil
	}
	if err != nil {
		return true, err
	}
	emitter.Finish()
	rec.SetUsage(emitter.InputTokens(), emitter.OutputTokens())
	e.recordUsage(acc, req.Model, &anthropic.Usage{
		InputTokens:          emitter.InputTokens(),
		OutputTokens:         emitter.OutputTokens(),
		CacheReadInputTokens: emitter.CacheReadTokens(),
	})
	return true, emitter.Err()
}
