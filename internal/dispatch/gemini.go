package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/httpclient"
	"github.com/mirrorwell/polygate/internal/relay"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/server/sse"
	"github.com/mirrorwell/polygate/internal/transform"
	"github.com/mirrorwell/polygate/internal/upstream"
	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/gemini"
	"github.com/mirrorwell/polygate/pkg/openai"
)

// geminiProviders resolves the provider order for the Gemini-dialect
// endpoints: the CodeAssist pool serves them; the Business pool stands in
// when no CodeAssist account is registered.
func (e *Engine) geminiProviders() ([]account.Provider, int) {
	for _, acc := range e.pool.All() {
		if acc.Provider == account.ProviderGemini {
			return []account.Provider{account.ProviderGemini}, config.MaxAttemptsGemini
		}
	}
	return []account.Provider{account.ProviderGeminiBusiness}, config.MaxAttemptsBusiness
}

// codeAssistPayload wraps the caller's Gemini body for the CodeAssist
// surface.
func codeAssistPayload(model, projectID string, body []byte) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"model":   model,
		"project": projectID,
		"request": json.RawMessage(body),
	})
}

// DispatchGemini serves a Gemini-dialect request (generateContent or
// streamGenerateContent) and responds in the Gemini dialect.
func (e *Engine) DispatchGemini(c *gin.Context, model string, body []byte, stream bool, stickyKey string) {
	providers, budget := e.geminiProviders()
	rec := e.beginLog(model, stream)

	att := attempt{
		send: func(ctx context.Context, acc *account.Account, cred account.Credential) (*http.Response, error) {
			return e.sendGeminiDialect(ctx, acc, cred, model, body, stream)
		},
		deliver: func(resp *http.Response, acc *account.Account) (bool, error) {
			return e.deliverGeminiDialect(c, rec, resp, acc, model, stream)
		},
	}

	e.run(c, rec, DialectGemini, providers, budget, stickyKey, att)
}

// sendGeminiDialect posts the caller's Gemini body to whichever upstream the
// selected account belongs to.
func (e *Engine) sendGeminiDialect(ctx context.Context, acc *account.Account, cred account.Credential, model string, body []byte, stream bool) (*http.Response, error) {
	switch acc.Provider {
	case account.ProviderGemini:
		gcred, ok := cred.(*account.GeminiCredential)
		if !ok {
			return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
		}
		payload, err := codeAssistPayload(model, gcred.ProjectID, body)
		if err != nil {
			return nil, err
		}
		return upstream.SendCodeAssist(ctx, httpclient.Gemini(), e.cfg.Gemini.CodeAssistEndpoint, gcred, payload, stream)

	case account.ProviderGeminiBusiness:
		bcred, ok := cred.(*account.BusinessCredential)
		if !ok {
			return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
		}
		if e.business == nil {
			return nil, fmt.Errorf("gemini business client not configured")
		}
		return e.business.StreamAssist(ctx, acc, bcred, body, "")

	default:
		return nil, fmt.Errorf("account %s: provider %s cannot serve the Gemini path", acc.ID, acc.Provider)
	}
}

// deliverGeminiDialect relays the upstream response in the Gemini dialect.
// CodeAssist streams SSE; the Business widget streams a JSON array.
func (e *Engine) deliverGeminiDialect(c *gin.Context, rec *reqlog.Record, resp *http.Response, acc *account.Account, model string, stream bool) (bool, error) {
	ctx := c.Request.Context()

	if !stream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return false, err
		}
		e.recordGeminiUsage(rec, acc, model, body)
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		return true, nil
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		return false, err
	}
	writer.SetHeaders()
	c.Status(http.StatusOK)

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") && acc.Provider == account.ProviderGeminiBusiness {
		// JSON-array chunk stream: lift each object into an SSE data event.
		reader := relay.NewJSONArrayReader(resp.Body)
		for {
			if ctx.Err() != nil {
				return true, nil
			}
			obj, err := reader.Next()
			if err == io.EOF {
				return true, nil
			}
			if err != nil {
				return true, err
			}
			if err := writer.WriteData(json.RawMessage(obj)); err != nil {
				return true, err
			}
		}
	}

	// SSE passthrough with usage capture.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return true, nil
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := writer.WriteLine(line); err != nil {
			return true, err
		}
		if err := writer.WriteLine(""); err != nil {
			return true, err
		}
		writer.Flush()
		if strings.HasPrefix(line, "data:") {
			e.recordGeminiUsage(rec, acc, model, []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return true, err
	}
	return true, nil
}

// recordGeminiUsage lifts usageMetadata out of a Gemini payload when present.
func (e *Engine) recordGeminiUsage(rec *reqlog.Record, acc *account.Account, model string, body []byte) {
	var parsed gemini.GenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		e.recordUsage(acc, model, nil)
		return
	}
	_, usageMeta := parsed.Unwrap()
	if usageMeta == nil {
		e.recordUsage(acc, model, nil)
		return
	}
	u := &anthropic.Usage{
		InputTokens:          usageMeta.PromptTokenCount - usageMeta.CachedContentTokenCount,
		OutputTokens:         usageMeta.CandidatesTokenCount,
		CacheReadInputTokens: usageMeta.CachedContentTokenCount,
	}
	rec.SetUsage(u.InputTokens, u.OutputTokens)
	e.recordUsage(acc, model, u)
}

// DispatchGeminiOpenAI serves the OpenAI-dialect endpoint backed by the
// Gemini pools: the request converts through the Anthropic shape into a
// Gemini body, and the response re-emits as OpenAI chunks.
func (e *Engine) DispatchGeminiOpenAI(c *gin.Context, req *openai.ChatRequest, stickyKey string) {
	providers, budget := e.geminiProviders()
	rec := e.beginLog(req.Model, req.Stream)

	areq := transform.OpenAIToAnthropic(req)
	body, err := json.Marshal(transform.AnthropicToGemini(areq))
	if err != nil {
		e.finalizeError(c, rec, DialectOpenAI, http.StatusBadRequest, err.Error(), true)
		return
	}

	att := attempt{
		send: func(ctx context.Context, acc *account.Account, cred account.Credential) (*http.Response, error) {
			return e.sendGeminiDialect(ctx, acc, cred, req.Model, body, req.Stream)
		},
		deliver: func(resp *http.Response, acc *account.Account) (bool, error) {
			return e.deliverGeminiOpenAI(c, rec, resp, acc, req)
		},
	}

	e.run(c, rec, DialectOpenAI, providers, budget, stickyKey, att)
}

// deliverGeminiOpenAI re-emits a Gemini upstream response as OpenAI chunks
// or a buffered completion.
func (e *Engine) deliverGeminiOpenAI(c *gin.Context, rec *reqlog.Record, resp *http.Response, acc *account.Account, req *openai.ChatRequest) (bool, error) {
	ctx := c.Request.Context()

	if !req.Stream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return false, err
		}
		var parsed gemini.GenerateResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return false, fmt.Errorf("unreadable upstream body: %w", err)
		}
		converted := transform.GeminiToAnthropic(&parsed, req.Model, false)
		e.recordUsage(acc, req.Model, converted.Usage)
		if converted.Usage != nil {
			rec.SetUsage(converted.Usage.InputTokens, converted.Usage.OutputTokens)
		}
		c.JSON(http.StatusOK, transform.AnthropicResponseToOpenAI(converted, req.Model))
		return true, nil
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		return false, err
	}
	writer.SetHeaders()
	c.Status(http.StatusOK)

	emitter := relay.NewOpenAIEmitter(writer, req.Model)

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") && acc.Provider == account.ProviderGeminiBusiness {
		reader := relay.NewJSONArrayReader(resp.Body)
		for {
			if ctx.Err() != nil {
				return true, nil
			}
			obj, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return true, err
			}
			var chunk gemini.GenerateResponse
			if err := json.Unmarshal(obj, &chunk); err != nil {
				continue
			}
			relay.EmitGeminiChunkOpenAI(emitter, &chunk)
		}
	} else {
		err = relay.ParseGeminiSSE(ctx, resp.Body, func(chunk *gemini.GenerateResponse) {
			relay.EmitGeminiChunkOpenAI(emitter, chunk)
		})
		if ctx.Err() != nil {
			return true, nil
		}
		if err != nil {
			return true, err
		}
	}

	emitter.Finish()
	rec.SetUsage(emitter.PromptTokens(), emitter.CompletionTokens())
	e.recordUsage(acc, req.Model, &anthropic.Usage{
		InputTokens:  emitter.PromptTokens(),
		OutputTokens: emitter.CompletionTokens(),
	})
	return true, emitter.Err()
}
