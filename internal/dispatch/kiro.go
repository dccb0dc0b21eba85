package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/httpclient"
	"github.com/mirrorwell/polygate/internal/relay"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/server/sse"
	"github.com/mirrorwell/polygate/internal/session"
	"github.com/mirrorwell/polygate/internal/transform"
	"github.com/mirrorwell/polygate/internal/upstream"
	"github.com/mirrorwell/polygate/internal/usage"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// DispatchKiro serves an Anthropic-shape request over the Kiro pool.
func (e *Engine) DispatchKiro(c *gin.Context, req *anthropic.MessagesRequest, dialect Dialect, stickyKey string) {
	providers := []account.Provider{account.ProviderKiro}
	rec := e.beginLog(req.Model, req.Stream)
	client := httpclient.Kiro()

	var cacheAnchored bool

	att := attempt{
		send: func(ctx context.Context, acc *account.Account, cred account.Credential) (*http.Response, error) {
			kcred, ok := cred.(*account.KiroCredential)
			if !ok {
				return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
			}
			payload, anchored := transform.AnthropicToKiro(req, kcred.ProfileArn)
			cacheAnchored = anchored
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			return upstream.SendKiro(ctx, client, acc, kcred, body, req.Model)
		},
		deliver: func(resp *http.Response, acc *account.Account) (bool, error) {
			return e.deliverFromKiro(c, rec, resp, acc, req, dialect, cacheAnchored)
		},
	}

	e.run(c, rec, dialect, providers, config.MaxAttemptsKiro, stickyKey, att)
}

// kiroAccumulator walks the classified event stream, forwarding content
// through the dialect hooks while gathering the credit accounting inputs.
type kiroAccumulator struct {
	thinkParser *relay.ThinkTagParser

	onText     func(string)
	onThinking func(string)
	onToolOpen func(id, name string)
	onToolArg  func(string)
	onToolStop func()

	outputText   strings.Builder
	credits      float64
	contextUsage float64
	toolOpen     bool
	sawTool      bool
}

// consume walks the event stream until EOF or context cancellation.
func (a *kiroAccumulator) consume(ctx context.Context, body io.Reader) error {
	reader := relay.NewEventStreamReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, err := reader.Next()
		if err == io.EOF {
			a.flushThink()
			if a.toolOpen {
				a.toolOpen = false
				a.onToolStop()
			}
			return nil
		}
		if err != nil {
			return err
		}

		switch event.Kind {
		case relay.KiroEventContent:
			a.outputText.WriteString(event.Text)
			if a.thinkParser != nil {
				for _, seg := range a.thinkParser.Feed(event.Text) {
					a.emitSegment(seg)
				}
			} else {
				a.onText(event.Text)
			}

		case relay.KiroEventToolOpen:
			a.flushThink()
			if a.toolOpen {
				a.onToolStop()
			}
			a.toolOpen = true
			a.sawTool = true
			a.onToolOpen(event.ToolUseID, event.Name)
			if event.Input != "" {
				a.onToolArg(event.Input)
			}
			if event.Stop {
				a.toolOpen = false
				a.onToolStop()
			}

		case relay.KiroEventToolInput:
			if a.toolOpen {
				a.onToolArg(event.Input)
			}

		case relay.KiroEventToolStop:
			if a.toolOpen {
				a.toolOpen = false
				a.onToolStop()
			}

		case relay.KiroEventCredits:
			a.credits += event.UsageCredits

		case relay.KiroEventContextUsage:
			a.contextUsage = event.ContextUsagePercentage
		}
	}
}

func (a *kiroAccumulator) emitSegment(seg relay.ThinkSegment) {
	if seg.Thinking {
		a.onThinking(seg.Text)
	} else {
		a.onText(seg.Text)
	}
}

func (a *kiroAccumulator) flushThink() {
	if a.thinkParser == nil {
		return
	}
	for _, seg := range a.thinkParser.Flush() {
		a.emitSegment(seg)
	}
}

// kiroUsage reconstructs the token view from the accumulated credit events
// and refreshes the account's quota snapshot. Without a cache anchor, the
// reconstruction attributes everything to fresh input.
func (e *Engine) kiroUsage(acc *account.Account, model string, a *kiroAccumulator, cacheAnchored bool) anthropic.Usage {
	e.cache.SetQuota(acc.ID, &session.QuotaSnapshot{
		CreditsUsed: a.credits,
		CapturedAt:  time.Now(),
	})

	ku := usage.ReconstructKiroUsage(model, a.contextUsage, a.credits)
	if !cacheAnchored {
		ku.InputTokens += ku.CacheReadTokens
		ku.CacheReadTokens = 0
	}
	return anthropic.Usage{
		InputTokens:          ku.InputTokens,
		OutputTokens:         e.estimator.CountText(a.outputText.String()),
		CacheReadInputTokens: ku.CacheReadTokens,
	}
}

// deliverFromKiro consumes a CodeWhisperer event-stream response.
func (e *Engine) deliverFromKiro(c *gin.Context, rec *reqlog.Record, resp *http.Response, acc *account.Account, req *anthropic.MessagesRequest, dialect Dialect, cacheAnchored bool) (bool, error) {
	ctx := c.Request.Context()

	if req.Stream {
		writer, err := sse.NewWriter(c.Writer)
		if err != nil {
			return false, err
		}
		writer.SetHeaders()
		c.Status(http.StatusOK)

		if dialect == DialectOpenAI {
			emitter := relay.NewOpenAIEmitter(writer, req.Model)
			acc2 := &kiroAccumulator{
				onText:     emitter.Text,
				onThinking: func(string) {},
				onToolOpen: emitter.OpenTool,
				onToolArg:  emitter.ToolInput,
				onToolStop: emitter.CloseTool,
			}
			err = acc2.consume(ctx, resp.Body)
			if ctx.Err() != nil {
				e.recordUsage(acc, req.Model, nil)
				return true, nil
			}
			if err != nil {
				return true, err
			}
			u := e.kiroUsage(acc, req.Model, acc2, cacheAnchored)
			emitter.SetUsage(u.InputTokens, u.OutputTokens)
			emitter.Finish()
			rec.SetUsage(u.InputTokens, u.OutputTokens)
			e.recordUsage(acc, req.Model, &u)
			return true, emitter.Err()
		}

		emitter := relay.NewAnthropicEmitter(writer, req.Model, e.estimator.EstimateAnthropicInput(req))
		acc2 := &kiroAccumulator{
			onText:     emitter.Text,
			onThinking: func(s string) { emitter.Thinking(s, "") },
			onToolOpen: emitter.OpenTool,
			onToolArg:  emitter.ToolInput,
			onToolStop: emitter.CloseTool,
		}
		if req.ThinkingEnabled() {
			acc2.thinkParser = relay.NewThinkTagParser()
		}
		err = acc2.consume(ctx, resp.Body)
		if ctx.Err() != nil {
			emitter.Abort()
			e.recordUsage(acc, req.Model, nil)
			return true, nil
		}
		if err != nil {
			return true, err
		}
		u := e.kiroUsage(acc, req.Model, acc2, cacheAnchored)
		emitter.SetUsage(u.InputTokens, u.OutputTokens, u.CacheReadInputTokens)
		emitter.Finish()
		rec.SetUsage(u.InputTokens, u.OutputTokens)
		e.recordUsage(acc, req.Model, &u)
		return true, emitter.Err()
	}

	// Buffered: gather segments into content blocks.
	var thinkingText, plainText strings.Builder
	type pendingTool struct {
		id   string
		name string
		args strings.Builder
	}
	var tools []*pendingTool

	acc2 := &kiroAccumulator{
		onText:     func(s string) { plainText.WriteString(s) },
		onThinking: func(s string) { thinkingText.WriteString(s) },
		onToolOpen: func(id, name string) { tools = append(tools, &pendingTool{id: id, name: name}) },
		onToolArg: func(s string) {
			if len(tools) > 0 {
				tools[len(tools)-1].args.WriteString(s)
			}
		},
		onToolStop: func() {},
	}
	if req.ThinkingEnabled() {
		acc2.thinkParser = relay.NewThinkTagParser()
	}

	if err := acc2.consume(ctx, resp.Body); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}

	var content []anthropic.ContentBlock
	if thinkingText.Len() > 0 {
		content = append(content, anthropic.ContentBlock{Type: "thinking", Thinking: thinkingText.String()})
	}
	if plainText.Len() > 0 || len(content) == 0 && len(tools) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: plainText.String()})
	}
	for _, tool := range tools {
		id := tool.id
		if id == "" {
			id = anthropic.GenerateToolUseID()
		}
		input := tool.args.String()
		if input == "" {
			input = "{}"
		}
		content = append(content, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  tool.name,
			Input: json.RawMessage(input),
		})
	}

	stopReason := "end_turn"
	if acc2.sawTool {
		stopReason = "tool_use"
	}

	u := e.kiroUsage(acc, req.Model, acc2, cacheAnchored)
	parsed := &anthropic.MessagesResponse{
		ID:         anthropic.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      req.Model,
		StopReason: stopReason,
		Usage:      &u,
	}
	rec.SetUsage(u.InputTokens, u.OutputTokens)
	e.recordUsage(acc, req.Model, &u)

	if dialect == DialectOpenAI {
		c.JSON(http.StatusOK, transform.AnthropicResponseToOpenAI(parsed, req.Model))
	} else {
		c.JSON(http.StatusOK, parsed)
	}
	return true, nil
}
