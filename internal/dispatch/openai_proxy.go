package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/httpclient"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/server/sse"
)

// DispatchOpenAIProxy relays a request body verbatim to an OpenAI-compatible
// upstream account (the /v1/responses surface). The upstream speaks the
// caller's dialect already, so delivery is a passthrough.
func (e *Engine) DispatchOpenAIProxy(c *gin.Context, path, model string, body []byte, stream bool, stickyKey string) {
	providers := []account.Provider{account.ProviderOpenAI}
	rec := e.beginLog(model, stream)
	client := httpclient.Anthropic(e.cfg.SkipTLSValidate)

	att := attempt{
		send: func(ctx context.Context, acc *account.Account, cred account.Credential) (*http.Response, error) {
			oauth, ok := cred.(*account.OAuthCredential)
			if !ok {
				return nil, fmt.Errorf("account %s: unexpected credential variant", acc.ID)
			}
			if acc.BaseURL == "" {
				return nil, fmt.Errorf("account %s: openai-compatible account requires a base URL", acc.ID)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				strings.TrimSuffix(acc.BaseURL, "/")+path, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+oauth.AccessToken)
			if stream {
				req.Header.Set("Accept", "text/event-stream")
			}
			return client.Do(req)
		},
		deliver: func(resp *http.Response, acc *account.Account) (bool, error) {
			return e.deliverPassthrough(c, rec, resp, acc, model, stream)
		},
	}

	e.run(c, rec, DialectOpenAI, providers, config.MaxAttemptsAnthropic, stickyKey, att)
}

// deliverPassthrough relays the upstream response bytes unchanged.
func (e *Engine) deliverPassthrough(c *gin.Context, rec *reqlog.Record, resp *http.Response, acc *account.Account, model string, stream bool) (bool, error) {
	ctx := c.Request.Context()

	if !stream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return false, err
		}
		e.recordUsage(acc, model, nil)
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json; charset=utf-8"
		}
		c.Data(http.StatusOK, contentType, body)
		return true, nil
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		return false, err
	}
	writer.SetHeaders()
	c.Status(http.StatusOK)

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
	}
	e.recordUsage(acc, model, nil)
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return true, err
	}
	return true, nil
}
