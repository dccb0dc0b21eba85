package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
)

// BusinessClient talks to the Gemini Business widget endpoints on behalf of
// a reverse-session account.
type BusinessClient struct {
	client    *http.Client
	minter    *JWTMinter
	baseURL   string
	userAgent string
}

// NewBusinessClient creates a client. baseURL overrides the widget host
// (tests); empty selects the default.
func NewBusinessClient(client *http.Client, minter *JWTMinter, baseURL, userAgent string) *BusinessClient {
	if baseURL == "" {
		baseURL = config.GeminiBusinessBaseURL
	}
	return &BusinessClient{
		client:    client,
		minter:    minter,
		baseURL:   baseURL,
		userAgent: userAgent,
	}
}

// BuildBusinessPayload stamps the account's configId (and session, when
// known) onto the caller's Gemini-dialect body.
func BuildBusinessPayload(geminiBody []byte, configID, sessionName string) ([]byte, error) {
	payload, err := sjson.SetBytes(geminiBody, "configId", configID)
	if err != nil {
		return nil, err
	}
	if sessionName != "" {
		payload, err = sjson.SetBytes(payload, "session", sessionName)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// CreateSession opens a widget session and returns its name.
func (b *BusinessClient) CreateSession(ctx context.Context, acc *account.Account, cred *account.BusinessCredential) (string, error) {
	body, err := json.Marshal(map[string]string{"configId": cred.ConfigID})
	if err != nil {
		return "", err
	}
	resp, err := b.post(ctx, acc, cred, config.GeminiBusinessCreateSession, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Name, nil
}

// StreamAssist posts the caller's Gemini body to widgetStreamAssist and
// returns the raw response for the relay.
func (b *BusinessClient) StreamAssist(ctx context.Context, acc *account.Account, cred *account.BusinessCredential, geminiBody []byte, sessionName string) (*http.Response, error) {
	payload, err := BuildBusinessPayload(geminiBody, cred.ConfigID, sessionName)
	if err != nil {
		return nil, err
	}
	return b.post(ctx, acc, cred, config.GeminiBusinessStreamAssist, payload)
}

// AddContextFile uploads a context file into a widget session. maxBytes and
// the download timeout come from configuration; oversized payloads are
// rejected before any network traffic.
func (b *BusinessClient) AddContextFile(ctx context.Context, acc *account.Account, cred *account.BusinessCredential, sessionName, fileName string, data []byte, maxBytes int64, timeout time.Duration) error {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return fmt.Errorf("context file %s exceeds the %d byte limit", fileName, maxBytes)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(map[string]interface{}{
		"configId": cred.ConfigID,
		"session":  sessionName,
		"fileName": fileName,
		"content":  base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}

	resp, err := b.post(ctx, acc, cred, config.GeminiBusinessAddContextFile, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("widgetAddContextFile returned %d", resp.StatusCode)
	}
	return nil
}

// post performs a widget POST with a minted JWT and the session cookies.
func (b *BusinessClient) post(ctx context.Context, acc *account.Account, cred *account.BusinessCredential, path string, body []byte) (*http.Response, error) {
	jwt, err := b.minter.Token(ctx, acc.ID, cred)
	if err != nil {
		return nil, err
	}

	base := b.baseURL
	if acc.BaseURL != "" {
		base = acc.BaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("JWT", jwt)
	req.Header.Set("Cookie", businessCookie(cred))
	req.Header.Set("User-Agent", b.userAgent)

	return b.client.Do(req)
}
