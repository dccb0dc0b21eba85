package upstream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/tidwall/gjson"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
)

// JWT claim constants for the Business widget surface.
const (
	businessJWTIssuer   = "gws-widget"
	businessJWTAudience = "https://business.google.com"
	businessJWTLifetime = 300 // seconds
)

// xsrfResponsePrefix guards the xsrf endpoint against JSON hijacking and is
// stripped before parsing.
const xsrfResponsePrefix = ")]}'"

// byteSafeBase64URL encodes a JSON string the way the Business widget does:
// each UTF-16 code unit above 255 contributes its low byte then its high
// byte; units at or below 255 contribute the byte itself. Base64URL, no
// padding. This must stay bit-exact with the upstream.
func byteSafeBase64URL(s string) string {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, len(units))
	for _, u := range units {
		if u > 255 {
			buf = append(buf, byte(u&0xff), byte(u>>8))
		} else {
			buf = append(buf, byte(u))
		}
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// decodeBase64URL tolerates both padded and unpadded input.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

// businessJWTHeader and businessJWTPayload serialize with a fixed field
// order so the minted token is reproducible.
type businessJWTHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type businessJWTPayload struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// MintBusinessJWT signs a widget JWT from the xsrf material at the given
// instant. Split out from the fetch so the result is golden-testable.
func MintBusinessJWT(xsrfToken, keyID, csesidx string, now time.Time) (string, error) {
	key, err := decodeBase64URL(xsrfToken)
	if err != nil {
		return "", fmt.Errorf("decode xsrf token: %w", err)
	}

	headerJSON, err := json.Marshal(businessJWTHeader{Alg: "HS256", Typ: "JWT", Kid: keyID})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(businessJWTPayload{
		Iss: businessJWTIssuer,
		Aud: businessJWTAudience,
		Sub: "csesidx/" + csesidx,
		Iat: now.Unix(),
		Exp: now.Unix() + businessJWTLifetime,
		Nbf: now.Unix(),
	})
	if err != nil {
		return "", err
	}

	signingInput := byteSafeBase64URL(string(headerJSON)) + "." + byteSafeBase64URL(string(payloadJSON))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + signature, nil
}

// jwtCacheEntry holds one minted token with its refresh deadline.
type jwtCacheEntry struct {
	mu        sync.Mutex
	jwt       string
	expiresAt time.Time
}

// JWTMinter mints and caches Business widget JWTs, one cache slot per
// account with a per-account mutex so refresh is single-flight.
type JWTMinter struct {
	mu      sync.Mutex
	client  *http.Client
	baseURL string
	entries map[string]*jwtCacheEntry
}

// NewJWTMinter creates a minter using the given HTTP client. baseURL
// overrides the widget host (tests); empty selects the default.
func NewJWTMinter(client *http.Client, baseURL string) *JWTMinter {
	if baseURL == "" {
		baseURL = config.GeminiBusinessBaseURL
	}
	return &JWTMinter{
		client:  client,
		baseURL: baseURL,
		entries: make(map[string]*jwtCacheEntry),
	}
}

// entry returns the per-account cache slot.
func (m *JWTMinter) entry(accountID string) *jwtCacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &jwtCacheEntry{}
		m.entries[accountID] = e
	}
	return e
}

// Token returns a valid widget JWT for the account, minting one when the
// cached token is older than the reuse window.
func (m *JWTMinter) Token(ctx context.Context, accountID string, cred *account.BusinessCredential) (string, error) {
	e := m.entry(accountID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.jwt != "" && time.Now().Before(e.expiresAt) {
		return e.jwt, nil
	}

	xsrfToken, keyID, err := m.fetchXSRF(ctx, cred)
	if err != nil {
		return "", err
	}

	jwt, err := MintBusinessJWT(xsrfToken, keyID, cred.CSesIdx, time.Now())
	if err != nil {
		return "", err
	}

	e.jwt = jwt
	e.expiresAt = time.Now().Add(config.BusinessJWTCacheSeconds * time.Second)
	return jwt, nil
}

// fetchXSRF retrieves the signing material from the widget xsrf endpoint.
func (m *JWTMinter) fetchXSRF(ctx context.Context, cred *account.BusinessCredential) (token, keyID string, err error) {
	url := m.baseURL + config.GeminiBusinessXSRFPath + "?csesidx=" + cred.CSesIdx
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Cookie", businessCookie(cred))

	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("xsrf endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	text := strings.TrimPrefix(strings.TrimSpace(string(body)), xsrfResponsePrefix)

	parsed := gjson.Parse(text)
	token = parsed.Get("xsrfToken").String()
	keyID = parsed.Get("keyId").String()
	if token == "" || keyID == "" {
		return "", "", fmt.Errorf("xsrf response missing token material")
	}
	return token, keyID, nil
}

// businessCookie assembles the session cookie header.
func businessCookie(cred *account.BusinessCredential) string {
	cookie := "__Secure-C_SES=" + cred.SecureCSes
	if cred.HostCOses != "" {
		cookie += "; __Host-C_OSES=" + cred.HostCOses
	}
	return cookie
}
