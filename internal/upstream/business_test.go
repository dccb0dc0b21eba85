package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mirrorwell/polygate/internal/account"
)

func businessTestCred() *account.BusinessCredential {
	return &account.BusinessCredential{
		SecureCSes: "ses-cookie",
		CSesIdx:    "idx-1",
		ConfigID:   "cfg-1",
	}
}

// businessTestServer serves both the xsrf endpoint and the widget routes.
func businessTestServer(onWidget func(path string, body []byte, w http.ResponseWriter)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/u/0/api/v1/xsrf" {
			fmt.Fprint(w, ")]}'\n{\"xsrfToken\":\""+
				base64.RawURLEncoding.EncodeToString([]byte("key"))+
				"\",\"keyId\":\"k1\"}")
			return
		}
		body, _ := io.ReadAll(r.Body)
		onWidget(r.URL.Path, body, w)
	}))
}

func TestBuildBusinessPayload(t *testing.T) {
	payload, err := BuildBusinessPayload([]byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`), "cfg-9", "sessions/1")
	require.NoError(t, err)

	parsed := gjson.ParseBytes(payload)
	assert.Equal(t, "cfg-9", parsed.Get("configId").String())
	assert.Equal(t, "sessions/1", parsed.Get("session").String())
	assert.Equal(t, "hi", parsed.Get("contents.0.parts.0.text").String())
}

func TestBusinessStreamAssist(t *testing.T) {
	var gotPath string
	srv := businessTestServer(func(path string, body []byte, w http.ResponseWriter) {
		gotPath = path
		fmt.Fprint(w, `[{"candidates":[]}]`)
	})
	defer srv.Close()

	minter := NewJWTMinter(srv.Client(), srv.URL)
	client := NewBusinessClient(srv.Client(), minter, srv.URL, "test-agent")
	acc := &account.Account{ID: "b1", Provider: account.ProviderGeminiBusiness}

	resp, err := client.StreamAssist(context.Background(), acc, businessTestCred(), []byte(`{"contents":[]}`), "")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "/u/0/api/v1/widgetStreamAssist", gotPath)
}

func TestBusinessAddContextFileSizeLimit(t *testing.T) {
	srv := businessTestServer(func(path string, body []byte, w http.ResponseWriter) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	minter := NewJWTMinter(srv.Client(), srv.URL)
	client := NewBusinessClient(srv.Client(), minter, srv.URL, "test-agent")
	acc := &account.Account{ID: "b1", Provider: account.ProviderGeminiBusiness}

	err := client.AddContextFile(context.Background(), acc, businessTestCred(),
		"sessions/1", "big.bin", make([]byte, 128), 64, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "byte limit")
}

func TestBusinessAddContextFileUpload(t *testing.T) {
	var uploaded []byte
	srv := businessTestServer(func(path string, body []byte, w http.ResponseWriter) {
		if path == "/u/0/api/v1/widgetAddContextFile" {
			uploaded = body
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	minter := NewJWTMinter(srv.Client(), srv.URL)
	client := NewBusinessClient(srv.Client(), minter, srv.URL, "test-agent")
	acc := &account.Account{ID: "b1", Provider: account.ProviderGeminiBusiness}

	err := client.AddContextFile(context.Background(), acc, businessTestCred(),
		"sessions/1", "notes.txt", []byte("hello"), 1<<20, 5*time.Second)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(uploaded)
	assert.Equal(t, "cfg-1", parsed.Get("configId").String())
	assert.Equal(t, "notes.txt", parsed.Get("fileName").String())
	decoded, err := base64.StdEncoding.DecodeString(parsed.Get("content").String())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decoded))
}
