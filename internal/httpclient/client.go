// Package httpclient provides the shared per-provider HTTP clients.
// One client per provider is reused across requests; responses decompress
// transparently (gzip, deflate, brotli).
package httpclient

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// decompressTransport negotiates compressed responses and unwraps them.
type decompressTransport struct {
	base http.RoundTripper
}

func (t *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		resp.Body = &wrappedBody{reader: gz, closer: resp.Body}
	case "deflate":
		resp.Body = &wrappedBody{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		resp.Body = &wrappedBody{reader: io.NopCloser(brotli.NewReader(resp.Body)), closer: resp.Body}
	default:
		return resp, nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return resp, nil
}

// wrappedBody closes both the decompressor and the network body.
type wrappedBody struct {
	reader io.ReadCloser
	closer io.Closer
}

func (b *wrappedBody) Read(p []byte) (int, error) { return b.reader.Read(p) }

func (b *wrappedBody) Close() error {
	err := b.reader.Close()
	if cerr := b.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

// newTransport builds a pooled transport with the given idle lifetime.
func newTransport(idleLifetime time.Duration, skipTLSVerify bool) http.RoundTripper {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       idleLifetime,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		// Compression handled by decompressTransport so brotli works too.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			MaxVersion:         tls.VersionTLS13,
			InsecureSkipVerify: skipTLSVerify,
		},
	}
	return &decompressTransport{base: transport}
}

var (
	anthropicOnce   sync.Once
	anthropicClient *http.Client

	geminiOnce   sync.Once
	geminiClient *http.Client

	kiroOnce   sync.Once
	kiroClient *http.Client

	businessOnce   sync.Once
	businessClient *http.Client
)

// Anthropic returns the shared client for the Claude/Factory/Antigravity
// path. skipTLSVerify is honored on first call only; it exists for explicit
// Antigravity debugging and must stay off otherwise.
func Anthropic(skipTLSVerify bool) *http.Client {
	anthropicOnce.Do(func() {
		anthropicClient = &http.Client{
			Transport: newTransport(10*time.Minute, skipTLSVerify),
			Timeout:   30 * time.Minute,
		}
	})
	return anthropicClient
}

// Gemini returns the shared client for the CodeAssist path.
func Gemini() *http.Client {
	geminiOnce.Do(func() {
		geminiClient = &http.Client{
			Transport: newTransport(10*time.Minute, false),
			Timeout:   10 * time.Minute,
		}
	})
	return geminiClient
}

// Kiro returns the shared client for the CodeWhisperer path.
func Kiro() *http.Client {
	kiroOnce.Do(func() {
		kiroClient = &http.Client{
			Transport: newTransport(5*time.Minute, false),
			Timeout:   10 * time.Minute,
		}
	})
	return kiroClient
}

// Business returns the shared client for the Gemini Business path.
func Business() *http.Client {
	businessOnce.Do(func() {
		businessClient = &http.Client{
			Transport: newTransport(5*time.Minute, false),
			Timeout:   10 * time.Minute,
		}
	})
	return businessClient
}
