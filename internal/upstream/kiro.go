package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/utils"
)

// KiroMachineID derives the stable machine fingerprint sent to
// CodeWhisperer: SHA-256 hex of the first available seed.
func KiroMachineID(cred *account.KiroCredential) string {
	seed := cred.MachineIDSeed
	if seed == "" {
		seed = cred.ProfileArn
	}
	if seed == "" {
		seed = cred.ClientID
	}
	if seed == "" {
		seed = "KIRO_DEFAULT_MACHINE"
	}
	return utils.SHA256Hex(seed)
}

// kiroEndpoint resolves the regional CodeWhisperer base URL.
func kiroEndpoint(cred *account.KiroCredential) string {
	region := cred.Region
	if region == "" {
		region = config.KiroDefaultRegion
	}
	return fmt.Sprintf(config.KiroEndpointFormat, region)
}

// IsAmazonQModel reports whether the model routes to the Amazon Q streaming
// surface instead of generateAssistantResponse.
func IsAmazonQModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "amazonq")
}

// SendKiro posts the conversation state to CodeWhisperer with the full
// Kiro IDE header fingerprint.
func SendKiro(ctx context.Context, client *http.Client, acc *account.Account, cred *account.KiroCredential, body []byte, model string) (*http.Response, error) {
	base := kiroEndpoint(cred)
	if acc.BaseURL != "" {
		base = strings.TrimSuffix(acc.BaseURL, "/")
	}
	path := config.KiroGenerateAssistPath
	if IsAmazonQModel(model) {
		path = config.KiroSendMessagePath
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	machineID := KiroMachineID(cred)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	httpReq.Header.Set("amz-sdk-request", "attempt=1; max=1")
	httpReq.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	httpReq.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.0 KiroIDE-0.7.5-"+machineID)
	httpReq.Header.Set("User-Agent", fmt.Sprintf("%s KiroIDE-0.7.5-%s %s", config.KiroUserAgent(), machineID, runtime.Version()))
	httpReq.Header.Set("Connection", "close")

	return client.Do(httpReq)
}
