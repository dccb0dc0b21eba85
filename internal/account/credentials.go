package account

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/utils"
)

// Refresher obtains fresh credentials from the external OAuth collaborator.
// Implementations live outside the core; the validator only orchestrates.
type Refresher interface {
	// Refresh returns a replacement credential for the account, or an error
	// when the grant is no longer usable.
	Refresh(ctx context.Context, acc *Account) (Credential, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, acc *Account) (Credential, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, acc *Account) (Credential, error) {
	return f(ctx, acc)
}

// DisabledError reports that an account was disabled during validation.
type DisabledError struct {
	AccountID string
	Reason    string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("account %s disabled: %s", e.AccountID, e.Reason)
}

// Validator checks credential freshness and orchestrates refresh.
// Refresh is single-flighted per account id so concurrent expiries do not
// stampede the OAuth endpoint.
type Validator struct {
	pool      *Pool
	refresher Refresher
	group     singleflight.Group
}

// NewValidator creates a validator bound to the pool and refresher.
func NewValidator(pool *Pool, refresher Refresher) *Validator {
	return &Validator{
		pool:      pool,
		refresher: refresher,
	}
}

// EnsureValid returns a usable credential for the account, refreshing when
// the provider's expiry rule says the current one is stale. On refresh
// failure the account is disabled and a DisabledError is returned.
func (v *Validator) EnsureValid(ctx context.Context, acc *Account) (Credential, error) {
	if err := acc.ValidateCredential(); err != nil {
		v.pool.DisableWithReason(acc.ID, err.Error())
		return nil, &DisabledError{AccountID: acc.ID, Reason: err.Error()}
	}

	if !credentialExpired(acc.Credential, time.Now()) {
		return acc.Credential, nil
	}

	return v.refresh(ctx, acc)
}

// CanRefresh reports whether the account's credential family supports an
// external refresh.
func (v *Validator) CanRefresh(acc *Account) bool {
	if v.refresher == nil {
		return false
	}
	_, business := acc.Credential.(*BusinessCredential)
	return !business
}

// ExpireCredential force-marks the account's credential stale so the next
// EnsureValid refreshes it. Used after an upstream 401 on a token that
// looked fresh locally.
func ExpireCredential(acc *Account) {
	switch c := acc.Credential.(type) {
	case *OAuthCredential:
		c.ExpiresAt = 0
	case *GeminiCredential:
		c.Expiry = ""
	case *KiroCredential:
		c.ExpiresAt = ""
	}
}

// credentialExpired applies the per-provider expiry rule.
func credentialExpired(cred Credential, now time.Time) bool {
	switch c := cred.(type) {
	case *OAuthCredential:
		// Claude/Factory: expired iff expiresAt <= now + 60s skew
		return c.ExpiresAt <= now.Unix()+config.ClaudeExpirySkewSeconds
	case *GeminiCredential:
		expiry := c.ExpiryTime()
		if expiry.IsZero() {
			return true
		}
		return !expiry.After(now.UTC())
	case *KiroCredential:
		expiry := c.ExpiryTime()
		if expiry.IsZero() {
			return true
		}
		return !expiry.After(now.Add(config.KiroExpirySkewMinutes * time.Minute))
	case *BusinessCredential:
		// No access-token expiry; the JWT is minted per call.
		return c.Disabled
	default:
		return true
	}
}

// refresh runs the external refresh under a per-account single-flight lock.
func (v *Validator) refresh(ctx context.Context, acc *Account) (Credential, error) {
	result, err, _ := v.group.Do(acc.ID, func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the lock.
		if !credentialExpired(acc.Credential, time.Now()) {
			return acc.Credential, nil
		}

		if _, ok := acc.Credential.(*BusinessCredential); ok {
			// Business sessions cannot be refreshed; a disabled flag is final.
			reason := "business session disabled"
			v.pool.DisableWithReason(acc.ID, reason)
			return nil, &DisabledError{AccountID: acc.ID, Reason: reason}
		}

		if v.refresher == nil {
			reason := "credential expired and no refresher configured"
			v.pool.DisableWithReason(acc.ID, reason)
			return nil, &DisabledError{AccountID: acc.ID, Reason: reason}
		}

		utils.Debug("[Credentials] Refreshing credential for account %s", acc.ID)
		fresh, err := v.refresher.Refresh(ctx, acc)
		if err != nil {
			reason := "refresh failed: " + err.Error()
			v.pool.DisableWithReason(acc.ID, reason)
			return nil, &DisabledError{AccountID: acc.ID, Reason: reason}
		}
		if fresh == nil || emptyToken(fresh) {
			reason := "refresh returned empty token"
			v.pool.DisableWithReason(acc.ID, reason)
			return nil, &DisabledError{AccountID: acc.ID, Reason: reason}
		}

		acc.Credential = fresh
		utils.Success("[Credentials] Refreshed credential for account %s", acc.ID)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Credential), nil
}

// emptyToken reports whether the refreshed credential carries no usable token.
func emptyToken(cred Credential) bool {
	switch c := cred.(type) {
	case *OAuthCredential:
		return c.AccessToken == ""
	case *GeminiCredential:
		return c.Token == ""
	case *KiroCredential:
		return c.AccessToken == ""
	default:
		return false
	}
}
