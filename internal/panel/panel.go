// Package panel talks to the remote VPN panel API. The panel is the
// authority for issued accounts; the local store is reconciled against it.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Account is a credential as reported by the panel for one squad.
// Fetched fresh every reconciliation pass, never persisted directly.
type Account struct {
	Email           string
	UUID            string
	ExpiresAt       time.Time // zero = panel reported no expiry
	SubscriptionURL string
}

// Client lists and deletes accounts on the remote panel.
type Client interface {
	ListAccounts(ctx context.Context, squadID string) ([]Account, error)
	DeleteAccount(ctx context.Context, squadID, email string) error
	Ping(ctx context.Context) error
	Close() error
}

// ---- Typed API errors ------------------------------------------------------

// ErrUnauthorized indicates the panel rejected our credentials.
type ErrUnauthorized struct{ Msg string }

func (e *ErrUnauthorized) Error() string { return "panel unauthorized: " + e.Msg }

// ErrNotFound indicates the requested object does not exist on the panel.
type ErrNotFound struct{}

func (e *ErrNotFound) Error() string { return "panel object not found" }

// ErrRateLimit indicates the panel asked us to back off.
type ErrRateLimit struct{ RetryAfter time.Duration }

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("panel rate limited, retry after %s", e.RetryAfter)
}

// ---- Wire parsing ----------------------------------------------------------

// rawAccount tolerates the payload variants the panel emits: snake_case and
// camelCase field names, and a subscription URL either inline or nested.
type rawAccount struct {
	Email           string          `json:"email"`
	AccountEmail    string          `json:"accountEmail"`
	UUID            string          `json:"uuid"`
	ID              string          `json:"id"`
	ExpireAt        string          `json:"expireAt"`
	ExpiryDate      string          `json:"expiryDate"`
	SubscriptionURL string          `json:"subscriptionUrl"`
	SubscriptionAlt string          `json:"subscription_url"`
	Subscription    json.RawMessage `json:"subscription"`
}

// parseAccount validates one raw panel record into a typed Account.
// Records with no usable email are dropped (ok=false): per the error
// design, a garbled remote record is treated as "no match", never guessed at.
func parseAccount(raw json.RawMessage) (Account, bool) {
	var r rawAccount
	if err := json.Unmarshal(raw, &r); err != nil {
		return Account{}, false
	}

	email := strings.TrimSpace(r.Email)
	if email == "" {
		email = strings.TrimSpace(r.AccountEmail)
	}
	if email == "" {
		return Account{}, false
	}

	acct := Account{Email: email}

	acct.UUID = strings.TrimSpace(r.UUID)
	if acct.UUID == "" {
		acct.UUID = strings.TrimSpace(r.ID)
	}

	if expiry, ok := parsePanelTime(r.ExpireAt); ok {
		acct.ExpiresAt = expiry
	} else if expiry, ok := parsePanelTime(r.ExpiryDate); ok {
		acct.ExpiresAt = expiry
	}

	acct.SubscriptionURL = extractSubscriptionURL(r)
	return acct, true
}

// parsePanelTime accepts RFC 3339 with or without sub-second precision and
// the panel's occasional zone-less ISO format.
func parsePanelTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// extractSubscriptionURL checks the inline fields first, then the nested
// subscription object.
func extractSubscriptionURL(r rawAccount) string {
	if u := strings.TrimSpace(r.SubscriptionURL); u != "" {
		return u
	}
	if u := strings.TrimSpace(r.SubscriptionAlt); u != "" {
		return u
	}
	if len(r.Subscription) > 0 {
		var nested struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(r.Subscription, &nested); err == nil {
			return strings.TrimSpace(nested.URL)
		}
	}
	return ""
}
