// Package notification implements the outbound webhook notification channel
// for fuzzctl. It is the single component responsible for publishing
// collection/crash events to the WebSocket Hub and delivering them to the
// configured webhook endpoint. No other package should call hub.Publish on
// notification topics directly.
package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/fuzzctl/fuzzctl/server/internal/store"
)

// Setting keys used by the notification service.
const (
	KeyWebhookURL     = "webhook.url"
	KeyWebhookSecret  = "webhook.secret"  // HMAC secret, stored encrypted
	KeyWebhookEnabled = "webhook.enabled" // "true" or "false"
)

// WebhookConfig holds the configuration for the outbound HTTP webhook channel.
type WebhookConfig struct {
	URL     string
	Secret  string // optional HMAC-SHA256 signing secret, decrypted at load time
	Enabled bool
}

// loadWebhookConfig reads the webhook.* settings from the Store. Returns
// ErrConfigNotFound if the webhook URL has never been configured.
func loadWebhookConfig(ctx context.Context, st *store.Store) (*WebhookConfig, error) {
	url, err := st.GetSetting(ctx, KeyWebhookURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("notification: failed to load webhook.url: %w", err)
	}

	cfg := &WebhookConfig{URL: string(url.Value)}

	if secret, err := st.GetSetting(ctx, KeyWebhookSecret); err == nil {
		cfg.Secret = string(secret.Value)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("notification: failed to load webhook.secret: %w", err)
	}

	if enabled, err := st.GetSetting(ctx, KeyWebhookEnabled); err == nil {
		cfg.Enabled = string(enabled.Value) == "true"
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("notification: failed to load webhook.enabled: %w", err)
	}

	return cfg, nil
}
