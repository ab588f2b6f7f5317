package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/server/internal/websocket"
)

// Service is the single entry point for delivering notifications about
// fuzzing events. It publishes to the WebSocket Hub for any connected GUI
// tab and fans out to the configured webhook.
//
// Callers (the broker is the only one) should use the typed methods
// rather than constructing events manually, so that notification content
// stays consistent across the codebase.
type Service interface {
	// NotifyCollectionCompleted fires when every sub-job of a collection has
	// reached a terminal state with no failures.
	NotifyCollectionCompleted(ctx context.Context, collectionGuid uuid.UUID, name string) error

	// NotifyCollectionErrored fires when a sub-job of a collection completes
	// with status "error".
	NotifyCollectionErrored(ctx context.Context, collectionGuid uuid.UUID, name, errMsg string) error

	// NotifyCrashFound fires when the Broker records a new Crash row
	// (spec §4.7).
	NotifyCrashFound(ctx context.Context, collectionGuid uuid.UUID, name, crashName string) error

	// NotifyAgentDown fires when an agent's Broker session ends and the
	// agent is marked "down".
	NotifyAgentDown(ctx context.Context, agentGuid uuid.UUID, agentName string) error
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	store   *store.Store
	hub     *websocket.Hub
	webhook *webhookSender
	logger  *zap.Logger
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	Store  *store.Store
	Hub    *websocket.Hub
	Logger *zap.Logger
}

// NewService creates a new notification Service. The webhook sender is wired
// internally — callers only need to provide the Config dependencies.
func NewService(cfg Config) Service {
	svc := &notificationService{
		store:  cfg.Store,
		hub:    cfg.Hub,
		logger: cfg.Logger.Named("notification"),
	}

	// Config is reloaded from the Store on every send — no restart needed
	// after the webhook setting changes.
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.Store)
	})

	return svc
}

// -----------------------------------------------------------------------------
// Public typed methods
// -----------------------------------------------------------------------------

func (s *notificationService) NotifyCollectionCompleted(ctx context.Context, collectionGuid uuid.UUID, name string) error {
	payload := map[string]any{
		"collection_guid": collectionGuid.String(),
		"collection_name": name,
	}
	return s.notify(ctx, event{
		notifType: "collection_completed",
		title:     fmt.Sprintf("Collection completed: %s", name),
		body:      fmt.Sprintf("Collection %q finished at %s.", name, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyCollectionErrored(ctx context.Context, collectionGuid uuid.UUID, name, errMsg string) error {
	payload := map[string]any{
		"collection_guid": collectionGuid.String(),
		"collection_name": name,
		"error":           errMsg,
	}
	return s.notify(ctx, event{
		notifType: "collection_errored",
		title:     fmt.Sprintf("Collection errored: %s", name),
		body:      fmt.Sprintf("Collection %q errored at %s: %s", name, time.Now().UTC().Format(time.RFC3339), errMsg),
		payload:   payload,
	})
}

func (s *notificationService) NotifyCrashFound(ctx context.Context, collectionGuid uuid.UUID, name, crashName string) error {
	payload := map[string]any{
		"collection_guid": collectionGuid.String(),
		"collection_name": name,
		"crash_name":      crashName,
	}
	return s.notify(ctx, event{
		notifType: "crash_found",
		title:     fmt.Sprintf("Crash found: %s", name),
		body:      fmt.Sprintf("Collection %q found crash %q at %s.", name, crashName, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyAgentDown(ctx context.Context, agentGuid uuid.UUID, agentName string) error {
	payload := map[string]any{
		"agent_guid": agentGuid.String(),
		"agent_name": agentName,
	}
	return s.notify(ctx, event{
		notifType: "agent_down",
		title:     fmt.Sprintf("Agent down: %s", agentName),
		body:      fmt.Sprintf("Agent %q went down at %s.", agentName, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

// -----------------------------------------------------------------------------
// Internal event dispatch
// -----------------------------------------------------------------------------

// event carries the data for a single notification before it is fanned out
// to the Hub and the webhook channel.
type event struct {
	notifType string
	title     string
	body      string
	payload   map[string]any
}

// notify publishes ev to every GUI tab subscribed to the "notifications"
// topic and delivers it to the configured webhook. Webhook errors are
// logged, not returned — delivery to the Hub is the authoritative channel
// and must not be blocked by an unreachable webhook endpoint.
func (s *notificationService) notify(ctx context.Context, ev event) error {
	s.hub.Publish("notifications", websocket.Message{
		Type:  websocket.MsgNotification,
		Topic: "notifications",
		Payload: map[string]any{
			"type":       ev.notifType,
			"title":      ev.title,
			"body":       ev.body,
			"payload":    ev.payload,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	})

	if err := s.webhook.Send(ctx, ev.notifType, ev.title, ev.body, ev.payload); err != nil {
		s.logger.Warn("webhook notification delivery failed",
			zap.String("type", ev.notifType),
			zap.Error(err),
		)
	}

	return nil
}
