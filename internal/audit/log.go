// Package audit writes security-relevant events to the shared log.
package audit

import (
	"context"
	"errors"
	"strings"

	"yardlink.org/internal/auth"
	"yardlink.org/internal/obs"
)

// Events.
const (
	EventWebhookSignatureInvalid = "webhook.signature_invalid"
	EventLinkConsumed            = "magiclink.consumed"
	EventLinkRejected            = "magiclink.rejected"
	EventLinkRegenerated         = "magiclink.regenerated"
	EventOperatorConnected       = "operator.connected"
)

// LogEvent writes an audit log entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	logger := obs.Ctx(ctx)
	entry := logger.Info().Str("type", "audit").Str("event", event)
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		entry = entry.Str("actor", claims.Subject)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	entry.Interface("fields", fields).Msg("audit")
	return nil
}
