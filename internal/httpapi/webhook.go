package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"yardlink.org/internal/audit"
	"yardlink.org/internal/delivery"
	"yardlink.org/internal/obs"
)

// DeliveryStatus receives provider status callbacks. The signature is
// checked against the raw body before anything is parsed.
func (a *API) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}

	fullURL := a.webhookURL(r)
	if err := delivery.Verify(a.settings.WebhookSecret, fullURL, body, r.Header.Get(delivery.SignatureHeader)); err != nil {
		obs.StatusEvent("webhook", "signature_invalid")
		_ = audit.LogEvent(r.Context(), audit.EventWebhookSignatureInvalid, map[string]any{
			"remote_ip": clientIP(r),
			"url":       fullURL,
		})
		writeError(w, r, http.StatusForbidden, "invalid signature")
		return
	}

	reports, err := delivery.ParseCallback(r.Header.Get("Content-Type"), body)
	if err != nil {
		obs.StatusEvent("webhook", "malformed")
		writeError(w, r, http.StatusBadRequest, "malformed callback")
		return
	}

	if a.deps.Publisher != nil {
		if err := a.deps.Publisher.Publish(r.Context(), reports...); err != nil {
			logger := obs.Ctx(r.Context())
			logger.Error().Err(err).Int("reports", len(reports)).Msg("publish status reports")
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(reports)})
		return
	}

	outcomes := make([]string, 0, len(reports))
	for _, rep := range reports {
		outcome, err := a.deps.Status.OnDeliveryStatus(r.Context(), rep)
		if err != nil {
			obs.StatusEvent("webhook", "error")
			logger := obs.Ctx(r.Context())
			logger.Error().Err(err).Str("message_ref", rep.MessageRef).Msg("process status report")
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		obs.StatusEvent("webhook", string(outcome))
		outcomes = append(outcomes, string(outcome))
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// webhookURL is the URL the provider signed, including the query string.
func (a *API) webhookURL(r *http.Request) string {
	if base := strings.TrimSpace(a.settings.WebhookURL); base != "" {
		if r.URL.RawQuery != "" {
			return base + "?" + r.URL.RawQuery
		}
		return base
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
