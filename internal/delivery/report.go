// Package delivery turns provider delivery-status reports into fallback
// escalations. Webhook callbacks and queue messages both end up in
// Processor.OnDeliveryStatus.
package delivery

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Report is one (provider reference, status) pair.
type Report struct {
	MessageRef string `json:"providerMessageRef" validate:"required,max=256"`
	Status     string `json:"status" validate:"required,max=64"`
}

// Validate checks that both fields are present.
func (r Report) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("delivery: invalid report: %w", err)
	}
	return nil
}

// Kind groups provider statuses.
type Kind int

const (
	KindUnknown Kind = iota
	KindSuccess
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Classify maps a provider status to a Kind. Matching is case-insensitive.
func Classify(status string) Kind {
	switch normalize(status) {
	case "failed", "undelivered", "bounced", "rejected", "expired":
		return KindFailure
	case "sent", "delivered", "read", "queued", "accepted", "sending":
		return KindSuccess
	default:
		return KindUnknown
	}
}

func normalize(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
