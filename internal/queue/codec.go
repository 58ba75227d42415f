// Package queue consumes delivery-status messages from the broker and
// dead-letters the ones that cannot be handled.
package queue

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"yardlink.org/internal/delivery"
)

// Topics.
const (
	TopicStatus     = "delivery.status"
	TopicDeadLetter = "delivery.status.dlq"
)

// EventTypeStatus tags failure-report envelopes.
const EventTypeStatus = "delivery.status"

// Envelope is the wire shape of one status message.
type Envelope struct {
	EventType string           `json:"eventType"`
	Data      *delivery.Report `json:"data"`
}

// MalformedError reports a payload that can never be processed.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return "queue: malformed status message: " + e.Reason
	}
	return fmt.Sprintf("queue: malformed status message: %s: %v", e.Reason, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Decode parses a single envelope or a JSON array of envelopes. Any bad
// element fails the whole payload.
func Decode(payload []byte) ([]delivery.Report, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &MalformedError{Reason: "empty payload"}
	}

	var envelopes []Envelope
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &envelopes); err != nil {
			return nil, &MalformedError{Reason: "invalid json", Err: err}
		}
		if len(envelopes) == 0 {
			return nil, &MalformedError{Reason: "empty batch"}
		}
	} else {
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, &MalformedError{Reason: "invalid json", Err: err}
		}
		envelopes = []Envelope{env}
	}

	reports := make([]delivery.Report, 0, len(envelopes))
	for i, env := range envelopes {
		if env.Data == nil {
			return nil, &MalformedError{Reason: fmt.Sprintf("item %d: missing data", i)}
		}
		if err := env.Data.Validate(); err != nil {
			return nil, &MalformedError{Reason: fmt.Sprintf("item %d: missing fields", i), Err: err}
		}
		reports = append(reports, *env.Data)
	}
	return reports, nil
}

// Encode renders reports in the envelope format, as an array when there is
// more than one.
func Encode(reports ...delivery.Report) ([]byte, error) {
	envelopes := make([]Envelope, len(reports))
	for i := range reports {
		r := reports[i]
		envelopes[i] = Envelope{EventType: EventTypeStatus, Data: &r}
	}
	if len(envelopes) == 1 {
		return json.Marshal(envelopes[0])
	}
	return json.Marshal(envelopes)
}
