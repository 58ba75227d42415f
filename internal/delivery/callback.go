package delivery

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"

	"github.com/goccy/go-json"
)

var ErrMalformedCallback = errors.New("delivery: malformed callback body")

// callbackObject accepts the flat provider shape, the Twilio form names and
// the queue envelope.
type callbackObject struct {
	ProviderMessageRef string  `json:"providerMessageRef"`
	Status             string  `json:"status"`
	MessageSid         string  `json:"MessageSid"`
	MessageStatus      string  `json:"MessageStatus"`
	EventType          string  `json:"eventType"`
	Data               *Report `json:"data"`
}

func (o callbackObject) report() Report {
	if o.Data != nil {
		return *o.Data
	}
	r := Report{MessageRef: o.ProviderMessageRef, Status: o.Status}
	if r.MessageRef == "" {
		r.MessageRef = o.MessageSid
	}
	if r.Status == "" {
		r.Status = o.MessageStatus
	}
	return r
}

// ParseCallback extracts reports from a webhook body. Form-encoded bodies
// carry one report; JSON bodies carry one object or an array of them.
func ParseCallback(contentType string, body []byte) ([]Report, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	var objects []callbackObject

	switch mediaType {
	case "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		objects = append(objects, callbackObject{
			ProviderMessageRef: form.Get("providerMessageRef"),
			Status:             form.Get("status"),
			MessageSid:         form.Get("MessageSid"),
			MessageStatus:      form.Get("MessageStatus"),
		})
	default:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("%w: empty body", ErrMalformedCallback)
		}
		if trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &objects); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
			}
		} else {
			var o callbackObject
			if err := json.Unmarshal(trimmed, &o); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
			}
			objects = append(objects, o)
		}
	}

	reports := make([]Report, 0, len(objects))
	for i, o := range objects {
		r := o.report()
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedCallback, i, err)
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%w: no reports", ErrMalformedCallback)
	}
	return reports, nil
}
