// Package notify delivers magic links to employees through an ordered chain
// of channels. Sends are best effort: whether a message arrived is only
// learned later from provider status reports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"yardlink.org/internal/obs"
)

// Channel names, in fallback order.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelOperator = "operator"
)

var (
	ErrUnknownChannel    = errors.New("notify: unknown channel")
	ErrRecipientNotFound = errors.New("notify: recipient not found")
	ErrNoFailureReporter = errors.New("notify: no failure reporter bound")
)

// Channel sends a link to one recipient. Send returns an error only for a
// local, immediate failure such as a malformed address. Provider-side
// failures surface later as delivery status reports, or through a
// FailureReporter when no report can ever follow.
type Channel interface {
	Name() string
	Send(ctx context.Context, d Delivery) error
}

// Recipient is the directory view of an employee.
type Recipient struct {
	EmployeeID string
	FullName   string
	Phone      string
	Email      string
	YardID     string
}

// Delivery is one send request. Reason carries the provider status that
// triggered a fallback and is empty for the first attempt.
type Delivery struct {
	TokenID   string
	Recipient Recipient
	LinkURL   string
	Reason    string
}

// SendError is a local send failure. Callers log it and move on.
type SendError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("notify: %s send: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("notify: %s send: %s: %v", e.Channel, e.Reason, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DispatchRecorder stores the provider reference of a send so later status
// reports can be matched to the token. token.Store satisfies it.
type DispatchRecorder interface {
	RecordDispatch(ctx context.Context, tokenID, channel, ref string) error
}

// FailureReporter takes a send that failed after its provider reference was
// recorded and handles it like a provider failure status for that reference.
type FailureReporter interface {
	ReportSendFailure(ctx context.Context, ref string) error
}

// FailureRelay is a FailureReporter bound after the channels are built, since
// the reporter itself needs the router holding them.
type FailureRelay struct {
	mu sync.RWMutex
	r  FailureReporter
}

// Bind sets the reporter failures are forwarded to.
func (f *FailureRelay) Bind(r FailureReporter) {
	f.mu.Lock()
	f.r = r
	f.mu.Unlock()
}

func (f *FailureRelay) ReportSendFailure(ctx context.Context, ref string) error {
	f.mu.RLock()
	r := f.r
	f.mu.RUnlock()
	if r == nil {
		return ErrNoFailureReporter
	}
	return r.ReportSendFailure(ctx, ref)
}

// reportFailure hands a failed send to r, logging when that fails too.
func reportFailure(ctx context.Context, r FailureReporter, channel, tokenID, ref string) {
	if r == nil {
		return
	}
	if err := r.ReportSendFailure(ctx, ref); err != nil {
		logger := obs.Ctx(ctx)
		logger.Error().Err(err).Str("channel", channel).Str("token_id", tokenID).Str("message_ref", ref).Msg("escalating failed send failed")
	}
}

// Directory resolves employees to contact details.
type Directory interface {
	Lookup(ctx context.Context, employeeID string) (Recipient, error)
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu   sync.RWMutex
	byID map[string]Recipient
}

func NewStaticDirectory(recipients ...Recipient) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[string]Recipient, len(recipients))}
	for _, r := range recipients {
		d.byID[r.EmployeeID] = r
	}
	return d
}

// Put adds or replaces a recipient.
func (d *StaticDirectory) Put(r Recipient) {
	d.mu.Lock()
	d.byID[r.EmployeeID] = r
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, employeeID string) (Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byID[employeeID]
	if !ok {
		return Recipient{}, ErrRecipientNotFound
	}
	return r, nil
}
