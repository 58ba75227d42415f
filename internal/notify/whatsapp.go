package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"yardlink.org/internal/ids"
	"yardlink.org/internal/obs"
)

// WhatsAppConfig points at a Twilio-style messages endpoint.
type WhatsAppConfig struct {
	APIURL         string
	AccountSID     string
	AuthToken      string
	From           string
	StatusCallback string
	Timeout        time.Duration
}

// localRefPrefix marks references generated here rather than by the provider.
const localRefPrefix = "local-"

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// errRejected marks a provider 4xx so the breaker does not count it.
var errRejected = errors.New("provider rejected request")

// WhatsAppChannel is the primary channel.
type WhatsAppChannel struct {
	cfg      WhatsAppConfig
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[string]
	recorder DispatchRecorder
	failures FailureReporter
}

// WhatsAppOption customises a WhatsAppChannel.
type WhatsAppOption func(*WhatsAppChannel)

// WithWhatsAppFailures escalates provider call failures through r under a
// locally generated reference.
func WithWhatsAppFailures(r FailureReporter) WhatsAppOption {
	return func(c *WhatsAppChannel) { c.failures = r }
}

func NewWhatsAppChannel(cfg WhatsAppConfig, recorder DispatchRecorder, opts ...WhatsAppOption) *WhatsAppChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := obs.WithComponent("notify")
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	c := &WhatsAppChannel{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  gobreaker.NewCircuitBreaker[string](settings),
		recorder: recorder,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WhatsAppChannel) Name() string { return ChannelWhatsApp }

func (c *WhatsAppChannel) Send(ctx context.Context, d Delivery) error {
	phone := strings.ReplaceAll(d.Recipient.Phone, " ", "")
	if !e164.MatchString(phone) {
		obs.NotificationSent(ChannelWhatsApp, "invalid")
		return &SendError{Channel: ChannelWhatsApp, Reason: "malformed phone number"}
	}

	sid, err := c.breaker.Execute(func() (string, error) {
		return c.post(ctx, phone, d)
	})
	switch {
	case errors.Is(err, errRejected):
		obs.NotificationSent(ChannelWhatsApp, "rejected")
		return &SendError{Channel: ChannelWhatsApp, Reason: "provider rejected recipient", Err: err}
	case err != nil:
		obs.NotificationSent(ChannelWhatsApp, "error")
		logger := obs.Ctx(ctx)
		logger.Warn().Err(err).Str("channel", ChannelWhatsApp).Str("token_id", d.TokenID).Msg("provider call failed")
		c.escalateLocally(ctx, d.TokenID)
		return nil
	}

	obs.NotificationSent(ChannelWhatsApp, "sent")
	if err := c.recorder.RecordDispatch(ctx, d.TokenID, ChannelWhatsApp, sid); err != nil {
		logger := obs.Ctx(ctx)
		logger.Error().Err(err).Str("token_id", d.TokenID).Str("message_ref", sid).Msg("record dispatch failed")
	}
	return nil
}

// escalateLocally records a local reference for a send the provider never
// accepted, since no status report will follow for it, and reports it failed.
func (c *WhatsAppChannel) escalateLocally(ctx context.Context, tokenID string) {
	if c.failures == nil {
		return
	}
	ref := localRefPrefix + ids.New()
	if err := c.recorder.RecordDispatch(ctx, tokenID, ChannelWhatsApp, ref); err != nil {
		logger := obs.Ctx(ctx)
		logger.Error().Err(err).Str("token_id", tokenID).Msg("record dispatch failed")
		return
	}
	reportFailure(ctx, c.failures, ChannelWhatsApp, tokenID, ref)
}

type messageResponse struct {
	SID     string `json:"sid"`
	Message string `json:"message"`
}

func (c *WhatsAppChannel) post(ctx context.Context, phone string, d Delivery) (string, error) {
	form := url.Values{}
	form.Set("To", "whatsapp:"+phone)
	form.Set("From", "whatsapp:"+c.cfg.From)
	form.Set("Body", linkMessage(d))
	if c.cfg.StatusCallback != "" {
		form.Set("StatusCallback", c.cfg.StatusCallback)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.cfg.AccountSID != "" {
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	var out messageResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out.SID == "" {
			return "", fmt.Errorf("provider response without sid")
		}
		return out.SID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, out.Message)
	default:
		return "", fmt.Errorf("provider status %d", resp.StatusCode)
	}
}

func linkMessage(d Delivery) string {
	name := d.Recipient.FullName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, use this link to finish setting up your account. The link works once: %s", name, d.LinkURL)
}
