package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"yardlink.org/internal/ids"
	"yardlink.org/internal/obs"
)

// SMTPConfig describes the outbound mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	StartTLS bool
	Timeout  time.Duration
	// MessageIDDomain is the right-hand side of generated Message-IDs.
	MessageIDDomain string
}

// Mailer hands a fully built message to a relay.
type Mailer interface {
	SendMail(ctx context.Context, from string, to []string, msg []byte) error
}

// EmailChannel is the fallback channel. The generated Message-ID is the
// provider reference bounces are matched on.
type EmailChannel struct {
	cfg      SMTPConfig
	mailer   Mailer
	recorder DispatchRecorder
	failures FailureReporter
	clock    func() time.Time
}

// EmailOption customises an EmailChannel.
type EmailOption func(*EmailChannel)

// WithMailer replaces the SMTP relay.
func WithMailer(m Mailer) EmailOption {
	return func(c *EmailChannel) { c.mailer = m }
}

// WithEmailFailures escalates relay failures through r once the Message-ID is
// recorded.
func WithEmailFailures(r FailureReporter) EmailOption {
	return func(c *EmailChannel) { c.failures = r }
}

// WithEmailClock overrides the Date header clock.
func WithEmailClock(clock func() time.Time) EmailOption {
	return func(c *EmailChannel) { c.clock = clock }
}

func NewEmailChannel(cfg SMTPConfig, recorder DispatchRecorder, opts ...EmailOption) *EmailChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MessageIDDomain == "" {
		cfg.MessageIDDomain = cfg.Host
	}
	c := &EmailChannel{
		cfg:      cfg,
		mailer:   &smtpMailer{cfg: cfg},
		recorder: recorder,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, d Delivery) error {
	addr, err := mail.ParseAddress(d.Recipient.Email)
	if err != nil || !strings.Contains(addr.Address, "@") {
		obs.NotificationSent(ChannelEmail, "invalid")
		return &SendError{Channel: ChannelEmail, Reason: "malformed email address", Err: err}
	}

	msgID := ids.MessageID(c.cfg.MessageIDDomain)
	// Recorded before the relay sees the message so an early bounce still matches.
	recorded := true
	if err := c.recorder.RecordDispatch(ctx, d.TokenID, ChannelEmail, msgID); err != nil {
		recorded = false
		logger := obs.Ctx(ctx)
		logger.Error().Err(err).Str("token_id", d.TokenID).Msg("record dispatch failed")
	}

	msg := c.buildMessage(addr.Address, msgID, d)
	if err := c.mailer.SendMail(ctx, c.cfg.From, []string{addr.Address}, msg); err != nil {
		obs.NotificationSent(ChannelEmail, "error")
		logger := obs.Ctx(ctx)
		logger.Warn().Err(err).Str("channel", ChannelEmail).Str("token_id", d.TokenID).Msg("smtp relay failed")
		// No bounce will ever arrive for this Message-ID.
		if recorded {
			reportFailure(ctx, c.failures, ChannelEmail, d.TokenID, msgID)
		}
		return nil
	}
	obs.NotificationSent(ChannelEmail, "sent")
	return nil
}

func (c *EmailChannel) buildMessage(to, msgID string, d Delivery) []byte {
	fromName := c.cfg.FromName
	if fromName == "" {
		fromName = "Yardlink"
	}
	from := mail.Address{Name: fromName, Address: c.cfg.From}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to)
	b.WriteString("Subject: Finish setting up your account\r\n")
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	fmt.Fprintf(&b, "Date: %s\r\n", c.clock().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(linkMessage(d))
	b.WriteString("\r\n")
	return []byte(b.String())
}

type smtpMailer struct {
	cfg SMTPConfig
}

func (m *smtpMailer) SendMail(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp relay: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = client.Close() }()

	if m.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp recipient: %w", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close message: %w", err)
	}
	_ = client.Quit()
	return nil
}
