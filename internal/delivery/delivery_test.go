package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"yardlink.org/internal/notify"
	"yardlink.org/internal/token"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type captureChannel struct {
	name  string
	mu    sync.Mutex
	sends []notify.Delivery
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, d notify.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, d)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

type linkBase string

func (b linkBase) LinkURL(secret string) string { return string(b) + "?token=" + secret }

type fixture struct {
	store    *token.InMemory
	email    *captureChannel
	operator *captureChannel
	proc     *Processor
	now      time.Time
}

func newFixture(t *testing.T, opts ...ProcessorOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    token.NewInMemory(),
		email:    &captureChannel{name: notify.ChannelEmail},
		operator: &captureChannel{name: notify.ChannelOperator},
		now:      t0.Add(time.Hour),
	}
	whatsapp := &captureChannel{name: notify.ChannelWhatsApp}
	router, err := notify.NewRouter(whatsapp, f.email, f.operator)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	dir := notify.NewStaticDirectory(notify.Recipient{EmployeeID: "emp-1", FullName: "Ana", Email: "ana@example.com", YardID: "yard-9"})
	base := []ProcessorOption{WithClock(func() time.Time { return f.now })}
	f.proc = NewProcessor(f.store, router, dir, linkBase("https://l/auth/validate"), append(base, opts...)...)

	tok := &token.AccessToken{ID: "tok-1", Secret: "sec-1", SubjectID: "emp-1", CreatedAt: t0, ExpiresAt: t0.Add(token.DefaultTTL)}
	if err := f.store.Create(context.Background(), tok); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.store.RecordDispatch(context.Background(), "tok-1", notify.ChannelWhatsApp, "ref-1"); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	return f
}

func (f *fixture) handle(t *testing.T, ref, status string) Outcome {
	t.Helper()
	out, err := f.proc.OnDeliveryStatus(context.Background(), Report{MessageRef: ref, Status: status})
	if err != nil {
		t.Fatalf("OnDeliveryStatus(%s, %s): %v", ref, status, err)
	}
	return out
}

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"failed":      KindFailure,
		"UNDELIVERED": KindFailure,
		" bounced ":   KindFailure,
		"delivered":   KindSuccess,
		"read":        KindSuccess,
		"opened":      KindUnknown,
		"":            KindUnknown,
	}
	for status, want := range cases {
		if got := Classify(status); got != want {
			t.Fatalf("Classify(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestFailureEscalatesOnceToFallback(t *testing.T) {
	f := newFixture(t)

	if out := f.handle(t, "ref-1", "failed"); out != OutcomeEscalated {
		t.Fatalf("expected escalation, got %s", out)
	}
	if out := f.handle(t, "ref-1", "failed"); out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}
	if f.email.count() != 1 || f.operator.count() != 0 {
		t.Fatalf("email=%d operator=%d", f.email.count(), f.operator.count())
	}
	d := f.email.sends[0]
	if d.TokenID != "tok-1" || d.LinkURL != "https://l/auth/validate?token=sec-1" || d.Recipient.Email != "ana@example.com" || d.Reason != "failed" {
		t.Fatalf("unexpected fallback delivery: %+v", d)
	}
}

func TestSecondFailureReachesOperatorOnce(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "ref-1", "undelivered")

	// The email channel records its own reference after sending.
	if err := f.store.RecordDispatch(context.Background(), "tok-1", notify.ChannelEmail, "<mail-1@yardlink>"); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	if out := f.handle(t, "<mail-1@yardlink>", "bounced"); out != OutcomeEscalated {
		t.Fatalf("expected escalation to operator, got %s", out)
	}
	if out := f.handle(t, "<mail-1@yardlink>", "bounced"); out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}
	// A late status on the old reference no longer matches anything.
	if out := f.handle(t, "ref-1", "expired"); out != OutcomeUnmatched {
		t.Fatalf("expected unmatched, got %s", out)
	}
	if f.email.count() != 1 || f.operator.count() != 1 {
		t.Fatalf("email=%d operator=%d", f.email.count(), f.operator.count())
	}
}

func TestConcurrentDuplicateEventsEscalateOnce(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := "failed"
			if i%2 == 0 {
				status = "undelivered"
			}
			if _, err := f.proc.OnDeliveryStatus(context.Background(), Report{MessageRef: "ref-1", Status: status}); err != nil {
				t.Errorf("OnDeliveryStatus: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if f.email.count() != 1 {
		t.Fatalf("expected exactly one fallback send, got %d", f.email.count())
	}
}

func TestNothingToDoCases(t *testing.T) {
	f := newFixture(t)
	if out := f.handle(t, "ref-1", "delivered"); out != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", out)
	}
	if out := f.handle(t, "ref-unknown", "failed"); out != OutcomeUnmatched {
		t.Fatalf("expected unmatched, got %s", out)
	}
	if _, err := f.store.Consume(context.Background(), "sec-1", f.now); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if out := f.handle(t, "ref-1", "failed"); out != OutcomeStale {
		t.Fatalf("expected stale for used token, got %s", out)
	}
	if f.email.count() != 0 {
		t.Fatalf("no fallback expected, got %d", f.email.count())
	}
}

func TestExpiredTokenIsStale(t *testing.T) {
	f := newFixture(t)
	f.now = t0.Add(token.DefaultTTL + time.Minute)
	if out := f.handle(t, "ref-1", "failed"); out != OutcomeStale {
		t.Fatalf("expected stale, got %s", out)
	}
}

func TestOperatorIsLastLevel(t *testing.T) {
	f := newFixture(t)
	if err := f.store.RecordDispatch(context.Background(), "tok-1", notify.ChannelOperator, "op-ref"); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	if out := f.handle(t, "op-ref", "failed"); out != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", out)
	}
}

type failingDirectory struct{ calls int }

func (d *failingDirectory) Lookup(context.Context, string) (notify.Recipient, error) {
	d.calls++
	if d.calls == 1 {
		return notify.Recipient{}, errors.New("directory unavailable")
	}
	return notify.Recipient{EmployeeID: "emp-1", Email: "ana@example.com"}, nil
}

func TestInfrastructureErrorReleasesClaim(t *testing.T) {
	f := newFixture(t)
	email := &captureChannel{name: notify.ChannelEmail}
	router, _ := notify.NewRouter(&captureChannel{name: notify.ChannelWhatsApp}, email, &captureChannel{name: notify.ChannelOperator})
	proc := NewProcessor(f.store, router, &failingDirectory{}, linkBase("https://l"), WithClock(func() time.Time { return f.now }))

	if _, err := proc.OnDeliveryStatus(context.Background(), Report{MessageRef: "ref-1", Status: "failed"}); err == nil {
		t.Fatalf("expected directory error to surface")
	}
	out, err := proc.OnDeliveryStatus(context.Background(), Report{MessageRef: "ref-1", Status: "failed"})
	if err != nil || out != OutcomeEscalated {
		t.Fatalf("retry should escalate: out=%s err=%v", out, err)
	}
	if email.count() != 1 {
		t.Fatalf("expected one fallback send, got %d", email.count())
	}
}

func TestInvalidReportRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.proc.OnDeliveryStatus(context.Background(), Report{Status: "failed"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRedisDeduperSharesClaims(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisDeduper(client, "", time.Hour)
	b := NewRedisDeduper(client, "", time.Hour)
	ctx := context.Background()

	ok, err := a.Claim(ctx, "ref-1|failed")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = b.Claim(ctx, "ref-1|failed")
	if err != nil || ok {
		t.Fatalf("second replica must lose: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("yardlink:status:ref-1|failed"); ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if err := a.Release(ctx, "ref-1|failed"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := b.Claim(ctx, "ref-1|failed"); !ok {
		t.Fatalf("claim after release should win")
	}
}

func TestProcessorWithRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, WithDeduper(NewRedisDeduper(client, "", time.Hour)))
	f.handle(t, "ref-1", "failed")
	if out := f.handle(t, "ref-1", "FAILED"); out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}
	if f.email.count() != 1 {
		t.Fatalf("expected one fallback send, got %d", f.email.count())
	}
}

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := t0
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := d.Claim(ctx, "k"); !ok {
		t.Fatalf("first claim should win")
	}
	if ok, _ := d.Claim(ctx, "k"); ok {
		t.Fatalf("second claim should lose")
	}
	now = now.Add(time.Minute)
	if ok, _ := d.Claim(ctx, "k"); !ok {
		t.Fatalf("claim after ttl should win")
	}
}

func TestSignature(t *testing.T) {
	secret := []byte("shh")
	url := "https://yardlink.example/webhooks/delivery-status"
	body := []byte("MessageSid=SM1&MessageStatus=failed")

	sig := Sign(secret, url, body)
	if err := Verify(secret, url, body, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(secret, url+"?x=1", body, sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("url must be covered by the signature")
	}
	if err := Verify(secret, url, append(body, '1'), sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("body must be covered by the signature")
	}
	if err := Verify(secret, url, body, "%%%"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("garbage signature must fail")
	}
	if err := Verify(nil, url, body, sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("empty secret must fail")
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		name, ct, body string
		want           []Report
	}{
		{"twilio form", "application/x-www-form-urlencoded", "MessageSid=SM1&MessageStatus=undelivered&To=whatsapp%3A%2B1", []Report{{"SM1", "undelivered"}}},
		{"generic form", "application/x-www-form-urlencoded; charset=utf-8", "providerMessageRef=r1&status=failed", []Report{{"r1", "failed"}}},
		{"json object", "application/json", `{"providerMessageRef":"r1","status":"failed"}`, []Report{{"r1", "failed"}}},
		{"json array", "application/json", `[{"providerMessageRef":"r1","status":"failed"},{"MessageSid":"r2","MessageStatus":"read"}]`, []Report{{"r1", "failed"}, {"r2", "read"}}},
		{"envelope", "application/json", `{"eventType":"delivery.status","data":{"providerMessageRef":"r3","status":"bounced"}}`, []Report{{"r3", "bounced"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCallback(tc.ct, []byte(tc.body))
			if err != nil {
				t.Fatalf("ParseCallback: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d reports, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("report %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}

	for _, bad := range []string{"", "{", `{"status":"failed"}`, `[]`} {
		if _, err := ParseCallback("application/json", []byte(bad)); !errors.Is(err, ErrMalformedCallback) {
			t.Fatalf("body %q: expected ErrMalformedCallback, got %v", bad, err)
		}
	}
}

type failingMailer struct {
	mu    sync.Mutex
	tries int
}

func (m *failingMailer) SendMail(context.Context, string, []string, []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tries++
	return errors.New("dial tcp: connection refused")
}

func TestEmailRelayFailureEscalatesToOperatorOnce(t *testing.T) {
	store := token.NewInMemory()
	mailer := &failingMailer{}
	relay := &notify.FailureRelay{}
	email := notify.NewEmailChannel(notify.SMTPConfig{From: "no-reply@yardlink.example", MessageIDDomain: "yardlink.example"}, store,
		notify.WithMailer(mailer), notify.WithEmailFailures(relay))
	operator := &captureChannel{name: notify.ChannelOperator}
	router, err := notify.NewRouter(&captureChannel{name: notify.ChannelWhatsApp}, email, operator)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	dir := notify.NewStaticDirectory(notify.Recipient{EmployeeID: "emp-1", FullName: "Ana", Email: "ana@example.com", YardID: "yard-9"})
	now := t0.Add(time.Hour)
	proc := NewProcessor(store, router, dir, linkBase("https://l/auth/validate"), WithClock(func() time.Time { return now }))
	relay.Bind(proc)

	ctx := context.Background()
	if err := store.Create(ctx, &token.AccessToken{ID: "tok-1", Secret: "sec-1", SubjectID: "emp-1", CreatedAt: t0, ExpiresAt: t0.Add(token.DefaultTTL)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.RecordDispatch(ctx, "tok-1", notify.ChannelWhatsApp, "ref-1"); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}

	out, err := proc.OnDeliveryStatus(ctx, Report{MessageRef: "ref-1", Status: "undelivered"})
	if err != nil || out != OutcomeEscalated {
		t.Fatalf("OnDeliveryStatus: out=%s err=%v", out, err)
	}
	if mailer.tries != 1 {
		t.Fatalf("expected one relay attempt, got %d", mailer.tries)
	}
	if operator.count() != 1 {
		t.Fatalf("relay failure must reach the operator exactly once, got %d", operator.count())
	}
	tok, err := store.FindBySecret(ctx, "sec-1")
	if err != nil || tok.Channel != notify.ChannelOperator || tok.MessageRef != "" {
		t.Fatalf("token should rest on the operator level: %+v %v", tok, err)
	}

	if out, _ := proc.OnDeliveryStatus(ctx, Report{MessageRef: "ref-1", Status: "undelivered"}); out != OutcomeDuplicate {
		t.Fatalf("redelivered report must be a duplicate, got %s", out)
	}
	if operator.count() != 1 {
		t.Fatalf("operator notified again: %d", operator.count())
	}
}

func TestReportSendFailureUnknownReference(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.ReportSendFailure(context.Background(), "local-unknown"); err != nil {
		t.Fatalf("ReportSendFailure: %v", err)
	}
	if f.email.count() != 0 {
		t.Fatalf("unknown reference must not escalate")
	}
}
