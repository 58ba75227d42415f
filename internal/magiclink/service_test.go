package magiclink

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yardlink.org/internal/dispatch"
	"yardlink.org/internal/notify"
	"yardlink.org/internal/token"
	"yardlink.org/internal/txn"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []dispatch.Request
}

func (r *recordingScheduler) ScheduleAfterCommit(ctx context.Context, req dispatch.Request) {
	record := func() {
		r.mu.Lock()
		r.reqs = append(r.reqs, req)
		r.mu.Unlock()
	}
	if !txn.AfterCommit(ctx, record) {
		record()
	}
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func newService(t *testing.T, store token.Store, opts ...ServiceOption) (*Service, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	base := []ServiceOption{WithBaseURL("https://links.yardlink.example/"), WithClock(c.Now)}
	svc, err := NewService(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, c
}

func secretFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u.Query().Get("token")
}

func TestIssueBuildsLink(t *testing.T) {
	svc, c := newService(t, token.NewInMemory())

	link, err := svc.Issue(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(link.URL, "https://links.yardlink.example/auth/validate?token=") {
		t.Fatalf("unexpected url: %s", link.URL)
	}
	if secretFromURL(t, link.URL) != link.Token.Secret {
		t.Fatalf("url does not carry the secret")
	}
	if !link.Token.ExpiresAt.Equal(c.Now().Add(token.DefaultTTL)) || link.Token.Used {
		t.Fatalf("unexpected token: %+v", link.Token)
	}
}

func TestIssueRetriesSecretCollisionOnce(t *testing.T) {
	store := token.NewInMemory()
	secrets := []string{"taken", "taken", "fresh"}
	var calls int
	source := func() (string, error) {
		s := secrets[calls]
		calls++
		return s, nil
	}
	svc, _ := newService(t, store, WithSecretSource(source))

	if _, err := svc.Issue(context.Background(), "emp-1"); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	link, err := svc.Issue(context.Background(), "emp-2")
	if err != nil {
		t.Fatalf("Issue after collision: %v", err)
	}
	if link.Token.Secret != "fresh" || calls != 3 {
		t.Fatalf("expected one retry, calls=%d secret=%s", calls, link.Token.Secret)
	}
}

func TestIssueFailsAfterSecondCollision(t *testing.T) {
	store := token.NewInMemory()
	svc, _ := newService(t, store, WithSecretSource(func() (string, error) { return "same", nil }))
	if _, err := svc.Issue(context.Background(), "emp-1"); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	if _, err := svc.Issue(context.Background(), "emp-2"); !errors.Is(err, token.ErrDuplicateSecret) {
		t.Fatalf("expected ErrDuplicateSecret, got %v", err)
	}
}

func TestValidateTwice(t *testing.T) {
	svc, _ := newService(t, token.NewInMemory())
	link, err := svc.Issue(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	secret := secretFromURL(t, link.URL)

	id, err := svc.ValidateAndConsume(context.Background(), secret)
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if id.EmployeeID != "emp-1" || id.TokenID != link.Token.ID {
		t.Fatalf("unexpected identity: %+v", id)
	}
	_, err = svc.ValidateAndConsume(context.Background(), secret)
	if !errors.Is(err, token.ErrTokenAlreadyUsed) || !IsInvalidLink(err) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}

func TestValidateNeverIssued(t *testing.T) {
	svc, _ := newService(t, token.NewInMemory())
	for _, secret := range []string{"", "never-issued"} {
		_, err := svc.ValidateAndConsume(context.Background(), secret)
		if !errors.Is(err, token.ErrTokenNotFound) || !IsInvalidLink(err) {
			t.Fatalf("secret %q: expected ErrTokenNotFound, got %v", secret, err)
		}
	}
}

func TestValidateExpired(t *testing.T) {
	svc, c := newService(t, token.NewInMemory())
	link, err := svc.Issue(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c.Advance(token.DefaultTTL + time.Second)
	if _, err := svc.ValidateAndConsume(context.Background(), link.Token.Secret); !errors.Is(err, token.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestConcurrentValidationHasOneWinner(t *testing.T) {
	svc, _ := newService(t, token.NewInMemory())
	link, err := svc.Issue(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 50
	var (
		wg     sync.WaitGroup
		ok     atomic.Int32
		reused atomic.Int32
		start  = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.ValidateAndConsume(context.Background(), link.Token.Secret)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, token.ErrTokenAlreadyUsed):
				reused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if ok.Load() != 1 || reused.Load() != n-1 {
		t.Fatalf("ok=%d reused=%d", ok.Load(), reused.Load())
	}
}

func TestOnboardSchedulesAfterCommit(t *testing.T) {
	sch := &recordingScheduler{}
	dir := notify.NewStaticDirectory(notify.Recipient{EmployeeID: "emp-1", FullName: "Ana"})
	svc, _ := newService(t, token.NewInMemory(), WithScheduler(sch), WithDirectory(dir))

	link, err := svc.Onboard(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}
	if sch.count() != 1 || sch.reqs[0].TokenID != link.Token.ID || sch.reqs[0].LinkURL != link.URL {
		t.Fatalf("unexpected scheduled requests: %+v", sch.reqs)
	}

	if _, err := svc.Onboard(context.Background(), "ghost"); !errors.Is(err, ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}
}

func TestOnboardRolledBackNeverDispatches(t *testing.T) {
	sch := &recordingScheduler{}
	dir := notify.NewStaticDirectory(notify.Recipient{EmployeeID: "emp-1"})
	svc, _ := newService(t, token.NewInMemory(), WithScheduler(sch), WithDirectory(dir))

	rollback := errors.New("employee insert failed")
	err := txn.Local{}.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := svc.Onboard(ctx, "emp-1"); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if sch.count() != 0 {
		t.Fatalf("rolled back onboarding must not dispatch")
	}
}

func TestRegenerateExpiresPreviousLinks(t *testing.T) {
	dir := notify.NewStaticDirectory(notify.Recipient{EmployeeID: "emp-1"})
	svc, c := newService(t, token.NewInMemory(), WithDirectory(dir))

	first, err := svc.Onboard(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}
	c.Advance(time.Minute)
	second, err := svc.Regenerate(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	c.Advance(time.Second)

	if _, err := svc.ValidateAndConsume(context.Background(), first.Token.Secret); !errors.Is(err, token.ErrTokenExpired) {
		t.Fatalf("superseded link should be expired, got %v", err)
	}
	if _, err := svc.ValidateAndConsume(context.Background(), second.Token.Secret); err != nil {
		t.Fatalf("new link should validate: %v", err)
	}
}

func TestWithBaseURLRejectsGarbage(t *testing.T) {
	if _, err := NewService(token.NewInMemory(), WithBaseURL("not a url")); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}
