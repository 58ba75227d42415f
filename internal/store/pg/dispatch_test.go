package pg

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"yardlink.org/internal/dispatch"
	"yardlink.org/internal/notify"
)

// recordingChannel stores a provider reference through the store, the way
// the WhatsApp channel does after a successful send.
type recordingChannel struct {
	store *Store
	mu    sync.Mutex
	sent  []notify.Delivery
	errs  []error
}

func (c *recordingChannel) Name() string { return notify.ChannelWhatsApp }

func (c *recordingChannel) Send(ctx context.Context, d notify.Delivery) error {
	err := c.store.RecordDispatch(ctx, d.TokenID, notify.ChannelWhatsApp, "SM-1")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, d)
	if err != nil {
		c.errs = append(c.errs, err)
	}
	return nil
}

func TestDispatchAfterCommitRunsOutsideTransaction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectQuery("from employees").WithArgs("emp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "phone", "email", "yard_id"}).
			AddRow("emp-1", "Ana Flores", "+5215512345678", nil, "yard-9"))
	mock.ExpectExec("update access_tokens").WithArgs("t1", notify.ChannelWhatsApp, "SM-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ch := &recordingChannel{store: s}
	router, err := notify.NewRouter(ch)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	d := dispatch.New(router, NewDirectory(s), dispatch.WithChain(notify.Chain{notify.ChannelWhatsApp}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	err = s.WithinTx(context.Background(), func(ctx context.Context) error {
		d.ScheduleAfterCommit(ctx, dispatch.Request{TokenID: "t1", EmployeeID: "emp-1", LinkURL: "https://yard.example/auth/validate?token=s1"})
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	d.Wait()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 {
		t.Fatalf("primary channel must be invoked once after commit, got %d", len(ch.sent))
	}
	if ch.sent[0].Recipient.FullName != "Ana Flores" {
		t.Fatalf("unexpected recipient: %+v", ch.sent[0].Recipient)
	}
	if len(ch.errs) != 0 {
		t.Fatalf("record dispatch after commit failed: %v", ch.errs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnPanic(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = s.WithinTx(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	}()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("transaction not rolled back after panic: %v", err)
	}
}
