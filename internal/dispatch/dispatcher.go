// Package dispatch sends the primary notification for a freshly issued link
// once the transaction that created it has committed.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"yardlink.org/internal/notify"
	"yardlink.org/internal/obs"
	"yardlink.org/internal/txn"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultSendTimeout = 20 * time.Second
)

// Request identifies one link to deliver.
type Request struct {
	TokenID    string
	EmployeeID string
	LinkURL    string
}

type task struct {
	ctx context.Context
	req Request
}

// Dispatcher owns a bounded queue drained by a fixed worker pool. Nothing on
// the committing path ever waits for a send.
type Dispatcher struct {
	router  *notify.Router
	dir     notify.Directory
	chain   notify.Chain
	workers int
	timeout time.Duration

	queue   chan task
	pending sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan task, n)
		}
	}
}

func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithChain(chain notify.Chain) Option {
	return func(d *Dispatcher) {
		if len(chain) > 0 {
			d.chain = chain
		}
	}
}

func New(router *notify.Router, dir notify.Directory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:  router,
		dir:     dir,
		chain:   notify.DefaultChain,
		workers: defaultWorkers,
		timeout: defaultSendTimeout,
		queue:   make(chan task, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ScheduleAfterCommit queues req once the ambient transaction commits and
// drops it on rollback. Without an ambient transaction the data is already
// durable, so req is queued immediately. The task runs detached from the
// transaction and from ctx's cancellation.
func (d *Dispatcher) ScheduleAfterCommit(ctx context.Context, req Request) {
	detached := txn.Detach(ctx)
	if txn.AfterCommit(ctx, func() { d.Submit(detached, req) }) {
		return
	}
	d.Submit(detached, req)
}

// Submit enqueues req without blocking. It reports false when the queue is
// full and the request was dropped.
func (d *Dispatcher) Submit(ctx context.Context, req Request) bool {
	d.pending.Add(1)
	select {
	case d.queue <- task{ctx: ctx, req: req}:
		return true
	default:
		d.pending.Done()
		obs.DispatchDropped()
		logger := obs.Ctx(ctx)
		logger.Error().Str("token_id", req.TokenID).Str("employee_id", req.EmployeeID).Msg("dispatch queue full; notification dropped")
		return false
	}
}

// Serve runs the worker pool until ctx is done.
func (d *Dispatcher) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.queue:
					d.run(t)
					d.pending.Done()
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) String() string { return "dispatcher" }

// Wait blocks until every submitted request has been handled.
func (d *Dispatcher) Wait() { d.pending.Wait() }

func (d *Dispatcher) run(t task) {
	logger := obs.Ctx(t.ctx).With().
		Str("token_id", t.req.TokenID).
		Str("employee_id", t.req.EmployeeID).
		Logger()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("dispatch task panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(t.ctx, d.timeout)
	defer cancel()

	recipient, err := d.dir.Lookup(ctx, t.req.EmployeeID)
	if err != nil {
		logger.Error().Err(err).Msg("recipient lookup failed; notification not sent")
		return
	}
	name, ok := d.chain.First()
	if !ok {
		logger.Error().Msg("empty fallback chain")
		return
	}
	ch, err := d.router.Resolve(name)
	if err != nil {
		logger.Error().Err(err).Msg("primary channel unavailable")
		return
	}

	err = ch.Send(ctx, notify.Delivery{TokenID: t.req.TokenID, Recipient: recipient, LinkURL: t.req.LinkURL})
	var sendErr *notify.SendError
	switch {
	case err == nil:
		logger.Info().Str("channel", name).Msg("primary notification sent")
	case errors.As(err, &sendErr):
		logger.Warn().Err(err).Str("channel", name).Msg("primary channel refused send")
	default:
		logger.Error().Err(err).Str("channel", name).Msg("primary channel send failed")
	}
}
