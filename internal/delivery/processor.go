package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yardlink.org/internal/notify"
	"yardlink.org/internal/obs"
	"yardlink.org/internal/token"
)

// Outcome is what handling one report amounted to.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeStale     Outcome = "stale"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeEscalated Outcome = "escalated"
)

// statusSendFailed is the status a local send failure is reported under.
const statusSendFailed = "failed"

var _ notify.FailureReporter = (*Processor)(nil)

// LinkBuilder rebuilds the redeem URL of a token for a fallback send.
type LinkBuilder interface {
	LinkURL(secret string) string
}

// Processor escalates failed deliveries to the next channel of the chain.
type Processor struct {
	store  token.Store
	router *notify.Router
	dir    notify.Directory
	links  LinkBuilder
	dedup  Deduper
	chain  notify.Chain
	now    func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

func WithDeduper(d Deduper) ProcessorOption {
	return func(p *Processor) {
		if d != nil {
			p.dedup = d
		}
	}
}

func WithChain(chain notify.Chain) ProcessorOption {
	return func(p *Processor) {
		if len(chain) > 0 {
			p.chain = chain
		}
	}
}

func WithClock(fn func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if fn != nil {
			p.now = fn
		}
	}
}

func NewProcessor(store token.Store, router *notify.Router, dir notify.Directory, links LinkBuilder, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:  store,
		router: router,
		dir:    dir,
		links:  links,
		dedup:  NewMemoryDeduper(DefaultDedupTTL),
		chain:  notify.DefaultChain,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnDeliveryStatus handles one report. Nothing-to-do cases return an outcome
// and a nil error. A non-nil error means infrastructure trouble; the claim is
// released so a redelivery of the same event can try again.
func (p *Processor) OnDeliveryStatus(ctx context.Context, r Report) (Outcome, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	logger := obs.Ctx(ctx).With().Str("message_ref", r.MessageRef).Str("status", r.Status).Logger()

	if Classify(r.Status) != KindFailure {
		logger.Debug().Msg("non-failure status ignored")
		return OutcomeIgnored, nil
	}

	key := r.MessageRef + "|" + normalize(r.Status)
	claimed, err := p.dedup.Claim(ctx, key)
	if err != nil {
		return "", fmt.Errorf("delivery: claim status event: %w", err)
	}
	if !claimed {
		logger.Info().Msg("duplicate status event")
		return OutcomeDuplicate, nil
	}

	outcome, err := p.escalate(ctx, r)
	if err != nil {
		if relErr := p.dedup.Release(ctx, key); relErr != nil {
			logger.Error().Err(relErr).Msg("release status claim failed")
		}
		return "", err
	}
	logger.Info().Str("outcome", string(outcome)).Msg("status event handled")
	return outcome, nil
}

// ReportSendFailure handles a send that failed after ref was recorded as if
// the provider had reported ref failed.
func (p *Processor) ReportSendFailure(ctx context.Context, ref string) error {
	outcome, err := p.OnDeliveryStatus(ctx, Report{MessageRef: ref, Status: statusSendFailed})
	if err != nil {
		obs.StatusEvent("local", "error")
		return err
	}
	obs.StatusEvent("local", string(outcome))
	return nil
}

func (p *Processor) escalate(ctx context.Context, r Report) (Outcome, error) {
	tok, err := p.store.FindByMessageRef(ctx, r.MessageRef)
	if errors.Is(err, token.ErrTokenNotFound) {
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("delivery: find token: %w", err)
	}
	now := p.now().UTC()
	if !tok.Usable(now) {
		return OutcomeStale, nil
	}

	next, ok := p.chain.Next(tok.Channel)
	if !ok {
		return OutcomeExhausted, nil
	}
	ch, err := p.router.Resolve(next)
	if err != nil {
		return "", err
	}
	recipient, err := p.dir.Lookup(ctx, tok.SubjectID)
	if err != nil {
		return "", fmt.Errorf("delivery: lookup recipient: %w", err)
	}

	won, err := p.store.Advance(ctx, tok.ID, r.MessageRef, next, now)
	if err != nil {
		return "", fmt.Errorf("delivery: advance token: %w", err)
	}
	if !won {
		return OutcomeDuplicate, nil
	}

	err = ch.Send(ctx, notify.Delivery{
		TokenID:   tok.ID,
		Recipient: recipient,
		LinkURL:   p.links.LinkURL(tok.Secret),
		Reason:    normalize(r.Status),
	})
	if err != nil {
		logger := obs.Ctx(ctx)
		logger.Warn().Err(err).Str("token_id", tok.ID).Str("channel", next).Msg("fallback channel refused send")
	}
	return OutcomeEscalated, nil
}
