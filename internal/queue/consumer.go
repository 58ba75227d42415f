package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"yardlink.org/internal/delivery"
	"yardlink.org/internal/obs"
)

// Dead-letter reasons.
const (
	ReasonMalformed       = "malformed_message"
	ReasonProcessingError = "processing_error"
	ReasonPanic           = "panic"
)

// StatusHandler is the shared status logic. *delivery.Processor satisfies it.
type StatusHandler interface {
	OnDeliveryStatus(ctx context.Context, r delivery.Report) (delivery.Outcome, error)
}

// DeadLetterReason says why a message was given up on.
type DeadLetterReason struct {
	Reason string
	Err    error
}

// Result is the decision for one message. A nil DeadLetter means ack.
type Result struct {
	Processed  int
	Outcomes   []delivery.Outcome
	DeadLetter *DeadLetterReason
}

// Consumer handles status messages.
type Consumer struct {
	handler StatusHandler
	sink    DeadLetterSink
}

func NewConsumer(handler StatusHandler, sink DeadLetterSink) *Consumer {
	return &Consumer{handler: handler, sink: sink}
}

// Process decides what to do with payload without touching the broker. The
// whole batch is decoded before any report is handled, so a malformed batch
// changes nothing.
func (c *Consumer) Process(ctx context.Context, payload []byte) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res.DeadLetter = &DeadLetterReason{Reason: ReasonPanic, Err: fmt.Errorf("queue: panic while processing: %v", rec)}
		}
	}()

	reports, err := Decode(payload)
	if err != nil {
		return Result{DeadLetter: &DeadLetterReason{Reason: ReasonMalformed, Err: err}}
	}
	for _, r := range reports {
		outcome, err := c.handler.OnDeliveryStatus(ctx, r)
		if err != nil {
			res.DeadLetter = &DeadLetterReason{Reason: ReasonProcessingError, Err: err}
			return res
		}
		res.Processed++
		res.Outcomes = append(res.Outcomes, outcome)
	}
	return res
}

// Handle is the router handler. It always returns nil so the message is
// acked; failures go to the dead-letter sink instead of being redelivered.
func (c *Consumer) Handle(msg *message.Message) error {
	ctx := obs.ContextWithRequestID(msg.Context(), msg.Metadata.Get(MetaRequestID))
	logger := obs.Ctx(ctx).With().Str("message_uuid", msg.UUID).Logger()

	res := c.Process(ctx, msg.Payload)
	for _, o := range res.Outcomes {
		obs.StatusEvent("queue", string(o))
	}
	if res.DeadLetter == nil {
		return nil
	}

	reason := *res.DeadLetter
	obs.DeadLettered(reason.Reason)
	logger.Warn().Err(reason.Err).Str("reason", reason.Reason).Int("processed", res.Processed).Msg("dead-lettering status message")

	if c.sink == nil {
		logger.Error().Err(errors.New("no dead-letter sink configured")).Str("reason", reason.Reason).Msg("status message lost")
		return nil
	}
	if err := c.sink.DeadLetter(ctx, msg, reason); err != nil {
		logger.Error().Err(err).Str("reason", reason.Reason).Bytes("payload", msg.Payload).Msg("dead-letter publish failed; status message lost")
	}
	return nil
}
