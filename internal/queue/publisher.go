package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"yardlink.org/internal/delivery"
	"yardlink.org/internal/obs"
)

// StatusPublisher puts reports on the status topic in envelope format.
type StatusPublisher struct {
	pub   message.Publisher
	topic string
}

func NewStatusPublisher(pub message.Publisher, topic string) *StatusPublisher {
	if topic == "" {
		topic = TopicStatus
	}
	return &StatusPublisher{pub: pub, topic: topic}
}

// Publish sends all reports as one batch message.
func (p *StatusPublisher) Publish(ctx context.Context, reports ...delivery.Report) error {
	if len(reports) == 0 {
		return nil
	}
	payload, err := Encode(reports...)
	if err != nil {
		return fmt.Errorf("queue: encode reports: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if id := obs.RequestIDFromContext(ctx); id != "" {
		msg.Metadata.Set(MetaRequestID, id)
	}
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("queue: publish reports: %w", err)
	}
	return nil
}
