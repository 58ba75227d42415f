package queue

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Dead-letter metadata keys.
const (
	MetaReason = "dead_letter_reason"
	MetaError  = "dead_letter_error"
	MetaSource = "dead_letter_source"
	MetaAt     = "dead_letter_at"

	MetaRequestID = "request_id"
)

// DeadLetterSink stores messages that were given up on.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg *message.Message, reason DeadLetterReason) error
}

// WatermillSink republishes the original payload to a dead-letter topic with
// the reason in metadata.
type WatermillSink struct {
	pub    message.Publisher
	topic  string
	source string
	now    func() time.Time
}

func NewWatermillSink(pub message.Publisher, topic, source string) *WatermillSink {
	if topic == "" {
		topic = TopicDeadLetter
	}
	return &WatermillSink{pub: pub, topic: topic, source: source, now: time.Now}
}

func (s *WatermillSink) DeadLetter(_ context.Context, msg *message.Message, reason DeadLetterReason) error {
	out := message.NewMessage(uuid.NewString(), msg.Payload)
	for k, v := range msg.Metadata {
		out.Metadata.Set(k, v)
	}
	out.Metadata.Set(MetaReason, reason.Reason)
	if reason.Err != nil {
		out.Metadata.Set(MetaError, reason.Err.Error())
	}
	out.Metadata.Set(MetaSource, s.source)
	out.Metadata.Set(MetaAt, s.now().UTC().Format(time.RFC3339Nano))
	out.Metadata.Set("original_uuid", msg.UUID)
	return s.pub.Publish(s.topic, out)
}
