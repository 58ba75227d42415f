package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig configures the JetStream connection.
type NATSConfig struct {
	URL              string
	QueueGroup       string
	DurableName      string
	SubscribersCount int
	AckWait          time.Duration
	MaxDeliver       int
	ReconnectWait    time.Duration
	MaxReconnects    int
	CloseTimeout     time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.QueueGroup == "" {
		c.QueueGroup = "yardlink"
	}
	if c.DurableName == "" {
		c.DurableName = "yardlink-status"
	}
	if c.SubscribersCount <= 0 {
		c.SubscribersCount = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	return c
}

func natsOptions(cfg NATSConfig, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("yardlink"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// NewNATSSubscriber subscribes through a durable JetStream consumer.
func NewNATSSubscriber(cfg NATSConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	cfg = cfg.withDefaults()
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOptions(cfg, logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			AckAsync:      false,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(cfg.MaxDeliver),
				natsgo.AckWait(cfg.AckWait),
				natsgo.DeliverAll(),
			},
			DurablePrefix: cfg.DurableName,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("queue: create nats subscriber: %w", err)
	}
	return sub, nil
}

// NewNATSPublisher publishes to JetStream. It serves both the dead-letter
// sink and the webhook's async mode.
func NewNATSPublisher(cfg NATSConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	cfg = cfg.withDefaults()
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg, logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("queue: create nats publisher: %w", err)
	}
	return pub, nil
}

// NewRouter builds a router that consumes topic with c. Recoverer turns a
// panic outside Process into a nack instead of a crash.
func NewRouter(sub message.Subscriber, topic string, c *Consumer, logger watermill.LoggerAdapter) (*message.Router, error) {
	if topic == "" {
		topic = TopicStatus
	}
	r, err := message.NewRouter(message.RouterConfig{CloseTimeout: 15 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("queue: create router: %w", err)
	}
	r.AddMiddleware(middleware.Recoverer)
	r.AddConsumerHandler("delivery-status", topic, sub, c.Handle)
	return r, nil
}

// RouterService runs a router under a supervisor.
type RouterService struct {
	Router *message.Router
}

func (s RouterService) Serve(ctx context.Context) error {
	return s.Router.Run(ctx)
}

func (s RouterService) String() string { return "queue-router" }
