package notify

import (
	"context"
	"errors"
	"fmt"

	"yardlink.org/internal/obs"
	"yardlink.org/internal/operator"
)

// StatusDeliveryFailed tells the operator the automated channels gave up.
const StatusDeliveryFailed = "DELIVERY_FAILED"

// OperatorPusher delivers a notification to a yard's live operator session.
type OperatorPusher interface {
	Send(yardID string, n operator.Notification) error
}

// OperatorChannel is the last resort. It never reports failure: with no live
// session the event is logged and dropped.
type OperatorChannel struct {
	pusher OperatorPusher
}

func NewOperatorChannel(pusher OperatorPusher) *OperatorChannel {
	return &OperatorChannel{pusher: pusher}
}

func (c *OperatorChannel) Name() string { return ChannelOperator }

func (c *OperatorChannel) Send(ctx context.Context, d Delivery) error {
	logger := obs.Ctx(ctx)
	if d.Recipient.YardID == "" {
		obs.NotificationSent(ChannelOperator, "dropped")
		logger.Warn().Str("token_id", d.TokenID).Str("employee_id", d.Recipient.EmployeeID).Msg("recipient has no yard; operator notification dropped")
		return nil
	}

	n := operator.Notification{
		Type:         operator.TypeStatusUpdate,
		YardID:       d.Recipient.YardID,
		SubjectID:    d.Recipient.EmployeeID,
		Status:       StatusDeliveryFailed,
		Message:      operatorMessage(d),
		FallbackLink: d.LinkURL,
	}
	err := c.pusher.Send(d.Recipient.YardID, n)
	switch {
	case err == nil:
		obs.NotificationSent(ChannelOperator, "sent")
		logger.Info().Str("token_id", d.TokenID).Str("yard_id", d.Recipient.YardID).Msg("operator notified")
	case errors.Is(err, operator.ErrNoSession), errors.Is(err, operator.ErrSessionBusy):
		obs.NotificationSent(ChannelOperator, "dropped")
		logger.Warn().Err(err).Str("token_id", d.TokenID).Str("yard_id", d.Recipient.YardID).Msg("operator notification dropped")
	default:
		obs.NotificationSent(ChannelOperator, "error")
		logger.Error().Err(err).Str("token_id", d.TokenID).Str("yard_id", d.Recipient.YardID).Msg("operator notification failed")
	}
	return nil
}

func operatorMessage(d Delivery) string {
	name := d.Recipient.FullName
	if name == "" {
		name = d.Recipient.EmployeeID
	}
	if d.Reason == "" {
		return fmt.Sprintf("Could not reach %s. Please hand over the sign-in link in person.", name)
	}
	return fmt.Sprintf("Could not reach %s (last status: %s). Please hand over the sign-in link in person.", name, d.Reason)
}
