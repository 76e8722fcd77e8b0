// Package notify carries reservation events to the external
// notification sink. Delivery is best-effort: the reserve path writes
// events to the transactional outbox and a separate publisher drains
// them, so a sink outage can never fail or roll back a workflow call.
package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/panierlocal/surplus-reservations/internal/adapters/rabbit"
	"github.com/panierlocal/surplus-reservations/internal/observability"
)

const (
	KindReservationCreated   = "reservation.created"
	KindReservationCancelled = "reservation.cancelled"
	KindReservationPickedUp  = "reservation.picked_up"
	KindLotExpired           = "lot.expired"
	KindSettlementFailed     = "settlement.failed"
)

type Event struct {
	UserID  uuid.UUID
	Kind    string
	Payload map[string]interface{}
}

// Body flattens the event into the JSON object published to the sink.
func (e Event) Body() ([]byte, error) {
	body := map[string]interface{}{
		"user_id": e.UserID,
		"kind":    e.Kind,
	}
	for k, v := range e.Payload {
		body[k] = v
	}
	return json.Marshal(body)
}

// Gateway is the direct fire-and-forget path, used by workers for
// events that have no surrounding transaction.
type Gateway struct {
	pub    *rabbit.Publisher
	logger observability.Logger
}

func NewGateway(pub *rabbit.Publisher, logger observability.Logger) *Gateway {
	return &Gateway{pub: pub, logger: logger}
}

// Notify publishes and swallows failures; they are logged, never
// propagated to the caller's workflow.
func (g *Gateway) Notify(ctx context.Context, event Event) {
	payload, err := event.Body()
	if err != nil {
		g.logger.Error("notify: marshal event", err)
		return
	}
	msg := amqp.Publishing{
		MessageId:   uuid.New().String(),
		ContentType: "application/json",
		Body:        payload,
	}
	if err := g.pub.Publish(ctx, event.Kind, msg); err != nil {
		g.logger.WithField("kind", event.Kind).Error("notify: publish failed", err)
	}
}
