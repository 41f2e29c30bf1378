// Package notifier is the fire-and-forget notification contract. Delivery
// failures are logged and never fatal to the calling component.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Notifier publishes a domain event for downstream delivery (email, push,
// seller dashboards). Implementations must not block on consumer outcomes.
type Notifier interface {
	Notify(ctx context.Context, subjectID, eventKind string, payload map[string]any)
}

// LogNotifier writes notifications to the log. The default when no broker is
// configured.
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, subjectID, eventKind string, payload map[string]any) {
	n.log.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"event_kind": eventKind,
		"payload":    payload,
	}).Info("notification emitted")
}

// AMQPNotifier publishes notifications to a fanout exchange.
type AMQPNotifier struct {
	channel  *amqp.Channel
	exchange string
	log      *logrus.Logger
}

// NewAMQPNotifier connects, declares the exchange, and returns a publisher.
func NewAMQPNotifier(url, exchange string, log *logrus.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{channel: ch, exchange: exchange, log: log}, nil
}

type envelope struct {
	SubjectID string         `json:"subject_id"`
	EventKind string         `json:"event_kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (n *AMQPNotifier) Notify(ctx context.Context, subjectID, eventKind string, payload map[string]any) {
	body, err := json.Marshal(envelope{SubjectID: subjectID, EventKind: eventKind, Payload: payload})
	if err != nil {
		n.log.WithError(err).Warn("notification marshal failed")
		return
	}
	err = n.channel.PublishWithContext(ctx, n.exchange, eventKind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{
			"subject_id": subjectID,
			"event_kind": eventKind,
		}).Warn("notification publish failed")
	}
}
