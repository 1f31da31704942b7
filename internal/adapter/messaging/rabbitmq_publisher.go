package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
)

const (
	ExchangeType = "topic"

	// Routing keys: stock.movement.<kind> and stock.low.
	MovementRoutingKeyPrefix = "stock.movement."
	LowStockRoutingKey       = "stock.low"

	dialAttempts = 5
	dialBackoff  = 2 * time.Second
)

// SetupConn dials the broker with a few retries and declares the topic exchange.
func SetupConn(url, exchange string, logger logrus.FieldLogger) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.WithField("attempt", i+1).Warnf("failed to connect to RabbitMQ: %v", err)
		time.Sleep(dialBackoff)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,     // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("could not declare exchange %s: %w", exchange, err)
	}

	return conn, ch, nil
}

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitMQPublisher struct {
	ch       Channel
	exchange string
}

func NewRabbitMQPublisher(ch Channel, exchange string) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, exchange: exchange}
}

type MovementEvent struct {
	ID                 string         `json:"id"`
	StockItemID        string         `json:"stock_item_id"`
	QuantityChange     int            `json:"quantity_change"`
	QuantityAfter      int            `json:"quantity_after"`
	Kind               string         `json:"kind"`
	Reason             string         `json:"reason"`
	OrderID            *string        `json:"order_id,omitempty"`
	ChangedBy          *string        `json:"changed_by,omitempty"`
	DenominationDeltas map[string]int `json:"denomination_deltas,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

type LowStockEvent struct {
	StockItemID string    `json:"stock_item_id"`
	TotalUnits  int       `json:"total_units"`
	Threshold   int       `json:"threshold"`
	AlertedAt   time.Time `json:"alerted_at"`
}

func (p *RabbitMQPublisher) PublishMovement(ctx context.Context, mv domain.MovementRecord) error {
	event := MovementEvent{
		ID:             mv.ID,
		StockItemID:    mv.StockItemID,
		QuantityChange: mv.QuantityChange,
		QuantityAfter:  mv.QuantityAfter,
		Kind:           string(mv.Kind),
		Reason:         mv.Reason,
		OrderID:        mv.OrderID,
		ChangedBy:      mv.ChangedBy,
		CreatedAt:      mv.CreatedAt,
	}
	if len(mv.DenominationDeltas) > 0 {
		event.DenominationDeltas = make(map[string]int, len(mv.DenominationDeltas))
		for size, n := range mv.DenominationDeltas {
			event.DenominationDeltas[fmt.Sprint(int(size))] = n
		}
	}
	return p.publish(ctx, MovementRoutingKeyPrefix+string(mv.Kind), mv.ID, event)
}

func (p *RabbitMQPublisher) PublishLowStock(ctx context.Context, alert domain.LowStockAlert) error {
	return p.publish(ctx, LowStockRoutingKey, "", LowStockEvent(alert))
}

func (p *RabbitMQPublisher) publish(ctx context.Context, routingKey, messageID string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", routingKey, p.exchange, err)
	}
	return nil
}
