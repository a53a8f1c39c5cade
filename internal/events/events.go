// Package events publishes campaign lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const (
	Exchange            = "campaigns"
	RoutingKeyFinalized = "campaign.finalized"
)

// CampaignFinalized is emitted once per run when a campaign reaches a
// terminal status.
type CampaignFinalized struct {
	CampaignID    string    `json:"campaign_id"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode,omitempty"`
	Targeted      int       `json:"targeted"`
	Sent          int       `json:"sent"`
	Delivered     int       `json:"delivered"`
	Failed        int       `json:"failed"`
	InvalidTokens int       `json:"invalid_tokens"`
	Reason        string    `json:"reason,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev CampaignFinalized) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, CampaignFinalized) error { return nil }

type AMQP struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker and declares the durable topic exchange.
func Dial(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		Exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQP{conn: conn, ch: ch}, nil
}

func (p *AMQP) Publish(ctx context.Context, ev CampaignFinalized) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Publish(Exchange, RoutingKeyFinalized, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKeyFinalized, err)
	}
	return nil
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// Encode builds the persistent JSON message for ev.
func Encode(ev CampaignFinalized) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.CampaignID,
		Timestamp:    ev.FinalizedAt,
		Type:         RoutingKeyFinalized,
		Body:         body,
	}, nil
}
