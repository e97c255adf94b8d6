package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// Kafka settings
	KafkaBrokers       []string
	KafkaConsumerGroup string
}

// Topics emitted through the outbox.
const (
	TopicSettlementRequested = "cambio.settlement.requested"
	TopicInvoiceRequested    = "cambio.invoice.requested"
)

// OutboxEvent is a durable event written in the same unit of work as the
// state change it announces, relayed to the bus afterwards.
type OutboxEvent struct {
	ID            string     `json:"id"`
	Topic         string     `json:"topic"`
	AggregateID   string     `json:"aggregateId"`
	Payload       []byte     `json:"payload"`
	CreatedAt     time.Time  `json:"createdAt"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	LastError     string     `json:"lastError,omitempty"`
}

// SettlementRequested asks the reconciler to follow up a pending gateway payment.
type SettlementRequested struct {
	TransactionID string `json:"transactionId"`
	ExternalID    string `json:"externalId"`
}

// InvoiceRequested carries what the invoicing collaborator needs from a
// settled transaction.
type InvoiceRequested struct {
	TransactionID    string    `json:"transactionId"`
	VerificationCode string    `json:"verificationCode"`
	Direction        Direction `json:"direction"`
	Currency         string    `json:"currency"`
	OperatedAmount   string    `json:"operatedAmount"`
	LocalAmount      string    `json:"localAmount"`
	AppliedRate      string    `json:"appliedRate"`
	Commission       string    `json:"commission"`
	ClientID         string    `json:"clientId"`
	ClientName       string    `json:"clientName"`
	ClientTaxID      string    `json:"clientTaxId"`
	ClientEmail      string    `json:"clientEmail"`
	SettledAt        time.Time `json:"settledAt"`
}
