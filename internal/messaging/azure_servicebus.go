package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/config"
	"example.com/backstage/services/eventstore/internal/models"
)

// Sender is the part of azservicebus.Sender used by Publisher
type Sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Publisher is a projection handler that forwards stored events to an Azure
// Service Bus topic for integration consumers.
type Publisher struct {
	client *azservicebus.Client
	sender Sender
	topic  string
}

// NewPublisher connects to Service Bus and opens a sender for the topic
func NewPublisher(cfg config.AzureConfig) (*Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.TopicName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	publisher := NewPublisherWithSender(sender, cfg.TopicName)
	publisher.client = client
	return publisher, nil
}

// NewPublisherWithSender creates a publisher over an existing sender
func NewPublisherWithSender(sender Sender, topic string) *Publisher {
	return &Publisher{sender: sender, topic: topic}
}

// NewMessage builds the Service Bus message for an event. The message id is
// the event id so duplicate detection on the topic can drop redeliveries, and
// the session id is the stream name so consumers see a stream in order.
func NewMessage(event *models.Event) *azservicebus.Message {
	messageID := event.ID
	sessionID := event.StreamName
	subject := event.EventType
	contentType := "application/json"

	properties := map[string]interface{}{
		"tenant_id":       event.TenantID,
		"stream_name":     event.StreamName,
		"aggregate_type":  event.AggregateType,
		"aggregate_id":    event.AggregateID,
		"version":         event.Version,
		"global_position": event.GlobalPosition,
		"schema_version":  strconv.Itoa(event.SchemaVersion),
		"occurred_at":     event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if event.UserID != nil {
		properties["user_id"] = *event.UserID
	}

	message := &azservicebus.Message{
		MessageID:             &messageID,
		SessionID:             &sessionID,
		Subject:               &subject,
		ContentType:           &contentType,
		Body:                  event.Payload,
		ApplicationProperties: properties,
	}
	if event.CorrelationID != nil {
		correlationID := *event.CorrelationID
		message.CorrelationID = &correlationID
	}
	return message
}

// Handle publishes one event
func (p *Publisher) Handle(ctx context.Context, event *models.Event) error {
	if err := p.sender.SendMessage(ctx, NewMessage(event), nil); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.ID, p.topic, err)
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("topic", p.topic).
		Msg("Event published")
	return nil
}

// Close closes the sender and client
func (p *Publisher) Close(ctx context.Context) error {
	if p.sender != nil {
		if err := p.sender.Close(ctx); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(ctx)
	}
	return nil
}
