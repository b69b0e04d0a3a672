package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

const (
	TypeCompleted      = "payment.completed"
	TypeFiscalRejected = "payment.fiscal_rejected"
	TypeIgnored        = "payment.ignored"
)

// Event is published when a payment reaches a state that needs no further automation.
type Event struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PaymentID         uint      `json:"payment_id"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	Status            string    `json:"status"`
	InvoiceNumber     string    `json:"invoice_number,omitempty"`
	CAE               string    `json:"cae,omitempty"`
	ArchiveLink       string    `json:"archive_link,omitempty"`
	LedgerRow         string    `json:"ledger_row,omitempty"`
	Amount            string    `json:"amount"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewPaymentEvent snapshots p into an event of the given type.
func NewPaymentEvent(eventType string, p *models.Payment) Event {
	e := Event{
		ID:                uuid.NewString(),
		Type:              eventType,
		PaymentID:         p.ID,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		Status:            string(p.Status),
		CAE:               p.CAE,
		ArchiveLink:       p.ArchiveLink,
		LedgerRow:         p.LedgerRow,
		Amount:            p.Amount.StringFixed(2),
		Error:             p.Error,
		OccurredAt:        time.Now().UTC(),
	}
	if p.CbteNro > 0 {
		e.InvoiceNumber = p.InvoiceNumber()
	}
	return e
}

// Publisher delivers events. Delivery is best effort; the payment store stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by provider payment, so events of the
// same payment stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := message(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func message(e Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Provider + ":" + e.ProviderPaymentID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
		Time: e.OccurredAt,
	}, nil
}

// Noop drops every event. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

// NewPublisher returns a Kafka publisher when brokers are configured and Noop otherwise.
func NewPublisher(brokers []string, topic string) Publisher {
	for _, b := range brokers {
		if strings.TrimSpace(b) != "" {
			log.Infof("[Events] Publishing payment events to %s on %s", topic, strings.Join(brokers, ","))
			return NewKafkaPublisher(brokers, topic)
		}
	}
	return Noop{}
}

// Multi fans every event out to all publishers and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
