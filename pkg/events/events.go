package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/diagnosis/bus-reserve/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("bus-reserve"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "bytes", len(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
			ID:        uuid.NewString(),
		})
	})
	return err
}

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	return nil
}

// Noop drops every event. Used when no bus is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, interface{}) error { return nil }
func (Noop) Close() error                                     { return nil }

// Event subjects
const (
	// Audit events are published as audit.<category>.<name>
	AuditPrefix = "audit."

	ReservationReserved    = "reservation.reserved"
	ReservationFailed      = "reservation.failed"
	ReservationSMSRequired = "reservation.sms_required"

	ValidationChecked = "validation.checked"
)

// AuditSubject maps an event type such as route.reserved to its subject.
func AuditSubject(eventType string) string {
	return AuditPrefix + eventType
}

// Event payloads
type ReservationEvent struct {
	OrderID            int64      `json:"order_id"`
	Status             string     `json:"status"`
	ErrorCode          string     `json:"error_code,omitempty"`
	PassengersTotal    int        `json:"passengers_total"`
	PassengersReserved int        `json:"passengers_reserved"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	OccurredAt         time.Time  `json:"occurred_at"`
}

type ValidationCheckedEvent struct {
	Phone       string    `json:"phone"`
	CanReserve  bool      `json:"can_reserve"`
	RequiresSMS bool      `json:"requires_sms"`
	ErrorCode   string    `json:"error_code,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}
