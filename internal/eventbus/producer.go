package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"boxoffice/internal/config"
	"boxoffice/internal/logger"
	"boxoffice/internal/models"
)

// Publisher is what the order service sees. Publish failures are logged by
// callers but never roll back the state transition they follow.
type Publisher interface {
	PublishOrderPlaced(order *models.Order) error
	PublishOrderPaid(order *models.Order) error
	PublishOrderCanceled(order *models.Order) error
	PublishOrderExpired(order *models.Order) error
	PublishOrderChanged(order *models.Order) error
	PublishRefundEvent(refund *models.OrderRefund) error
}

type orderEvent struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	Code      string    `json:"code"`
	EventID   string    `json:"event_id"`
	Status    string    `json:"status"`
	Total     string    `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

type refundEvent struct {
	Type      string    `json:"type"`
	RefundID  string    `json:"refund_id"`
	OrderID   string    `json:"order_id"`
	State     string    `json:"state"`
	Amount    string    `json:"amount"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
}

type Producer struct {
	writers map[string]*kafka.Writer
	topics  config.TopicConfig
	logger  *logger.Logger
}

func NewProducer(cfg config.KafkaConfig, log *logger.Logger) *Producer {
	p := &Producer{
		writers: make(map[string]*kafka.Writer),
		topics:  cfg.Topics,
		logger:  log,
	}
	for _, topic := range []string{
		cfg.Topics.OrderPlaced, cfg.Topics.OrderPaid, cfg.Topics.OrderCanceled,
		cfg.Topics.OrderExpired, cfg.Topics.OrderChanged, cfg.Topics.RefundEvents,
	} {
		p.writers[topic] = kafka.NewWriter(kafka.WriterConfig{
			Brokers: cfg.Brokers,
			Topic:   topic,
		})
	}
	return p
}

func (p *Producer) publishOrder(topic, eventType string, order *models.Order) error {
	msg := orderEvent{
		Type:      eventType,
		OrderID:   order.ID,
		Code:      order.Code,
		EventID:   order.EventID,
		Status:    string(order.Status),
		Total:     order.Total.String(),
		Timestamp: time.Now().UTC(),
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.logger.LogKafka("PUBLISH", topic, eventType+" "+order.Code)
	return p.writers[topic].WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(order.ID),
			Value: msgBytes,
		},
	)
}

func (p *Producer) PublishOrderPlaced(order *models.Order) error {
	return p.publishOrder(p.topics.OrderPlaced, "order_placed", order)
}

func (p *Producer) PublishOrderPaid(order *models.Order) error {
	return p.publishOrder(p.topics.OrderPaid, "order_paid", order)
}

func (p *Producer) PublishOrderCanceled(order *models.Order) error {
	return p.publishOrder(p.topics.OrderCanceled, "order_canceled", order)
}

func (p *Producer) PublishOrderExpired(order *models.Order) error {
	return p.publishOrder(p.topics.OrderExpired, "order_expired", order)
}

func (p *Producer) PublishOrderChanged(order *models.Order) error {
	return p.publishOrder(p.topics.OrderChanged, "order_changed", order)
}

func (p *Producer) PublishRefundEvent(refund *models.OrderRefund) error {
	msg := refundEvent{
		Type:      "refund_" + string(refund.State),
		RefundID:  refund.ID,
		OrderID:   refund.OrderID,
		State:     string(refund.State),
		Amount:    refund.Amount.String(),
		Provider:  refund.Provider,
		Timestamp: time.Now().UTC(),
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.logger.LogKafka("PUBLISH", p.topics.RefundEvents, msg.Type+" "+refund.OrderID)
	return p.writers[p.topics.RefundEvents].WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(refund.OrderID),
			Value: msgBytes,
		},
	)
}

// MockProducer is used in tests and in dev setups without a broker.
type MockProducer struct {
	Published []string
}

func (m *MockProducer) record(kind, id string) error {
	m.Published = append(m.Published, kind+":"+id)
	return nil
}

func (m *MockProducer) PublishOrderPlaced(o *models.Order) error {
	return m.record("order_placed", o.ID)
}
func (m *MockProducer) PublishOrderPaid(o *models.Order) error { return m.record("order_paid", o.ID) }
func (m *MockProducer) PublishOrderCanceled(o *models.Order) error {
	return m.record("order_canceled", o.ID)
}
func (m *MockProducer) PublishOrderExpired(o *models.Order) error {
	return m.record("order_expired", o.ID)
}
func (m *MockProducer) PublishOrderChanged(o *models.Order) error {
	return m.record("order_changed", o.ID)
}
func (m *MockProducer) PublishRefundEvent(r *models.OrderRefund) error {
	return m.record("refund_event", r.ID)
}
