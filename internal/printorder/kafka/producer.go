package kafka

import (
	"context"
	"encoding/json"
	"time"

	"storyforge/internal/config"
	"storyforge/internal/models"

	"github.com/segmentio/kafka-go"
)

// Producer streams print order lifecycle events, one writer per topic.
type Producer struct {
	orderCreated *kafka.Writer
	orderPaid    *kafka.Writer
	jobSubmitted *kafka.Writer
	orderShipped *kafka.Writer
	orderFailed  *kafka.Writer
}

func NewProducer(brokers []string, topics config.TopicConfig) *Producer {
	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers: brokers,
			Topic:   topic,
		})
	}
	return &Producer{
		orderCreated: newWriter(topics.OrderCreated),
		orderPaid:    newWriter(topics.OrderPaid),
		jobSubmitted: newWriter(topics.JobSubmitted),
		orderShipped: newWriter(topics.OrderShipped),
		orderFailed:  newWriter(topics.OrderFailed),
	}
}

func (p *Producer) publish(writer *kafka.Writer, key string, payload interface{}) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(key),
			Value: msgBytes,
		},
	)
}

func (p *Producer) PublishOrderCreated(order *models.PrintOrder) error {
	return p.publish(p.orderCreated, order.ID, order)
}

func (p *Producer) PublishOrderPaid(payment *models.PrintOrderPayment) error {
	return p.publish(p.orderPaid, payment.PrintOrderID, models.PaymentEvent{
		Type:      "print_order.paid",
		OrderID:   payment.PrintOrderID,
		PaymentID: payment.ID,
		BookID:    payment.BookID,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Producer) PublishJobSubmitted(order *models.PrintOrder) error {
	return p.publish(p.jobSubmitted, order.ID, order)
}

func (p *Producer) PublishOrderShipped(order *models.PrintOrder) error {
	return p.publish(p.orderShipped, order.ID, order)
}

func (p *Producer) PublishOrderFailed(order *models.PrintOrder, reason string) error {
	return p.publish(p.orderFailed, order.ID, map[string]interface{}{
		"order":  order,
		"reason": reason,
	})
}

func (p *Producer) Close() error {
	for _, w := range []*kafka.Writer{p.orderCreated, p.orderPaid, p.jobSubmitted, p.orderShipped, p.orderFailed} {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
