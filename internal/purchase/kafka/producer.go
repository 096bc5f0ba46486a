package kafka

import (
	"context"
	"encoding/json"
	"time"

	"storyforge/internal/models"

	"github.com/segmentio/kafka-go"
)

// Producer streams book purchase events for downstream consumers (email
// receipts, analytics).
type Producer struct {
	bookPurchased  *kafka.Writer
	receiptCreated *kafka.Writer
}

func NewProducer(brokers []string, bookPurchasedTopic, receiptCreatedTopic string) *Producer {
	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers: brokers,
			Topic:   topic,
		})
	}
	return &Producer{
		bookPurchased:  newWriter(bookPurchasedTopic),
		receiptCreated: newWriter(receiptCreatedTopic),
	}
}

type bookPurchasedEvent struct {
	Type          string    `json:"type"`
	BookID        string    `json:"book_id"`
	UserID        string    `json:"user_id"`
	ReferenceCode string    `json:"reference_code"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *Producer) PublishBookPurchased(book *models.PersonalizedBook, receipt *models.Receipt) error {
	msgBytes, err := json.Marshal(bookPurchasedEvent{
		Type:          "book.purchased",
		BookID:        book.ID,
		UserID:        book.UserID,
		ReferenceCode: receipt.ReferenceCode,
		Amount:        receipt.Amount,
		Currency:      receipt.Currency,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.bookPurchased.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(book.ID),
			Value: msgBytes,
		},
	)
}

func (p *Producer) PublishReceiptCreated(receipt *models.Receipt) error {
	msgBytes, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	return p.receiptCreated.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(receipt.ReferenceCode),
			Value: msgBytes,
		},
	)
}

func (p *Producer) Close() error {
	if err := p.bookPurchased.Close(); err != nil {
		return err
	}
	return p.receiptCreated.Close()
}
