// Package events publishes relay events for downstream collaborators such
// as push notifications.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pliu/dmrelay/internal/models"
)

// Publisher announces stored messages.
type Publisher interface {
	PublishMessageSent(ctx context.Context, m models.Message) error
	Close() error
}

// MessageSent is the payload of the message.sent topic.
type MessageSent struct {
	MessageID  int64     `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}
	return newKafkaPublisher(w, log)
}

func newKafkaPublisher(w messageWriter, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-message-sent",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &KafkaPublisher{writer: w, breaker: cb, log: log}
}

// PublishMessageSent writes one event keyed by conversation so a pair's
// events stay in one partition. It fails fast while the breaker is open.
func (p *KafkaPublisher) PublishMessageSent(ctx context.Context, m models.Message) error {
	b, err := json.Marshal(MessageSent{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	})
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:   []byte(models.ConversationKey(m.SenderID, m.ReceiverID)),
		Value: b,
		Time:  m.CreatedAt,
		Headers: []kafkago.Header{
			{Key: "message_id", Value: []byte(strconv.FormatInt(m.ID, 10))},
		},
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishMessageSent(context.Context, models.Message) error { return nil }
func (NopPublisher) Close() error                                             { return nil }
