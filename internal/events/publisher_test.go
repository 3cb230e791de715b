package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"github.com/pliu/dmrelay/internal/models"
)

type fakeWriter struct {
	written []kafkago.Message
	err     error
	calls   int
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishMessageSent(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, nil)

	m := models.Message{ID: 7, SenderID: "u2", ReceiverID: "u1", Body: "hello", CreatedAt: time.Now().UTC()}
	if err := p.PublishMessageSent(context.Background(), m); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("Expected 1 kafka message, got %d", len(w.written))
	}
	if string(w.written[0].Key) != "u1|u2" {
		t.Errorf("Expected conversation key, got %s", w.written[0].Key)
	}

	var ev MessageSent
	if err := json.Unmarshal(w.written[0].Value, &ev); err != nil {
		t.Fatalf("Invalid event payload: %v", err)
	}
	if ev.MessageID != 7 || ev.Body != "hello" || ev.ReceiverID != "u1" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, nil)
	m := models.Message{ID: 1, SenderID: "u1", ReceiverID: "u2", Body: "hi"}

	for i := 0; i < 5; i++ {
		if err := p.PublishMessageSent(context.Background(), m); err == nil {
			t.Fatal("Expected publish error")
		}
	}

	err := p.PublishMessageSent(context.Background(), m)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open breaker, got %v", err)
	}
	if w.calls != 5 {
		t.Errorf("Expected writer not called while open, got %d calls", w.calls)
	}
}
