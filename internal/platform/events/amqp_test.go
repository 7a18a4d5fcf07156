package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	exchange string
	key      string
	msgs     []amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange, f.key = exchange, key
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, queue: DefaultQueue}
	partner := uuid.New()
	ev := New(ItemProcessed, partner, uuid.New(), nil)

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ch.exchange != "" || ch.key != DefaultQueue {
		t.Errorf("expected default exchange and queue key, got %q/%q", ch.exchange, ch.key)
	}
	msg := ch.msgs[0]
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("expected persistent delivery")
	}
	if msg.Type != string(ItemProcessed) || msg.MessageId != ev.ID.String() {
		t.Errorf("unexpected message metadata: type=%s id=%s", msg.Type, msg.MessageId)
	}
	if msg.Headers["partner_id"] != partner.String() {
		t.Errorf("expected partner header, got %v", msg.Headers)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil || decoded.ID != ev.ID {
		t.Errorf("unexpected body %s (%v)", msg.Body, err)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Errorf("expected channel to close cleanly, err=%v", err)
	}
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	boom := errors.New("channel closed")
	p := &AMQPPublisher{ch: &fakeChannel{err: boom}, queue: DefaultQueue}
	if err := p.Publish(context.Background(), New(ItemCreated, uuid.New(), uuid.Nil, nil)); !errors.Is(err, boom) {
		t.Errorf("expected wrapped channel error, got %v", err)
	}
}
