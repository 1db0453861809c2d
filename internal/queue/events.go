package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/riftexchange/rift-client/internal/depositevent"
)

// EventPublisher publishes deposit status transitions, keyed by attempt id.
type EventPublisher struct {
	p     Producer
	topic string
}

func NewEventPublisher(p Producer, topic string) (*EventPublisher, error) {
	if p == nil {
		return nil, errors.New("queue: nil producer")
	}
	if topic == "" {
		topic = depositevent.Topic
	}
	return &EventPublisher{p: p, topic: topic}, nil
}

func (e *EventPublisher) PublishTransition(ctx context.Context, t depositevent.Transition) error {
	payload, err := depositevent.BuildPayload(t)
	if err != nil {
		return err
	}
	b, err := payload.Encode()
	if err != nil {
		return err
	}
	if err := e.p.Publish(ctx, e.topic, t.AttemptID.Bytes(), b); err != nil {
		return fmt.Errorf("queue: publish %s seq %d: %w", t.AttemptID.Hex(), t.Seq, err)
	}
	return nil
}

// DecodeEvent parses a status event read from the queue.
func DecodeEvent(m Message) (depositevent.Payload, error) {
	var p depositevent.Payload
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return depositevent.Payload{}, fmt.Errorf("queue: decode event: %w", err)
	}
	if p.Version != depositevent.Version {
		return depositevent.Payload{}, fmt.Errorf("queue: unexpected event version %q", p.Version)
	}
	return p, nil
}
