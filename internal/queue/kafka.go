package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaMaxBytes     = 10 << 20
	defaultKafkaBatchTimeout = 10 * time.Millisecond
)

type kafkaProducer struct {
	w *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("queue: kafka producer requires at least one broker")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultKafkaBatchTimeout
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
	}
	if tc := kafkaTLS(); tc != nil {
		w.Transport = &kafka.Transport{TLS: tc}
	}
	return &kafkaProducer{w: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("queue: topic is required")
	}
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

type kafkaConsumer struct {
	r *kafka.Reader

	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	brokers := compact(cfg.Brokers)
	topics := compact(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, errors.New("queue: kafka consumer requires at least one broker")
	case group == "":
		return nil, errors.New("queue: kafka consumer requires a group")
	case len(topics) == 0:
		return nil, errors.New("queue: kafka consumer requires at least one topic")
	case cfg.MaxBytes < 0:
		return nil, errors.New("queue: kafka max bytes must be >= 0")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = defaultKafkaMaxBytes
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    maxBytes,
	}
	if tc := kafkaTLS(); tc != nil {
		rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: tc}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		r:      kafka.NewReader(rc),
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

// stopOnFetchError reports whether a fetch error ends the consumer loop. Everything except
// cancellation is surfaced on Errors and the loop keeps fetching.
func stopOnFetchError(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)
	defer close(c.errs)

	for {
		km, err := c.r.FetchMessage(ctx)
		if err != nil {
			if stopOnFetchError(err) {
				return
			}
			select {
			case c.errs <- err:
				continue
			case <-ctx.Done():
				return
			}
		}
		m := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ack: func(ctx context.Context) error {
				return c.r.CommitMessages(ctx, km)
			},
		}
		select {
		case c.msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgs }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.r.Close()
		<-c.done
	})
	return err
}
