// Package queue carries deposit status events over Kafka, or over newline-delimited stdio for
// local runs and tests.
package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "RIFT_QUEUE_KAFKA_TLS"

// Message is one record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker timestamp for Kafka and the local read time for stdio.
	Timestamp time.Time

	ack func(context.Context) error
}

// Ack marks the message processed. It is a no-op for drivers without offsets.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes queue messages. Messages with the same key keep their relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers []string
	Group   string
	Topics  []string
	// MaxBytes bounds a single Kafka fetch. Zero means 10 MiB.
	MaxBytes int

	Reader       io.Reader
	MaxLineBytes int // stdio; zero means 1 MiB
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer // stdio; nil means os.Stdout
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("queue: unsupported driver %q", cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{w: w}, nil
	default:
		return nil, fmt.Errorf("queue: unsupported driver %q", cfg.Driver)
	}
}

func driverName(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList splits a flag value like "b1:9092, b2:9092" into trimmed, non-empty parts.
func SplitCommaList(s string) []string {
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLS() *tls.Config {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	default:
		return nil
	}
}
