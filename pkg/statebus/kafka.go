package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"dataexport/pkg/audit"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c KafkaConfig) validate(needGroup bool) ([]string, error) {
	brokers := c.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if needGroup && strings.TrimSpace(c.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return brokers, nil
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers, err := cfg.validate(true)
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: msg.Key, Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// publishQueue bounds the attempts waiting for the writer goroutine.
const publishQueue = 256

// KafkaPublisher writes one message per finished attempt, keyed by attempt id.
// Publishing is best effort: the database row stays the record of truth.
// Attempts are handed to a single writer goroutine; a full queue drops them.
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration

	mu     sync.Mutex
	queue  chan audit.Attempt
	done   chan struct{}
	closed bool
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers, err := cfg.validate(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, 5*time.Second, publishQueue), nil
}

func newKafkaPublisher(w kafkaWriter, timeout time.Duration, queue int) *KafkaPublisher {
	p := &KafkaPublisher{
		writer:  w,
		timeout: timeout,
		queue:   make(chan audit.Attempt, queue),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for a := range p.queue {
		if err := p.Publish(context.Background(), a); err != nil {
			log.Printf("statebus: publish attempt %s: %v", a.ID, err)
		}
	}
}

func (p *KafkaPublisher) AttemptStarted(audit.Attempt) {}

// AttemptFinished queues a for publishing and returns immediately.
func (p *KafkaPublisher) AttemptFinished(a audit.Attempt) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.queue == nil {
		return
	}
	select {
	case p.queue <- a:
	default:
		log.Printf("statebus: publish queue full, dropping attempt %s", a.ID)
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, a audit.Attempt) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.ID.String()), Value: value, Time: time.Now().UTC()})
}

// Close flushes queued attempts and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.mu.Lock()
	if !p.closed && p.queue != nil {
		close(p.queue)
		p.closed = true
		p.mu.Unlock()
		<-p.done
	} else {
		p.mu.Unlock()
	}
	return p.writer.Close()
}

// DecodeAttempt parses a message written by KafkaPublisher.
func DecodeAttempt(msg Message) (audit.Attempt, error) {
	var a audit.Attempt
	if err := json.Unmarshal(msg.Value, &a); err != nil {
		return a, fmt.Errorf("decode attempt: %w", err)
	}
	return a, nil
}
