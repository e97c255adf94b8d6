package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	headerMessageID = "message-id"
	headerTimestamp = "timestamp"
)

// KafkaBus implements EventBus on Kafka. Writers are created lazily per
// topic; each subscription runs its own consumer-group reader and commits an
// offset only after the handler succeeds.
type KafkaBus struct {
	mu      sync.Mutex
	brokers []string
	group   string
	writers map[string]*kafkago.Writer
	subs    map[string]*kafkaSubscription
	closed  bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
	owner  *KafkaBus
}

// NewKafkaBus creates a Kafka event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	group := cfg.KafkaConsumerGroup
	if group == "" {
		group = "cambio-workers"
	}
	return &KafkaBus{
		brokers: cfg.KafkaBrokers,
		group:   group,
		writers: make(map[string]*kafkago.Writer),
		subs:    make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes payload to topic and waits for all in-sync replicas.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errTopicRequired
	}
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	id := uuid.New().String()
	msg := kafkago.Message{
		Key:   []byte(id),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: headerMessageID, Value: []byte(id)},
			{Key: headerTimestamp, Value: []byte(strconv.FormatInt(time.Now().UnixNano(), 10))},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBus) writer(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBusClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

// Subscribe starts a consumer-group reader for topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, errTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.group,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024, // 10 MB
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		owner:  b,
	}
	b.subs[sub.id] = sub

	go sub.consume(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	slog.Info("kafka consumer starting", "topic", s.topic, "group", s.owner.group)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("kafka consumer stopping", "topic", s.topic)
				return
			}
			slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			return
		}

		msg := &domain.Message{
			Topic:    m.Topic,
			Key:      string(m.Key),
			Payload:  m.Value,
			Metadata: make(map[string]string, len(m.Headers)),
		}
		for _, h := range m.Headers {
			msg.Metadata[h.Key] = string(h.Value)
		}
		msg.ID = msg.Metadata[headerMessageID]
		if ts, err := strconv.ParseInt(msg.Metadata[headerTimestamp], 10, 64); err == nil {
			msg.Timestamp = ts
		} else {
			msg.Timestamp = m.Time.UnixNano()
		}

		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			slog.Error("kafka commit failed",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes every writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	writers := b.writers
	b.subs = make(map[string]*kafkaSubscription)
	b.writers = make(map[string]*kafkago.Writer)
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing writer for topic %s: %w", topic, err)
		}
	}
	return firstErr
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("closing kafka reader: %w", err)
	}
	return nil
}

// Unsubscribe stops the reader of this subscription.
func (s *kafkaSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	_, ok := s.owner.subs[s.id]
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
