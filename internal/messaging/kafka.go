// Package messaging streams the miner's events to Kafka as protobuf messages.
package messaging

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// KafkaClient publishes protobuf events to Kafka. Writers and readers are
// created lazily and cached per topic.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[string]*kafka.Reader

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client. Nothing connects until the
// first publish.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("kafka")

	retryConfig := retry.PublishConfig()
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithError(err).Debug("kafka publish failed, retrying", "attempt", attempt, "delay", delay)
	}

	return &KafkaClient{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(from, to circuit.State) {
				logger.Warn("kafka circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retryConfig,
	}
}

// GetProducer returns the cached writer for topic, creating it on first use.
// Messages are hashed by key so one pool's events stay ordered.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if writer, ok := k.writers[topic]; ok {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              16,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}

	k.writers[topic] = writer
	k.logger.Debug("created kafka producer", "topic", topic)
	return writer
}

// GetConsumer returns the cached reader for (topic, group). The miner only
// reads its own topics back in tests and tooling.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := topic + "/" + groupID

	k.mu.Lock()
	defer k.mu.Unlock()

	if reader, ok := k.readers[key]; ok {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     time.Second,
	})

	k.readers[key] = reader
	k.logger.Debug("created kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, at time.Time, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  at,
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeSink, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeProto reads one message from reader into msg and returns its key
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	kafkaMsg, err := reader.ReadMessage(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeSink, "read_message",
			"failed to read message from Kafka")
	}

	if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeParse, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("message_size", len(kafkaMsg.Value))
	}

	return string(kafkaMsg.Key), nil
}

// BreakerState reports the publish circuit breaker state
func (k *KafkaClient) BreakerState() circuit.State {
	return k.circuitBreaker.GetState()
}

// Close flushes and closes every producer and consumer
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Warn("failed to close producer", "topic", topic)
			errs = append(errs, err)
		}
	}
	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Warn("failed to close consumer", "key", key)
			errs = append(errs, err)
		}
	}

	clear(k.writers)
	clear(k.readers)
	return stderrors.Join(errs...)
}
