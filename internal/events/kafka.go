package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"legalchat/internal/metrics"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// MessageEvent is the record written for every persisted message
type MessageEvent struct {
	ID        string    `json:"id"`
	RoomKey   string    `json:"roomKey"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// KafkaPublisher streams persisted messages to a topic
// Delivery is asynchronous; failures surface through the delivery report
// handler and the publish failure metric, never to the sender.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

// NewKafkaPublisher connects a producer to brokers
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer: p,
		topic:    topic,
		doneCh:   make(chan struct{}),
	}

	go kp.deliveryReportHandler()

	return kp, nil
}

func (kp *KafkaPublisher) deliveryReportHandler() {
	l := pkglog.L()
	for e := range kp.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				metrics.PublishFailures.WithLabelValues("kafka").Inc()
				l.Warn().Err(ev.TopicPartition.Error).Str(pkglog.FieldMsgID, string(ev.Key)).Msg("kafka delivery failed")
			}
		case kafka.Error:
			l.Warn().Err(ev).Msg("kafka producer error")
		}
	}
	close(kp.doneCh)
}

// PublishMessage enqueues msg keyed by room so one room stays in one partition
func (kp *KafkaPublisher) PublishMessage(ctx context.Context, msg *types.Message) error {
	value, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	err = kp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &kp.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(msg.RoomKey),
		Value: value,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// Close flushes outstanding records for up to five seconds
func (kp *KafkaPublisher) Close() error {
	if remaining := kp.producer.Flush(5000); remaining > 0 {
		pkglog.L().Warn().Int("remaining", remaining).Msg("kafka flush timed out")
	}
	kp.producer.Close()
	<-kp.doneCh
	return nil
}

func encodeMessage(msg *types.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	value, err := json.Marshal(MessageEvent{
		ID:        msg.ID,
		RoomKey:   msg.RoomKey,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      msg.Type,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message event: %w", err)
	}
	return value, nil
}
