package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"fairwatch/internal/config"
)

// KafkaSink publishes notifications keyed by process id so one process's
// alerts stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(cfg config.KafkaNotifyConfig) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Alert.ProcessID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(n.Reason)},
			{Key: "priority", Value: []byte(n.Alert.Priority)},
		},
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
