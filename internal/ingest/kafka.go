package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

// StartKafka consumes one event per message. The message key names the
// process when the payload does not.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	parser := NewParser()
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			fields, err := parser.ParseLine(string(m.Value))
			if err != nil || fields == nil {
				if err != nil && logger != nil {
					logger.Warn("kafka parse error", "err", err, "offset", m.Offset)
				}
				continue
			}
			if fields.ProcessID == "" && len(m.Key) > 0 {
				fields.ProcessID = string(m.Key)
			}
			_ = emit(ctx, fields, "kafka", cfg, out, logger)
		}
	}()
}
