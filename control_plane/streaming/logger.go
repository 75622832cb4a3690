package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogPublisher writes events to the structured log. It is used when no
// broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("streaming")}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.logger.Info("publish",
		zap.String("event_id", uuid.NewString()),
		zap.String("topic", topic),
		zap.Time("timestamp", time.Now()),
		zap.ByteString("payload", data))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debug("closed log publisher")
	return nil
}
