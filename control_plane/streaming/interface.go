package streaming

import (
	"context"
	"time"
)

// Topics mirrored from the webhook service. Registration and session topics
// are suffixed with the webhook type or the session event.
const (
	TopicClientPrefix    = "client."
	TopicSettingsChanged = "settings.changed"
	TopicMemoryLeak      = "session.memory_leak"
	TopicSessionPrefix   = "session."
)

// Source names this process in emitted events.
const Source = "settingsforge"

// Event is the envelope a broker publisher emits around a domain payload.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher mirrors domain events to an external consumer. Publish must not
// block the caller for longer than ctx allows.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
