package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogPublisherWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), "webhook.SettingValueChanged", map[string]string{"client": "orders"}))
	require.NoError(t, p.Close())

	entries := logs.FilterMessage("publish").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "webhook.SettingValueChanged", fields["topic"])
	assert.Contains(t, fields["payload"], "orders")
}

func TestLogPublisherRejectsUnencodablePayload(t *testing.T) {
	p := NewLogPublisher(nil)
	assert.Error(t, p.Publish(context.Background(), "t", make(chan int)))
}

func TestNATSSubject(t *testing.T) {
	p := &NATSPublisher{prefix: "settingsforge.events"}
	assert.Equal(t, "settingsforge.events.session.connected", p.Subject("session.connected"))

	p.prefix = ""
	assert.Equal(t, "session.connected", p.Subject("session.connected"))
}
