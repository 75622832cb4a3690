package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

type failingRepo struct{}

func (failingRepo) AddEvent(context.Context, *store.EventLogEntry) error {
	return errors.New("disk full")
}

func (failingRepo) ListEvents(context.Context, time.Time, time.Time) ([]*store.EventLogEntry, error) {
	return nil, nil
}

func TestRecordStampsAndMirrors(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	l := New(repo)

	var mirrored []string
	l.OnRecord(func(e *store.EventLogEntry) { mirrored = append(mirrored, e.EventType) })

	session := &store.RunSession{RunSessionID: "r1", Hostname: "h1"}
	l.Record(ctx, NewSession("svc", "", session), ExpiredSession("svc", "", session))

	events, err := l.List(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, RunSessionStarted, events[0].EventType)
	assert.Equal(t, "h1", events[0].Hostname)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, []string{RunSessionStarted, RunSessionExpired}, mirrored)
}

func TestRecordSwallowsRepositoryErrors(t *testing.T) {
	l := New(failingRepo{})
	called := false
	l.OnRecord(func(*store.EventLogEntry) { called = true })

	assert.NotPanics(t, func() {
		l.Record(context.Background(), Registered("svc", ""))
	})
	assert.False(t, called)
}

func TestValueUpdatedMasksSecrets(t *testing.T) {
	secret := &settings.Definition{Name: "Password", ValueType: settings.TypeString, IsSecret: true}
	e := ValueUpdated("svc", "", secret, settings.StringValue("old"), settings.StringValue("new"), "admin")
	assert.Equal(t, SecretMask, e.OriginalValue)
	assert.Equal(t, SecretMask, e.NewValue)

	plain := &settings.Definition{Name: "Hosts", ValueType: settings.TypeStringList}
	e = ValueUpdated("svc", "", plain, nil, settings.StringListValue{"a"}, "admin")
	assert.Equal(t, "", e.OriginalValue)
	assert.Equal(t, `["a"]`, e.NewValue)
	assert.Equal(t, "admin", e.AuthenticatedUser)
}
