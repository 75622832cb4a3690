package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

func TestMemoryStoreClientsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := &settings.Client{Name: "svc", Settings: []*settings.Definition{
		{Name: "Retries", ValueType: settings.TypeInt, Value: settings.IntValue(3)},
	}}
	require.NoError(t, s.UpsertClient(ctx, c))
	assert.NotEmpty(t, c.ID)

	got, err := s.GetClient(ctx, "svc", "")
	require.NoError(t, err)
	got.Settings[0].Value = settings.IntValue(9)

	again, err := s.GetClient(ctx, "svc", "")
	require.NoError(t, err)
	assert.Equal(t, settings.IntValue(3), again.Settings[0].Value)

	missing, err := s.GetClient(ctx, "svc", "prod")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStoreListClientsOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, c := range []*settings.Client{{Name: "b"}, {Name: "a", Instance: "x"}, {Name: "a"}} {
		require.NoError(t, s.UpsertClient(ctx, c))
	}
	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].DisplayName())
	assert.Equal(t, "a-x", list[1].DisplayName())
	assert.Equal(t, "b", list[2].DisplayName())
}

func TestMemoryStoreStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	st := &ClientStatus{Name: "svc", RunSessions: []*RunSession{{RunSessionID: "r1"}}}
	st.RunSessions[0].PollIntervalMs.Override(5000)
	require.NoError(t, s.UpdateClientStatus(ctx, st))

	st.RunSessions[0].RunSessionID = "mutated"

	got, err := s.GetClientStatus(ctx, "svc", "")
	require.NoError(t, err)
	require.NotNil(t, got.Session("r1"))
	assert.Equal(t, 5000, got.Session("r1").PollIntervalMs.Or(0))

	require.NoError(t, s.DeleteClientStatus(ctx, "svc", ""))
	got, err = s.GetClientStatus(ctx, "svc", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreEventWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddEvent(ctx, &EventLogEntry{Timestamp: base.Add(time.Duration(i) * time.Hour), EventType: "x"}))
	}

	all, err := s.ListEvents(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	window, err := s.ListEvents(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, window, 3)
}

func TestMemoryStoreDefaultConfiguration(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cfg, err := s.GetConfiguration(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.AllowOfflineSettings)

	cfg.AllowClientOverrides = true
	require.NoError(t, s.UpdateConfiguration(ctx, cfg))
	cfg, err = s.GetConfiguration(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.AllowClientOverrides)
}

func TestMemoryStoreDeleteWebHookClientCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wc := &WebHookClient{Name: "ops", BaseURI: "http://ops"}
	require.NoError(t, s.UpsertWebHookClient(ctx, wc))
	require.NoError(t, s.UpsertWebHook(ctx, &WebHook{WebHookClientID: wc.ID, WebHookType: WebHookSettingValueChanged}))
	require.NoError(t, s.UpsertWebHook(ctx, &WebHook{WebHookClientID: "other", WebHookType: WebHookSettingValueChanged}))

	require.NoError(t, s.DeleteWebHookClient(ctx, wc.ID))
	hooks, err := s.ListWebHooks(ctx)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "other", hooks[0].WebHookClientID)
}

func TestMemoryStoreDeferredImportsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.AddDeferredImport(ctx, &DeferredImport{Name: "svc", ImportTime: now}))
	require.NoError(t, s.AddDeferredImport(ctx, &DeferredImport{Name: "svc", ImportTime: now.Add(-time.Hour)}))
	require.NoError(t, s.AddDeferredImport(ctx, &DeferredImport{Name: "svc", Instance: "prod", ImportTime: now}))

	list, err := s.GetDeferredImports(ctx, "svc", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].ImportTime.Before(list[1].ImportTime))
}

func TestMemoryStoreLocks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.AcquireLock(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.AcquireLock(ctx, "sweep", "b", time.Minute)
	assert.False(t, ok)

	renewed, _ := s.RenewLock(ctx, "sweep", "b", time.Minute)
	assert.False(t, renewed)

	owner, _ := s.GetLockOwner(ctx, "sweep")
	assert.Equal(t, "a", owner)

	require.NoError(t, s.ReleaseLock(ctx, "sweep", "a"))
	ok, _ = s.AcquireLock(ctx, "sweep", "b", time.Minute)
	assert.True(t, ok)
}

func TestNegotiatedFirstWriteWins(t *testing.T) {
	var n Negotiated[int]
	assert.Nil(t, n.Ptr())
	assert.False(t, n.Negotiate(nil))

	first, second := 1000, 2000
	assert.True(t, n.Negotiate(&first))
	assert.False(t, n.Negotiate(&second))
	assert.Equal(t, 1000, n.Value)

	n.Override(3000)
	assert.Equal(t, 3000, *n.Ptr())
}
