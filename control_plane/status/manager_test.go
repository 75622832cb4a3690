package status

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	hashOnce   sync.Once
	secretHash string
)

func hashedSecret(t *testing.T) string {
	hashOnce.Do(func() {
		h, err := secrets.HashSecret(testSecret)
		require.NoError(t, err)
		secretHash = h
	})
	return secretHash
}

type recordingNotifier struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	leaks        []string
	counts       []int
}

func (n *recordingNotifier) ClientConnected(_ context.Context, s *store.RunSession, st *store.ClientStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, s.RunSessionID)
	n.counts = append(n.counts, len(st.RunSessions))
}

func (n *recordingNotifier) ClientDisconnected(_ context.Context, s *store.RunSession, st *store.ClientStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, s.RunSessionID)
}

func (n *recordingNotifier) MemoryLeakDetected(_ context.Context, _ *store.ClientStatus, s *store.RunSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaks = append(n.leaks, s.RunSessionID)
}

type fixture struct {
	store    *store.MemoryStore
	manager  *Manager
	notifier *recordingNotifier
	clock    time.Time
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	f := &fixture{
		store:    ms,
		notifier: &recordingNotifier{},
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(Dependencies{
		Clients:       ms,
		Statuses:      ms,
		Configuration: ms,
		Events:        eventlog.New(ms),
		Notifier:      f.notifier,
	}, opts)
	f.manager.now = func() time.Time { return f.clock }
	f.register(t, "Orders", "")
	return f
}

func (f *fixture) register(t *testing.T, name, instance string) *settings.Client {
	t.Helper()
	c := &settings.Client{Name: name, Instance: instance, ClientSecret: hashedSecret(t)}
	require.NoError(t, f.store.UpsertClient(context.Background(), c))
	return c
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestIsExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	session := func(poll *int, lastSeen time.Duration) *store.RunSession {
		s := &store.RunSession{LastSeen: now.Add(-lastSeen)}
		s.PollIntervalMs.Negotiate(poll)
		return s
	}

	tests := []struct {
		name     string
		session  *store.RunSession
		fallback time.Duration
		want     bool
	}{
		{"well past twice the interval", session(intPtr(1000), 3000*time.Millisecond), 0, true},
		{"within twice the interval", session(intPtr(1000), 1500*time.Millisecond), 0, false},
		{"inside grace period", session(intPtr(1000), 2040*time.Millisecond), 0, false},
		{"exactly at expiry is still live", session(intPtr(1000), 2050*time.Millisecond), 0, false},
		{"just past grace period", session(intPtr(1000), 2051*time.Millisecond), 0, true},
		{"fallback extends the window", session(intPtr(1000), 3000*time.Millisecond), 10 * time.Second, false},
		{"fallback smaller than window is ignored", session(intPtr(1000), 3000*time.Millisecond), time.Second, true},
		{"unset poll interval never expires", session(nil, time.Hour), 0, false},
		{"unset poll interval ignores fallback", session(nil, time.Hour), time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpired(tt.session, now, tt.fallback))
		})
	}
}

func TestSyncStatusNegotiatesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	resp, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
		RunSessionID:   "s1",
		PollIntervalMs: intPtr(1000),
		LiveReload:     boolPtr(false),
	}, RequesterDetails{Hostname: "web-1", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, resp.PollIntervalMs)
	assert.Equal(t, 1000, *resp.PollIntervalMs)
	assert.False(t, resp.LiveReload)
	assert.True(t, resp.AllowOfflineSettings)

	f.advance(500 * time.Millisecond)
	resp, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
		RunSessionID:   "s1",
		PollIntervalMs: intPtr(5000),
		LiveReload:     boolPtr(true),
	}, RequesterDetails{})
	require.NoError(t, err)
	assert.Equal(t, 1000, *resp.PollIntervalMs)
	assert.False(t, resp.LiveReload)

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	require.Len(t, st.RunSessions, 1)
	assert.Equal(t, "web-1", st.RunSessions[0].Hostname)
	assert.Equal(t, f.clock, st.RunSessions[0].LastSeen)
	assert.Equal(t, []string{"s1"}, f.notifier.connected)
}

func TestSyncStatusDefaults(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := f.manager.SyncStatus(context.Background(), "Orders", "", testSecret,
		Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)
	assert.Nil(t, resp.PollIntervalMs)
	assert.True(t, resp.LiveReload)
	assert.False(t, resp.RestartRequested)
}

func TestSyncStatusErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Missing", "", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.SyncStatus(ctx, "Orders", "", "wrong-secret-wrong-secret-wrong-secret", Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{}, RequesterDetails{})
	assert.ErrorIs(t, err, ErrMissingRunSession)
}

func TestSyncStatusFallsBackToDefaultInstance(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "eu-west", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Len(t, st.RunSessions, 1)

	n, err := f.manager.LiveSessions(ctx, "Orders", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncStatusReportsSettingUpdates(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	updated := f.clock.Add(-time.Minute)
	c, err := f.store.GetClient(ctx, "Orders", "")
	require.NoError(t, err)
	c.LastSettingValueUpdate = updated
	require.NoError(t, f.store.UpsertClient(ctx, c))

	resp, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret,
		Heartbeat{RunSessionID: "s1", LastSettingUpdate: updated.Add(-time.Second)}, RequesterDetails{})
	require.NoError(t, err)
	assert.True(t, resp.SettingUpdateAvailable)

	resp, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret,
		Heartbeat{RunSessionID: "s1", LastSettingUpdate: updated}, RequesterDetails{})
	require.NoError(t, err)
	assert.False(t, resp.SettingUpdateAvailable)
}

func TestSyncStatusLogsConfigurationErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)
	_, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
		RunSessionID:          "s1",
		HasConfigurationError: true,
		ConfigurationErrors:   []string{"bad url", "missing key"},
	}, RequesterDetails{})
	require.NoError(t, err)
	// Unchanged flag logs nothing new.
	_, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
		RunSessionID:          "s1",
		HasConfigurationError: true,
		ConfigurationErrors:   []string{"bad url"},
	}, RequesterDetails{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		eventlog.RunSessionStarted,
		eventlog.ConfigurationErrorStatusChanged,
		eventlog.ConfigurationError,
		eventlog.ConfigurationError,
	}, f.eventTypes(t))
}

func TestSyncStatusPrunesExpiredSiblings(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret,
		Heartbeat{RunSessionID: "old", PollIntervalMs: intPtr(1000)}, RequesterDetails{})
	require.NoError(t, err)

	f.advance(3 * time.Second)
	_, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret,
		Heartbeat{RunSessionID: "new", PollIntervalMs: intPtr(1000)}, RequesterDetails{})
	require.NoError(t, err)

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	require.Len(t, st.RunSessions, 1)
	assert.Equal(t, "new", st.RunSessions[0].RunSessionID)
	assert.Equal(t, []string{"old"}, f.notifier.disconnected)
	assert.Contains(t, f.eventTypes(t), eventlog.RunSessionExpired)
}

func TestUpdateConfiguration(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
		RunSessionID:   "s1",
		PollIntervalMs: intPtr(1000),
		LiveReload:     boolPtr(true),
	}, RequesterDetails{})
	require.NoError(t, err)

	got, err := f.manager.UpdateConfiguration(ctx, "Orders", "", ClientConfiguration{
		RunSessionID:     "s1",
		PollIntervalMs:   intPtr(30000),
		RestartRequested: true,
	}, "admin")
	require.NoError(t, err)
	assert.Nil(t, got.LiveReload)
	assert.Equal(t, 30000, *got.PollIntervalMs)

	// LiveReload was reset, so the next heartbeat negotiates it again.
	resp, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
		RunSessionID:   "s1",
		PollIntervalMs: intPtr(1000),
		LiveReload:     boolPtr(false),
	}, RequesterDetails{})
	require.NoError(t, err)
	assert.Equal(t, 30000, *resp.PollIntervalMs)
	assert.False(t, resp.LiveReload)
	assert.True(t, resp.RestartRequested)

	resp, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)
	assert.False(t, resp.RestartRequested, "restart is delivered once")

	assert.Contains(t, f.eventTypes(t), eventlog.LiveConfigurationUpdated)
}

func TestUpdateConfigurationNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.UpdateConfiguration(ctx, "Orders", "", ClientConfiguration{RunSessionID: "nope"}, "admin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)
	_, err = f.manager.UpdateConfiguration(ctx, "Orders", "", ClientConfiguration{RunSessionID: "nope"}, "admin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.UpdateConfiguration(ctx, "Missing", "", ClientConfiguration{RunSessionID: "s1"}, "admin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Disconnect(ctx, "Orders", "", testSecret, "s1"))
	assert.Equal(t, []string{"s1"}, f.notifier.disconnected)
	assert.ErrorIs(t, f.manager.Disconnect(ctx, "Orders", "", testSecret, "s1"), ErrNotFound)

	all, err := f.manager.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "Billing", "")
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret,
		Heartbeat{RunSessionID: "o1", PollIntervalMs: intPtr(1000)}, RequesterDetails{})
	require.NoError(t, err)
	_, err = f.manager.SyncStatus(ctx, "Billing", "", testSecret,
		Heartbeat{RunSessionID: "b1"}, RequesterDetails{})
	require.NoError(t, err)

	removed, err := f.manager.Sweep(ctx, f.clock.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = f.manager.Sweep(ctx, f.clock.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"o1"}, f.notifier.disconnected)

	f.advance(time.Minute)
	all, err := f.manager.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Billing", all[0].Name)
}

func TestRemoveClient(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{RunSessionID: id}, RequesterDetails{})
		require.NoError(t, err)
	}
	require.NoError(t, f.manager.RemoveClient(ctx, "Orders", ""))

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.ElementsMatch(t, []string{"s1", "s2"}, f.notifier.disconnected)
}

func TestSyncIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{RunSessionID: "s1"}, RequesterDetails{})
	require.NoError(t, err)

	c, err := f.store.GetClient(ctx, "Orders", "")
	require.NoError(t, err)
	c.LastSettingValueUpdate = f.clock.Add(time.Hour)
	require.NoError(t, f.manager.SyncIdentity(ctx, c))

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	assert.Equal(t, c.LastSettingValueUpdate, st.LastSettingValueUpdate)

	// No status record yet: nothing to sync.
	require.NoError(t, f.manager.SyncIdentity(ctx, &settings.Client{Name: "Unknown"}))
}

func TestSyncStatusConcurrentSessions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const sessions = 16
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret,
				Heartbeat{RunSessionID: fmt.Sprintf("s%d", i)}, RequesterDetails{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	assert.Len(t, st.RunSessions, sessions)
	assert.Zero(t, f.manager.locks.size())
}

func TestSyncStatusReportsMemoryLeakOnce(t *testing.T) {
	f := newFixture(t, Options{MemorySampleLimit: 10})
	f.manager.deps.Analyzer = NewMemoryAnalyzer(8, 0)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := f.manager.SyncStatus(ctx, "Orders", "", testSecret, Heartbeat{
			RunSessionID:     "s1",
			UptimeSeconds:    float64(i * 10),
			MemoryUsageBytes: int64(1_000_000 + i*100_000),
		}, RequesterDetails{})
		require.NoError(t, err)
		f.advance(10 * time.Second)
	}

	st, err := f.store.GetClientStatus(ctx, "Orders", "")
	require.NoError(t, err)
	s := st.RunSessions[0]
	assert.Len(t, s.MemorySamples, 10)
	require.NotNil(t, s.MemoryAnalysis)
	assert.True(t, s.MemoryAnalysis.PossibleMemoryLeakDetected)
	assert.Equal(t, []string{"s1"}, f.notifier.leaks)
	assert.Contains(t, f.eventTypes(t), eventlog.MemoryLeakDetected)
}
