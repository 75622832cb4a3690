package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/status"
)

const testSecret = "orders-secret-0123456789abcdefghij"

// fakeServer implements the client-facing endpoints in memory.
type fakeServer struct {
	mu            sync.Mutex
	registerCodes []int
	registrations []registration
	retries       int64
	statusReply   status.StatusResponse
	heartbeats    []status.Heartbeat
	disconnected  []string
	hostnames     []string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/clients", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.registerCodes) > 0 {
			code := f.registerCodes[0]
			f.registerCodes = f.registerCodes[1:]
			if code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
		}
		var reg registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Errorf("decode registration: %v", err)
		}
		f.registrations = append(f.registrations, reg)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/clients/{name}/settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(secretHeader) != testSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		retries := f.retries
		f.mu.Unlock()
		defs := schema(t)
		defs[0].Value = settings.StringValue("http://orders")
		defs[1].Value = settings.IntValue(retries)
		defs[2].Value = settings.StringValue("k-1")
		export, err := convert.ConvertForClient(&settings.Client{Name: r.PathValue("name"), Settings: defs}, ownerCodec(t))
		if err != nil {
			t.Errorf("convert values: %v", err)
		}
		_ = json.NewEncoder(w).Encode(export)
	})
	mux.HandleFunc("PUT /api/v1/clients/{name}/status", func(w http.ResponseWriter, r *http.Request) {
		var hb status.Heartbeat
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			t.Errorf("decode heartbeat: %v", err)
		}
		f.mu.Lock()
		f.heartbeats = append(f.heartbeats, hb)
		f.hostnames = append(f.hostnames, r.Header.Get(hostnameHeader))
		reply := f.statusReply
		// Update and restart signals are delivered once.
		f.statusReply.SettingUpdateAvailable = false
		f.statusReply.RestartRequested = false
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("DELETE /api/v1/clients/{name}/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.disconnected = append(f.disconnected, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func ownerCodec(t *testing.T) *settings.Codec {
	enc, err := secrets.NewClientEncryptor(testSecret)
	if err != nil {
		t.Fatalf("client encryptor: %v", err)
	}
	return settings.NewCodec(enc)
}

func (f *fakeServer) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func schema(t *testing.T) []*settings.Definition {
	t.Helper()
	s := settings.NewSchema()
	s.String("Endpoint", "service endpoint", "http://localhost")
	s.Int("Retries", "retry count", 3).LiveUpdate()
	s.String("ApiKey", "api key", "").Secret()
	defs, err := s.Build()
	require.NoError(t, err)
	return defs
}

func newAgent(t *testing.T, f *fakeServer, mutate func(*Config)) *Agent {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := Config{
		ServerURL:    srv.URL,
		ClientName:   "Orders",
		ClientSecret: testSecret,
		Hostname:     "orders-1",
		PollInterval: 20 * time.Millisecond,
		Overrides:    &settings.EnvOverrideReader{Environ: func() []string { return nil }},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg, schema(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ClientName: "Orders", ClientSecret: testSecret}, nil)
	assert.Error(t, err)
	_, err = New(Config{ServerURL: "http://x", ClientSecret: testSecret}, nil)
	assert.Error(t, err)
	_, err = New(Config{ServerURL: "http://x", ClientName: "Orders"}, nil)
	assert.Error(t, err)
}

func TestStartRegistersAndLoadsValues(t *testing.T) {
	f := &fakeServer{retries: 5}
	a := newAgent(t, f, func(c *Config) {
		c.Overrides = &settings.EnvOverrideReader{Environ: func() []string {
			return []string{"Orders:Endpoint=https://override", "Other:Retries=9"}
		}}
	})
	require.NoError(t, a.Start(context.Background()))

	f.mu.Lock()
	require.Len(t, f.registrations, 1)
	reg := f.registrations[0]
	f.mu.Unlock()
	assert.Equal(t, "Orders", reg.Name)
	assert.Equal(t, testSecret, reg.ClientSecret)
	assert.Len(t, reg.Settings, 3)

	v, ok := a.Value("Retries")
	require.True(t, ok)
	assert.Equal(t, settings.IntValue(5), v)

	v, _ = a.Value("Endpoint")
	assert.Equal(t, settings.StringValue("https://override"), v, "local override wins")

	v, _ = a.Value("ApiKey")
	assert.Equal(t, settings.StringValue("k-1"), v, "secret decrypted with the client secret")
}

func TestStartFailsWhenSecretValuesCannotBeDecrypted(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	// The server encrypts for testSecret; this codec holds a different key.
	a, err := New(Config{
		ServerURL:    srv.URL,
		ClientName:   "Orders",
		ClientSecret: testSecret,
		Overrides:    &settings.EnvOverrideReader{Environ: func() []string { return nil }},
	}, schema(t))
	require.NoError(t, err)
	a.codec = settings.NewCodec(mustEncryptor(t, "another-secret-0123456789abcdefgh"))

	err = a.Start(context.Background())
	assert.ErrorIs(t, err, settings.ErrDecryptionFailed)
}

func mustEncryptor(t *testing.T, secret string) *secrets.AESEncryptor {
	t.Helper()
	enc, err := secrets.NewClientEncryptor(secret)
	require.NoError(t, err)
	return enc
}

func TestHeartbeatReportsSession(t *testing.T) {
	f := &fakeServer{retries: 3}
	a := newAgent(t, f, func(c *Config) { c.ApplicationVersion = "2.1.0" })
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool { return f.heartbeatCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	f.mu.Lock()
	hb := f.heartbeats[0]
	host := f.hostnames[0]
	f.mu.Unlock()
	assert.Equal(t, a.RunSessionID(), hb.RunSessionID)
	require.NotNil(t, hb.PollIntervalMs)
	assert.Equal(t, 20, *hb.PollIntervalMs)
	assert.Positive(t, hb.MemoryUsageBytes)
	assert.Equal(t, "2.1.0", hb.ApplicationVersion)
	assert.False(t, hb.LastSettingUpdate.IsZero())
	assert.Equal(t, "orders-1", host)
}

func TestLiveReloadNotifiesChanges(t *testing.T) {
	f := &fakeServer{retries: 3}
	changes := make(chan []string, 1)
	a := newAgent(t, f, func(c *Config) {
		c.OnChange = func(changed []string, values map[string]settings.Value) {
			assert.Equal(t, settings.IntValue(7), values["Retries"])
			changes <- changed
		}
	})
	require.NoError(t, a.Start(context.Background()))

	f.mu.Lock()
	f.retries = 7
	f.statusReply = status.StatusResponse{SettingUpdateAvailable: true, LiveReload: true}
	f.mu.Unlock()

	select {
	case changed := <-changes:
		assert.Equal(t, []string{"Retries"}, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
	assert.True(t, a.LiveReload())
}

func TestUpdateIgnoredWithoutLiveReload(t *testing.T) {
	f := &fakeServer{retries: 3}
	f.statusReply = status.StatusResponse{SettingUpdateAvailable: true, LiveReload: false}
	a := newAgent(t, f, func(c *Config) {
		c.OnChange = func([]string, map[string]settings.Value) { t.Error("unexpected reload") }
	})
	require.NoError(t, a.Start(context.Background()))
	f.mu.Lock()
	f.retries = 8
	f.mu.Unlock()

	require.Eventually(t, func() bool { return f.heartbeatCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	v, _ := a.Value("Retries")
	assert.Equal(t, settings.IntValue(3), v)
}

func TestRestartRequestedAndPollNegotiation(t *testing.T) {
	f := &fakeServer{}
	negotiated := 15
	f.statusReply = status.StatusResponse{RestartRequested: true, PollIntervalMs: &negotiated}
	restarts := make(chan struct{}, 4)
	a := newAgent(t, f, func(c *Config) {
		c.OnRestartRequested = func() { restarts <- struct{}{} }
	})
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-restarts:
	case <-time.After(2 * time.Second):
		t.Fatal("restart was not requested")
	}
	require.Eventually(t, func() bool { return a.interval() == 15*time.Millisecond }, time.Second, 5*time.Millisecond)
}

func TestStopClosesRunSession(t *testing.T) {
	f := &fakeServer{}
	a := newAgent(t, f, nil)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return f.heartbeatCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{a.RunSessionID()}, f.disconnected)
}

func TestStartRejectedSecret(t *testing.T) {
	f := &fakeServer{registerCodes: []int{http.StatusUnauthorized}}
	a := newAgent(t, f, nil)
	assert.ErrorIs(t, a.Start(context.Background()), ErrUnauthorized)
}

func TestStartRetriesRegistration(t *testing.T) {
	f := &fakeServer{registerCodes: []int{http.StatusServiceUnavailable, http.StatusOK}}
	a := newAgent(t, f, nil)
	require.NoError(t, a.Start(context.Background()))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.registrations, 1)
}

func TestStartGivesUpWhenCancelled(t *testing.T) {
	f := &fakeServer{registerCodes: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable}}
	a := newAgent(t, f, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Start(ctx), context.DeadlineExceeded)
}
