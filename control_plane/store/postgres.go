package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

// Schema is applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS clients (
	name        TEXT NOT NULL,
	instance    TEXT NOT NULL DEFAULT '',
	id          TEXT NOT NULL,
	document    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (name, instance)
);

CREATE TABLE IF NOT EXISTS client_statuses (
	name        TEXT NOT NULL,
	instance    TEXT NOT NULL DEFAULT '',
	status      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (name, instance)
);

CREATE TABLE IF NOT EXISTS event_log (
	id                 TEXT PRIMARY KEY,
	ts                 TIMESTAMPTZ NOT NULL,
	event_type         TEXT NOT NULL,
	client_name        TEXT NOT NULL DEFAULT '',
	instance           TEXT NOT NULL DEFAULT '',
	setting_name       TEXT NOT NULL DEFAULT '',
	run_session_id     TEXT NOT NULL DEFAULT '',
	original_value     TEXT NOT NULL DEFAULT '',
	new_value          TEXT NOT NULL DEFAULT '',
	authenticated_user TEXT NOT NULL DEFAULT '',
	message            TEXT NOT NULL DEFAULT '',
	hostname           TEXT NOT NULL DEFAULT '',
	ip_address         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS event_log_ts_idx ON event_log (ts);

CREATE TABLE IF NOT EXISTS server_configuration (
	id       INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	document JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_clients (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	base_uri      TEXT NOT NULL,
	hashed_secret TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhooks (
	id                 TEXT PRIMARY KEY,
	webhook_client_id  TEXT NOT NULL REFERENCES webhook_clients(id) ON DELETE CASCADE,
	webhook_type       TEXT NOT NULL,
	client_name_regex  TEXT NOT NULL DEFAULT '',
	setting_name_regex TEXT NOT NULL DEFAULT '',
	min_sessions       INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS deferred_imports (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	instance            TEXT NOT NULL DEFAULT '',
	setting_values_json TEXT NOT NULL,
	setting_count       INT NOT NULL,
	authenticated_user  TEXT NOT NULL DEFAULT '',
	import_time         TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using a PostgreSQL backend. Client
// documents go through codec so secret values stay encrypted at rest.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec ClientCodec
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string, codec ClientCodec) (*PostgresStore, error) {
	if codec == nil {
		return nil, errors.New("postgres store requires a client codec")
	}
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, codec: codec}, nil
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Client Operations ---

func (s *PostgresStore) GetClient(ctx context.Context, name, instance string) (*settings.Client, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM clients WHERE name = $1 AND instance = $2`, name, instance,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.codec.UnmarshalClient(doc)
}

func (s *PostgresStore) ListClients(ctx context.Context) ([]*settings.Client, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM clients ORDER BY name, instance`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]*settings.Client, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c, err := s.codec.UnmarshalClient(doc)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *PostgresStore) UpsertClient(ctx context.Context, client *settings.Client) error {
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	doc, err := s.codec.MarshalClient(client)
	if err != nil {
		return fmt.Errorf("encode client %s: %w", client.DisplayName(), err)
	}
	query := `
		INSERT INTO clients (name, instance, id, document, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name, instance) DO UPDATE SET
			id = EXCLUDED.id,
			document = EXCLUDED.document,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, client.Name, client.Instance, client.ID, doc)
	return err
}

func (s *PostgresStore) DeleteClient(ctx context.Context, name, instance string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE name = $1 AND instance = $2`, name, instance)
	return err
}

// --- Status Operations ---

func (s *PostgresStore) GetClientStatus(ctx context.Context, name, instance string) (*ClientStatus, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM client_statuses WHERE name = $1 AND instance = $2`, name, instance,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st ClientStatus
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) ListClientStatuses(ctx context.Context) ([]*ClientStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT status FROM client_statuses ORDER BY name, instance`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*ClientStatus, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var st ClientStatus
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, err
		}
		result = append(result, &st)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateClientStatus(ctx context.Context, status *ClientStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO client_statuses (name, instance, status, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name, instance) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, status.Name, status.Instance, doc)
	return err
}

func (s *PostgresStore) DeleteClientStatus(ctx context.Context, name, instance string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM client_statuses WHERE name = $1 AND instance = $2`, name, instance)
	return err
}

// --- Event Log Operations ---

func (s *PostgresStore) AddEvent(ctx context.Context, e *EventLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	query := `
		INSERT INTO event_log (id, ts, event_type, client_name, instance, setting_name, run_session_id,
			original_value, new_value, authenticated_user, message, hostname, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.EventType, e.ClientName, e.Instance, e.SettingName, e.RunSessionID,
		e.OriginalValue, e.NewValue, e.AuthenticatedUser, e.Message, e.Hostname, e.IPAddress,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, since, until time.Time) ([]*EventLogEntry, error) {
	query := `
		SELECT id, ts, event_type, client_name, instance, setting_name, run_session_id,
			original_value, new_value, authenticated_user, message, hostname, ip_address
		FROM event_log
		WHERE ($1::timestamptz IS NULL OR ts >= $1) AND ($2::timestamptz IS NULL OR ts <= $2)
		ORDER BY ts
	`
	rows, err := s.pool.Query(ctx, query, nullTime(since), nullTime(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*EventLogEntry, 0)
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.EventType, &e.ClientName, &e.Instance, &e.SettingName, &e.RunSessionID,
			&e.OriginalValue, &e.NewValue, &e.AuthenticatedUser, &e.Message, &e.Hostname, &e.IPAddress,
		); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// --- Configuration Operations ---

func (s *PostgresStore) GetConfiguration(ctx context.Context) (*ServerConfiguration, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM server_configuration WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultConfiguration(), nil
	}
	if err != nil {
		return nil, err
	}
	var cfg ServerConfiguration
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) UpdateConfiguration(ctx context.Context, cfg *ServerConfiguration) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO server_configuration (id, document) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document
	`, doc)
	return err
}

// --- WebHook Operations ---

func (s *PostgresStore) ListWebHooks(ctx context.Context) ([]*WebHook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, webhook_client_id, webhook_type, client_name_regex, setting_name_regex, min_sessions
		FROM webhooks ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hooks := make([]*WebHook, 0)
	for rows.Next() {
		var h WebHook
		if err := rows.Scan(&h.ID, &h.WebHookClientID, &h.WebHookType, &h.ClientNameRegex, &h.SettingNameRegex, &h.MinSessions); err != nil {
			return nil, err
		}
		hooks = append(hooks, &h)
	}
	return hooks, rows.Err()
}

func (s *PostgresStore) GetWebHook(ctx context.Context, id string) (*WebHook, error) {
	var h WebHook
	err := s.pool.QueryRow(ctx, `
		SELECT id, webhook_client_id, webhook_type, client_name_regex, setting_name_regex, min_sessions
		FROM webhooks WHERE id = $1
	`, id).Scan(&h.ID, &h.WebHookClientID, &h.WebHookType, &h.ClientNameRegex, &h.SettingNameRegex, &h.MinSessions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStore) UpsertWebHook(ctx context.Context, h *WebHook) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, webhook_client_id, webhook_type, client_name_regex, setting_name_regex, min_sessions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			webhook_client_id = EXCLUDED.webhook_client_id,
			webhook_type = EXCLUDED.webhook_type,
			client_name_regex = EXCLUDED.client_name_regex,
			setting_name_regex = EXCLUDED.setting_name_regex,
			min_sessions = EXCLUDED.min_sessions
	`, h.ID, h.WebHookClientID, string(h.WebHookType), h.ClientNameRegex, h.SettingNameRegex, h.MinSessions)
	return err
}

func (s *PostgresStore) DeleteWebHook(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListWebHookClients(ctx context.Context) ([]*WebHookClient, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, base_uri, hashed_secret FROM webhook_clients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]*WebHookClient, 0)
	for rows.Next() {
		var c WebHookClient
		if err := rows.Scan(&c.ID, &c.Name, &c.BaseURI, &c.HashedSecret); err != nil {
			return nil, err
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

func (s *PostgresStore) GetWebHookClient(ctx context.Context, id string) (*WebHookClient, error) {
	var c WebHookClient
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, base_uri, hashed_secret FROM webhook_clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.BaseURI, &c.HashedSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertWebHookClient(ctx context.Context, c *WebHookClient) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_clients (id, name, base_uri, hashed_secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_uri = EXCLUDED.base_uri,
			hashed_secret = EXCLUDED.hashed_secret
	`, c.ID, c.Name, c.BaseURI, c.HashedSecret)
	return err
}

// DeleteWebHookClient cascades to the hooks that target the client.
func (s *PostgresStore) DeleteWebHookClient(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_clients WHERE id = $1`, id)
	return err
}

// --- Deferred Import Operations ---

func (s *PostgresStore) AddDeferredImport(ctx context.Context, d *DeferredImport) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deferred_imports (id, name, instance, setting_values_json, setting_count, authenticated_user, import_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.Name, d.Instance, d.SettingValuesJSON, d.SettingCount, d.AuthenticatedUser, d.ImportTime)
	return err
}

func (s *PostgresStore) GetDeferredImports(ctx context.Context, name, instance string) ([]*DeferredImport, error) {
	return s.queryDeferred(ctx, `
		SELECT id, name, instance, setting_values_json, setting_count, authenticated_user, import_time
		FROM deferred_imports WHERE name = $1 AND instance = $2 ORDER BY import_time
	`, name, instance)
}

func (s *PostgresStore) ListDeferredImports(ctx context.Context) ([]*DeferredImport, error) {
	return s.queryDeferred(ctx, `
		SELECT id, name, instance, setting_values_json, setting_count, authenticated_user, import_time
		FROM deferred_imports ORDER BY import_time
	`)
}

func (s *PostgresStore) queryDeferred(ctx context.Context, query string, args ...interface{}) ([]*DeferredImport, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*DeferredImport, 0)
	for rows.Next() {
		var d DeferredImport
		if err := rows.Scan(&d.ID, &d.Name, &d.Instance, &d.SettingValuesJSON, &d.SettingCount, &d.AuthenticatedUser, &d.ImportTime); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteDeferredImport(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM deferred_imports WHERE id = $1`, id)
	return err
}
