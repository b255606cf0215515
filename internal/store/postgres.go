package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds connection settings for the PostgreSQL store.
type PostgresConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
	MaxConns int32
	// ConnectTimeout bounds the whole startup connect/retry loop.
	ConnectTimeout time.Duration
}

// DSN returns a postgres:// connection URL.
func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

// Postgres is the pgxpool-backed store.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// OpenPostgres connects, retrying with exponential backoff until cfg.ConnectTimeout.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log zerolog.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	ping := func() error {
		if err := pool.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("host", cfg.Host).Msg("postgres not reachable, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("connected to postgres")
	return &Postgres{pool: pool, log: log}, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id BIGSERIAL PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		dst_host TEXT,
		dst_port INTEGER,
		local_time TEXT,
		local_time_adjusted TEXT,
		logtype TEXT,
		node_id TEXT,
		src_host TEXT,
		src_port INTEGER,
		utc_time TIMESTAMPTZ,
		logdata_hostname TEXT,
		logdata_path TEXT,
		logdata_useragent TEXT,
		logdata_localversion TEXT,
		logdata_password TEXT,
		logdata_remoteversion TEXT,
		logdata_username TEXT,
		logdata_session TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_logs_src_host ON webhook_logs (src_host)`,
	`CREATE TABLE IF NOT EXISTS source_details (
		src_host TEXT PRIMARY KEY,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		times_seen BIGINT NOT NULL DEFAULT 1,
		src_country TEXT,
		src_isocountrycode TEXT,
		src_region TEXT,
		src_regionname TEXT,
		src_city TEXT,
		src_zip TEXT,
		src_latitude DOUBLE PRECISION,
		src_longitude DOUBLE PRECISION,
		src_timezone TEXT,
		src_isp TEXT,
		src_org TEXT,
		src_asnum BIGINT,
		src_asorg TEXT,
		src_reversedns TEXT,
		src_mobile BOOLEAN,
		src_proxy BOOLEAN,
		src_hosting BOOLEAN
	)`,
}

// Acquire checks out one pooled connection for the caller's workflow.
func (p *Postgres) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &pgConn{c: c}, nil
}

type pgConn struct {
	c *pgxpool.Conn
}

func (c *pgConn) Exists(ctx context.Context, address string) (bool, error) {
	var one int
	err := c.c.QueryRow(ctx, `SELECT 1 FROM source_details WHERE src_host = $1`, address).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check source %s: %w", address, err)
	}
	return true, nil
}

const upsertSourceSQL = `
INSERT INTO source_details (
	src_host, first_seen, last_seen, times_seen,
	src_country, src_isocountrycode, src_region, src_regionname, src_city, src_zip,
	src_latitude, src_longitude, src_timezone, src_isp, src_org, src_asnum, src_asorg,
	src_reversedns, src_mobile, src_proxy, src_hosting
) VALUES (
	$1, $2, $2, 1,
	$3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19
)
ON CONFLICT (src_host) DO UPDATE SET
	last_seen = GREATEST(source_details.last_seen, EXCLUDED.last_seen),
	times_seen = source_details.times_seen + 1`

func (c *pgConn) UpsertSource(ctx context.Context, obs Observation) error {
	s := newSource(obs)
	_, err := c.c.Exec(ctx, upsertSourceSQL,
		s.Address, s.FirstSeen,
		s.Country, s.CountryCode, s.Region, s.RegionName, s.City, s.Zip,
		s.Latitude, s.Longitude, s.Timezone, s.ISP, s.Org, s.ASNumber, s.ASOrg,
		s.ReverseDNS, s.Mobile, s.Proxy, s.Hosting,
	)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", obs.Address, err)
	}
	return nil
}

func (c *pgConn) Release() { c.c.Release() }

// InsertEvent stores one webhook event.
func (p *Postgres) InsertEvent(ctx context.Context, ev Event) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_logs (
			dst_host, dst_port, local_time, local_time_adjusted, logtype, node_id,
			src_host, src_port, utc_time,
			logdata_hostname, logdata_path, logdata_useragent, logdata_localversion,
			logdata_password, logdata_remoteversion, logdata_username, logdata_session
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		nonEmpty(ev.DstHost), ev.DstPort, nonEmpty(ev.LocalTime), nonEmpty(ev.LocalTimeAdjusted),
		nonEmpty(ev.LogType), nonEmpty(ev.NodeID),
		nonEmpty(ev.SrcHost), ev.SrcPort, ev.UTCTime,
		nonEmpty(ev.Logdata.Hostname), nonEmpty(ev.Logdata.Path), nonEmpty(ev.Logdata.UserAgent),
		nonEmpty(ev.Logdata.LocalVersion), nonEmpty(ev.Logdata.Password),
		nonEmpty(ev.Logdata.RemoteVersion), nonEmpty(ev.Logdata.Username), nonEmpty(ev.Logdata.Session),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetSource reads the record for address, or nil if there is none.
func (p *Postgres) GetSource(ctx context.Context, address string) (*Source, error) {
	var s Source
	err := p.pool.QueryRow(ctx, `
		SELECT first_seen, last_seen, times_seen, src_host,
			src_country, src_isocountrycode, src_region, src_regionname, src_city, src_zip,
			src_latitude, src_longitude, src_timezone, src_isp, src_org, src_asnum, src_asorg,
			src_reversedns, src_mobile, src_proxy, src_hosting
		FROM source_details WHERE src_host = $1`, address).Scan(
		&s.FirstSeen, &s.LastSeen, &s.TimesSeen, &s.Address,
		&s.Country, &s.CountryCode, &s.Region, &s.RegionName, &s.City, &s.Zip,
		&s.Latitude, &s.Longitude, &s.Timezone, &s.ISP, &s.Org, &s.ASNumber, &s.ASOrg,
		&s.ReverseDNS, &s.Mobile, &s.Proxy, &s.Hosting,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", address, err)
	}
	return &s, nil
}

// CountryCodes returns the ISO country code for each known address in one query.
func (p *Postgres) CountryCodes(ctx context.Context, addresses []string) (map[string]string, error) {
	out := make(map[string]string, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT src_host, src_isocountrycode FROM source_details WHERE src_host = ANY($1)`, addresses)
	if err != nil {
		return nil, fmt.Errorf("country codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var host string
		var code *string
		if err := rows.Scan(&host, &code); err != nil {
			return nil, fmt.Errorf("scan country code: %w", err)
		}
		if code != nil {
			out[host] = *code
		} else {
			out[host] = ""
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("country codes: %w", err)
	}
	return out, nil
}

// ListEvents returns the webhook_logs rows for src in insertion order.
func (p *Postgres) ListEvents(ctx context.Context, src string) ([]LogEntry, error) {
	rows, err := p.pool.Query(ctx, `SELECT * FROM webhook_logs WHERE src_host = $1 ORDER BY id`, src)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", src, err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[LogEntry])
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", src, err)
	}
	return entries, nil
}

const listSourcesSQL = `
SELECT src_host, MAX(utc_time) AS last_seen, COUNT(*) AS times_seen
FROM webhook_logs
WHERE src_host IS NOT NULL
GROUP BY src_host
ORDER BY last_seen DESC NULLS LAST, src_host
LIMIT $1 OFFSET $2`

// ListSources aggregates webhook_logs per source address.
func (p *Postgres) ListSources(ctx context.Context, limit, offset int) ([]SourceActivity, error) {
	rows, err := p.pool.Query(ctx, listSourcesSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[SourceActivity])
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// Ping checks the pool can reach the server.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
