// Package config loads cdcgate's configuration from a YAML file, with
// environment variable overrides layered through viper. Precedence is
// env > file > defaults. The only CLI flag, -c/--config, selects the
// file; no flag overrides individual fields.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// TLSPolicy names whether the replication connection should require
// TLS. It is carried through to replication.Config, but the replication
// client does not apply it when connecting: TLS use on that connection
// follows the DSN's own sslmode setting.
type TLSPolicy string

const (
	TLSRequired TLSPolicy = "required"
	TLSDisabled TLSPolicy = "disabled"
)

// Config is the full set of fields cdcgate reads from its config file.
// Zero values are valid defaults except where noted.
type Config struct {
	// DatabaseDSN is the libpq-style connection string used for both the
	// replication connection and the catalog's startup queries.
	DatabaseDSN string `yaml:"database-dsn"`

	// ReplicationTLS is "required" or "disabled"; empty defaults to required.
	// See TLSPolicy: the value is not applied to the connection.
	ReplicationTLS TLSPolicy `yaml:"replication-tls"`

	// ListenAddr is the HTTP bind address serving /ping and /subscribe.
	ListenAddr string `yaml:"listen-addr"`

	// HTTPS, TLSCertFile, TLSKeyFile configure the external transport's
	// TLS termination; cdcgate does not implement TLS itself (out of
	// scope per spec.md §1) but carries the paths through to the HTTP
	// server constructor.
	HTTPS       bool   `yaml:"https"`
	TLSCertFile string `yaml:"tls-cert-file"`
	TLSKeyFile  string `yaml:"tls-key-file"`

	// PartitionedTables enables the hyper-table catalog lookup feature.
	PartitionedTables bool `yaml:"partitioned-tables"`

	// AuthEnabled gates the admission authorization layer (§4.5).
	AuthEnabled  bool   `yaml:"auth-enabled"`
	AuthDSN      string `yaml:"auth-dsn"`
	CookieSecret string `yaml:"cookie-secret"`
	AdminSecret  string `yaml:"admin-secret"`

	// OutboxCapacity bounds each session's outbound queue (spec.md §9's
	// "note, do not guess a value" is resolved by making this a config
	// knob with a documented default rather than a hardcoded constant).
	OutboxCapacity int `yaml:"outbox-capacity"`

	// HeartbeatInterval/ClientTimeout override the Session Worker's
	// defaults of 15s/40s.
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`
	ClientTimeout     time.Duration `yaml:"client-timeout"`

	// SupervisorBackoff overrides the 3s-per-attempt linear backoff step.
	SupervisorBackoff time.Duration `yaml:"supervisor-backoff"`
}

// DefaultOutboxCapacity is the bounded outbox size when no override is
// configured. 256 in-flight messages is enough to absorb a burst from a
// hot table without letting one wedged subscriber grow unbounded.
const DefaultOutboxCapacity = 256

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultClientTimeout     = 40 * time.Second
	DefaultSupervisorBackoff = 3 * time.Second
)

// WithDefaults fills in zero-valued fields with their documented
// defaults and returns the receiver for chaining.
func (c *Config) WithDefaults() *Config {
	if c.ReplicationTLS == "" {
		c.ReplicationTLS = TLSRequired
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8085"
	}
	if c.OutboxCapacity == 0 {
		c.OutboxCapacity = DefaultOutboxCapacity
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.SupervisorBackoff == 0 {
		c.SupervisorBackoff = DefaultSupervisorBackoff
	}
	return c
}

// Load reads path as YAML and applies CDCGATE_-prefixed environment
// overrides (DATABASE_DSN, LISTEN_ADDR, AUTH_ENABLED, ADMIN_SECRET)
// through viper. An empty path or a file that does not exist is not an
// error: the Config then holds only env overrides and defaults. Any
// other read error, or a YAML parse error, is returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
		switch {
		case os.IsNotExist(err):
			// Missing file: fall through to env overrides and defaults.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CDCGATE")
	v.AutomaticEnv()

	if v.IsSet("DATABASE_DSN") {
		cfg.DatabaseDSN = v.GetString("DATABASE_DSN")
	}
	if v.IsSet("LISTEN_ADDR") {
		cfg.ListenAddr = v.GetString("LISTEN_ADDR")
	}
	if v.IsSet("AUTH_ENABLED") {
		cfg.AuthEnabled = v.GetBool("AUTH_ENABLED")
	}
	if v.IsSet("ADMIN_SECRET") {
		cfg.AdminSecret = v.GetString("ADMIN_SECRET")
	}

	return cfg.WithDefaults(), nil
}
