// Package config loads the TOML configuration for the inbound mail router.
//
// Every section is a strongly typed struct with Get* accessors that apply
// documented defaults, so callers never read zero values by accident.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/freegle/inbound/helpers"
)

// Config is the top-level configuration document.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Database     DatabaseConfig     `toml:"database"`
	Logging      LoggingConfig      `toml:"logging"`
	Spam         SpamConfig         `toml:"spam"`
	GeoIP        GeoIPConfig        `toml:"geoip"`
	SpamAssassin SpamAssassinConfig `toml:"spamassassin"`
	Relay        RelayConfig        `toml:"relay"`
	S3           S3Config           `toml:"s3"`
}

// ServerConfig holds the ingress listener configuration.
type ServerConfig struct {
	Addr         string `toml:"addr"`          // HTTP listen address (default: ":8173")
	UserDomain   string `toml:"user_domain"`   // Domain for user addresses, e.g. "users.ilovefreegle.org"
	GroupDomain  string `toml:"group_domain"`  // Domain for group addresses, e.g. "groups.ilovefreegle.org"
	ReadTimeout  string `toml:"read_timeout"`  // HTTP read timeout (default: "30s")
	WriteTimeout string `toml:"write_timeout"` // HTTP write timeout (default: "60s")
	MaxMessage   int64  `toml:"max_message"`   // Maximum accepted raw message size in bytes (default: 10 MiB)

	APIKey       string   `toml:"api_key"`       // Bearer token required on the ingest API
	AllowedHosts []string `toml:"allowed_hosts"` // Optional client IP/CIDR allowlist; empty allows all
}

// GetAddr returns the listen address, applying the default.
func (s *ServerConfig) GetAddr() string {
	if s.Addr == "" {
		return ":8173"
	}
	return s.Addr
}

// GetReadTimeout parses the HTTP read timeout.
func (s *ServerConfig) GetReadTimeout() (time.Duration, error) {
	if s.ReadTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.ReadTimeout)
}

// GetWriteTimeout parses the HTTP write timeout.
func (s *ServerConfig) GetWriteTimeout() (time.Duration, error) {
	if s.WriteTimeout == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(s.WriteTimeout)
}

// GetMaxMessage returns the maximum accepted message size.
func (s *ServerConfig) GetMaxMessage() int64 {
	if s.MaxMessage <= 0 {
		return 10 << 20
	}
	return s.MaxMessage
}

// DatabaseEndpointConfig holds configuration for a single database endpoint.
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            string   `toml:"port"` // Database port (default: "5432")
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int      `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string   `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string   `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetPort returns the endpoint port, applying the default.
func (e *DatabaseEndpointConfig) GetPort() string {
	if e.Port == "" {
		return "5432"
	}
	return e.Port
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints.
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"`         // Enable SQL query logging
	QueryTimeout string                  `toml:"query_timeout"` // Default timeout for all database queries (default: "30s")
	WriteTimeout string                  `toml:"write_timeout"` // Timeout for write operations (default: "10s")
	Write        *DatabaseEndpointConfig `toml:"write"`         // Write database configuration
	Read         *DatabaseEndpointConfig `toml:"read"`          // Read database configuration
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration.
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path (default: "stderr")
	Level  string `toml:"level"`  // "debug", "info", "warn", "error" (default: "info")
	Format string `toml:"format"` // "console" or "json" (default: "console")
}

// SpamConfig holds the spam battery thresholds and platform identity.
type SpamConfig struct {
	OurDomains          []string `toml:"our_domains"`           // Domains the platform sends from (spoof detection)
	UserThreshold       int      `toml:"user_threshold"`        // Distinct users per IP before flagging (default: 5)
	GroupThreshold      int      `toml:"group_threshold"`       // Distinct groups per IP/sender before flagging (default: 10)
	SubjectThreshold    int      `toml:"subject_threshold"`     // Distinct groups per subject before flagging (default: 15)
	ImageThreshold      int      `toml:"image_threshold"`       // Prior chat occurrences of an image hash before flagging (default: 10)
	SpamAssassinCutoff  float64  `toml:"spamassassin_cutoff"`   // Score at or above which a message is spam (default: 8.0)
	TrustedSourceSecret string   `toml:"trusted_source_secret"` // Shared secret identifying the pre-vetted feed integration
	TrustedSourceHeader string   `toml:"trusted_source_header"` // Header carrying the shared secret (default: "X-Trash-Nothing-Secret")
	LinkWhitelistHits   int      `toml:"link_whitelist_hits"`   // Sightings before an unlisted link domain stops triggering review (default: 10)
	TableRefresh        string   `toml:"table_refresh"`         // Lookup table cache TTL (default: "5m")
}

// GetUserThreshold returns the distinct-users-per-IP threshold.
func (s *SpamConfig) GetUserThreshold() int {
	if s.UserThreshold <= 0 {
		return 5
	}
	return s.UserThreshold
}

// GetGroupThreshold returns the distinct-groups threshold.
func (s *SpamConfig) GetGroupThreshold() int {
	if s.GroupThreshold <= 0 {
		return 10
	}
	return s.GroupThreshold
}

// GetSubjectThreshold returns the subject-reuse threshold.
func (s *SpamConfig) GetSubjectThreshold() int {
	if s.SubjectThreshold <= 0 {
		return 15
	}
	return s.SubjectThreshold
}

// GetImageThreshold returns the image-hash-reuse threshold.
func (s *SpamConfig) GetImageThreshold() int {
	if s.ImageThreshold <= 0 {
		return 10
	}
	return s.ImageThreshold
}

// GetSpamAssassinCutoff returns the SpamAssassin score cutoff.
func (s *SpamConfig) GetSpamAssassinCutoff() float64 {
	if s.SpamAssassinCutoff <= 0 {
		return 8.0
	}
	return s.SpamAssassinCutoff
}

// GetTrustedSourceHeader returns the header name carrying the trusted-feed secret.
func (s *SpamConfig) GetTrustedSourceHeader() string {
	if s.TrustedSourceHeader == "" {
		return "X-Trash-Nothing-Secret"
	}
	return s.TrustedSourceHeader
}

// GetLinkWhitelistHits returns the sighting count after which a link domain is trusted.
func (s *SpamConfig) GetLinkWhitelistHits() int {
	if s.LinkWhitelistHits <= 0 {
		return 10
	}
	return s.LinkWhitelistHits
}

// GetTableRefresh parses the lookup table cache TTL.
func (s *SpamConfig) GetTableRefresh() (time.Duration, error) {
	if s.TableRefresh == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.TableRefresh)
}

// GeoIPConfig holds GeoIP database configuration.
type GeoIPConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Path to the MaxMind country database (mmdb)
}

// SpamAssassinConfig holds the spamd scorer configuration.
type SpamAssassinConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`    // spamd host:port (default: "localhost:783")
	Timeout string `toml:"timeout"` // Per-call timeout (default: "10s")
}

// GetAddr returns the spamd address, applying the default.
func (s *SpamAssassinConfig) GetAddr() string {
	if s.Addr == "" {
		return "localhost:783"
	}
	return s.Addr
}

// GetTimeout parses the spamd call timeout.
func (s *SpamAssassinConfig) GetTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(s.Timeout)
}

// RelayConfig holds the outbound SMTP relay used for out-of-band notices.
type RelayConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"` // relay host:port
	From        string `toml:"from"` // Envelope/From address for notices
	UseTLS      bool   `toml:"tls"`
	UseStartTLS bool   `toml:"starttls"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// S3Config holds S3 configuration for attachment archiving.
type S3Config struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for obvious mistakes that would otherwise
// only surface at routing time.
func (c *Config) Validate() error {
	if c.Server.UserDomain == "" || c.Server.GroupDomain == "" {
		return fmt.Errorf("server.user_domain and server.group_domain must be set")
	}
	if strings.Contains(c.Server.UserDomain, "@") || strings.Contains(c.Server.GroupDomain, "@") {
		return fmt.Errorf("server domains must be bare domains, not addresses")
	}
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must be set")
	}
	if c.GeoIP.Enabled {
		if _, err := os.Stat(c.GeoIP.Path); err != nil {
			return fmt.Errorf("geoip.path: %w", err)
		}
	}
	if c.Relay.Enabled && c.Relay.Host == "" {
		return fmt.Errorf("relay.host must be set when relay is enabled")
	}
	if c.S3.Enabled && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		return fmt.Errorf("s3.endpoint and s3.bucket must be set when s3 is enabled")
	}
	return nil
}
