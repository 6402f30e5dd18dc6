// Package config resolves the server configuration.
//
// Values are layered, later layers winning:
//
//  1. Default()
//  2. the YAML file given with --config (optional)
//  3. COLLAB_* environment variables
//  4. command-line flags that were set explicitly
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/snapshot"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Access     AccessConfig     `yaml:"access"`
	Bus        BusConfig        `yaml:"bus"`
	Compaction CompactionConfig `yaml:"compaction"`
	Transport  TransportConfig  `yaml:"transport"`
}

type SnapshotConfig struct {
	// DSN selects the store: memory://, sqlite:///path, postgres://...
	DSN string `yaml:"dsn"`
	// Compression applied to stored blobs: none, lz4 or zstd.
	Compression string `yaml:"compression"`
}

type AccessConfig struct {
	// DirectoryDSN is the database holding workspace and document
	// membership, checked in-process.
	DirectoryDSN string `yaml:"directory_dsn"`
	// CheckURL delegates checks to a remote check-permission endpoint
	// instead. It takes precedence over DirectoryDSN.
	CheckURL string `yaml:"check_url"`
	// IdentityURL is the token introspection endpoint.
	IdentityURL string `yaml:"identity_url"`
	// StaticTokens maps bearer tokens to principals for development.
	StaticTokens map[string]string `yaml:"static_tokens"`
	Timeout      time.Duration     `yaml:"timeout"`
	// InternalSecret signs and verifies service-to-service requests.
	InternalSecret string        `yaml:"internal_secret"`
	MaxSkew        time.Duration `yaml:"max_skew"`
}

type BusConfig struct {
	// DSN is a postgres DSN for LISTEN/NOTIFY. Empty uses an in-process
	// bus, which only reaches sessions on this server.
	DSN     string `yaml:"dsn"`
	Channel string `yaml:"channel"`
}

type CompactionConfig struct {
	MaxUpdates     int           `yaml:"max_updates"`
	MaxBytes       int           `yaml:"max_bytes"`
	Interval       time.Duration `yaml:"interval"`
	MaxPendingAge  time.Duration `yaml:"max_pending_age"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	PersistWorkers int           `yaml:"persist_workers"`
}

type TransportConfig struct {
	MaxMessageSize    int64    `yaml:"max_message_size"`
	MessagesPerSecond float64  `yaml:"messages_per_second"`
	MessageBurst      int      `yaml:"message_burst"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogFormat:  "text",
		Snapshot: SnapshotConfig{
			DSN:         "sqlite://collab.db",
			Compression: "zstd",
		},
		Access: AccessConfig{
			Timeout: 3 * time.Second,
			MaxSkew: 5 * time.Minute,
		},
		Bus: BusConfig{
			Channel: "collab:metadata",
		},
		Compaction: CompactionConfig{
			MaxUpdates:     100,
			MaxBytes:       1 << 20,
			Interval:       30 * time.Second,
			MaxPendingAge:  time.Minute,
			IdleTimeout:    10 * time.Minute,
			PersistTimeout: 5 * time.Second,
			PersistWorkers: 4,
		},
		Transport: TransportConfig{
			MaxMessageSize:    16 << 20,
			MessagesPerSecond: 100,
			MessageBurst:      200,
		},
	}
}

// BindFlags registers the command-line surface on fs, defaulting to the
// values in c.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	fs.StringVar(&c.Snapshot.DSN, "snapshot-dsn", c.Snapshot.DSN, "snapshot store DSN (memory://, sqlite:///path, postgres://...)")
	fs.StringVar(&c.Snapshot.Compression, "snapshot-compression", c.Snapshot.Compression, "snapshot blob compression: none, lz4, zstd")
	fs.StringVar(&c.Access.DirectoryDSN, "directory-dsn", c.Access.DirectoryDSN, "membership directory DSN")
	fs.StringVar(&c.Access.CheckURL, "access-check-url", c.Access.CheckURL, "remote check-permission endpoint")
	fs.StringVar(&c.Access.IdentityURL, "identity-url", c.Access.IdentityURL, "token introspection endpoint")
	fs.DurationVar(&c.Access.Timeout, "access-timeout", c.Access.Timeout, "bound on token and permission checks")
	fs.StringVar(&c.Bus.DSN, "bus-dsn", c.Bus.DSN, "postgres DSN for the metadata bus (empty: in-process)")
	fs.StringVar(&c.Bus.Channel, "bus-channel", c.Bus.Channel, "metadata bus channel")
	fs.IntVar(&c.Compaction.MaxUpdates, "compact-max-updates", c.Compaction.MaxUpdates, "pending fragments that trigger compaction")
	fs.IntVar(&c.Compaction.MaxBytes, "compact-max-bytes", c.Compaction.MaxBytes, "pending bytes that trigger compaction")
	fs.DurationVar(&c.Compaction.Interval, "compact-interval", c.Compaction.Interval, "maintenance pass interval")
	fs.DurationVar(&c.Compaction.MaxPendingAge, "max-pending-age", c.Compaction.MaxPendingAge, "compact fragments pending longer than this")
	fs.DurationVar(&c.Compaction.IdleTimeout, "idle-timeout", c.Compaction.IdleTimeout, "evict rooms idle this long (0 disables)")
	fs.DurationVar(&c.Compaction.PersistTimeout, "persist-timeout", c.Compaction.PersistTimeout, "bound on snapshot store calls")
	fs.IntVar(&c.Compaction.PersistWorkers, "persist-workers", c.Compaction.PersistWorkers, "background compaction workers")
	fs.Int64Var(&c.Transport.MaxMessageSize, "max-message-size", c.Transport.MaxMessageSize, "largest inbound frame or outbound sync payload in bytes")
}

// Resolve layers the YAML file at path (skipped when empty), the
// environment and the flags explicitly set on fs over Default().
func Resolve(path string, getenv func(string) string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyFlags copies the flags set on fs into c by replaying them on a
// flag set bound to c.
func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	bound := pflag.NewFlagSet("config", pflag.ContinueOnError)
	BindFlags(bound, c)
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		if bound.Lookup(f.Name) == nil {
			return
		}
		if err := bound.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	e := envReader{getenv: getenv}

	e.str("COLLAB_LISTEN_ADDR", &c.ListenAddr)
	e.str("COLLAB_LOG_LEVEL", &c.LogLevel)
	e.str("COLLAB_LOG_FORMAT", &c.LogFormat)
	e.str("COLLAB_SNAPSHOT_DSN", &c.Snapshot.DSN)
	e.str("COLLAB_SNAPSHOT_COMPRESSION", &c.Snapshot.Compression)
	e.str("COLLAB_DIRECTORY_DSN", &c.Access.DirectoryDSN)
	e.str("COLLAB_ACCESS_CHECK_URL", &c.Access.CheckURL)
	e.str("COLLAB_IDENTITY_URL", &c.Access.IdentityURL)
	e.duration("COLLAB_ACCESS_TIMEOUT", &c.Access.Timeout)
	e.str("COLLAB_INTERNAL_SECRET", &c.Access.InternalSecret)
	e.duration("COLLAB_INTERNAL_MAX_SKEW", &c.Access.MaxSkew)
	e.str("COLLAB_BUS_DSN", &c.Bus.DSN)
	e.str("COLLAB_BUS_CHANNEL", &c.Bus.Channel)
	e.integer("COLLAB_COMPACT_MAX_UPDATES", &c.Compaction.MaxUpdates)
	e.integer("COLLAB_COMPACT_MAX_BYTES", &c.Compaction.MaxBytes)
	e.duration("COLLAB_COMPACT_INTERVAL", &c.Compaction.Interval)
	e.duration("COLLAB_MAX_PENDING_AGE", &c.Compaction.MaxPendingAge)
	e.duration("COLLAB_IDLE_TIMEOUT", &c.Compaction.IdleTimeout)
	e.duration("COLLAB_PERSIST_TIMEOUT", &c.Compaction.PersistTimeout)
	e.integer("COLLAB_PERSIST_WORKERS", &c.Compaction.PersistWorkers)
	e.int64("COLLAB_MAX_MESSAGE_SIZE", &c.Transport.MaxMessageSize)
	e.float("COLLAB_MESSAGES_PER_SECOND", &c.Transport.MessagesPerSecond)
	e.integer("COLLAB_MESSAGE_BURST", &c.Transport.MessageBurst)
	if raw := getenv("COLLAB_ALLOWED_ORIGINS"); raw != "" {
		c.Transport.AllowedOrigins = nil
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Transport.AllowedOrigins = append(c.Transport.AllowedOrigins, origin)
			}
		}
	}
	return errors.Join(e.errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(name string, dst *string) {
	if raw := e.getenv(name); raw != "" {
		*dst = raw
	}
}

func (e *envReader) integer(name string, dst *int) {
	raw := e.getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", name, raw, err))
		return
	}
	*dst = v
}

func (e *envReader) int64(name string, dst *int64) {
	raw := e.getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", name, raw, err))
		return
	}
	*dst = v
}

func (e *envReader) float(name string, dst *float64) {
	raw := e.getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", name, raw, err))
		return
	}
	*dst = v
}

func (e *envReader) duration(name string, dst *time.Duration) {
	raw := e.getenv(name)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", name, raw, err))
		return
	}
	*dst = v
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Snapshot.DSN == "" {
		errs = append(errs, errors.New("snapshot dsn is required"))
	}
	if _, err := snapshot.ParseCompression(c.Snapshot.Compression); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.Compaction.MaxUpdates < 0 || c.Compaction.MaxBytes < 0 {
		errs = append(errs, errors.New("compaction thresholds must not be negative"))
	}
	if c.Compaction.Interval <= 0 {
		errs = append(errs, errors.New("compaction interval must be positive"))
	}
	if c.Compaction.PersistTimeout <= 0 || c.Access.Timeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Transport.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.Access.CheckURL != "" && c.Access.InternalSecret == "" {
		errs = append(errs, errors.New("access check url requires an internal secret"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
	return level, nil
}
