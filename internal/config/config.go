// Package config provides YAML configuration loading and validation for the
// lookout daemon and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/lookout/internal/item"
)

// Config is the top-level configuration structure. Durations are written as
// Go duration strings ("30s", "24h").
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AuditLog is the path of the hash-chained audit log that mirrors every
	// containment action. Defaults to "/var/lib/lookout/audit.log".
	AuditLog string `yaml:"audit_log"`

	Store       StoreConfig       `yaml:"store"`
	Scan        ScanConfig        `yaml:"scan"`
	Trust       TrustConfig       `yaml:"trust"`
	Containment ContainmentConfig `yaml:"containment"`
	History     HistoryConfig     `yaml:"history"`
	Watch       WatchConfig       `yaml:"watch"`
	API         APIConfig         `yaml:"api"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Defaults to
	// "/var/lib/lookout/lookout.db".
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string. Required when Driver is
	// "postgres".
	DSN string `yaml:"dsn"`

	// ConnectRetries bounds the initial PostgreSQL ping retries.
	ConnectRetries uint64 `yaml:"connect_retries"`
}

// ScanConfig tunes the scan orchestrator.
type ScanConfig struct {
	// Categories limits scans to these categories. Empty means all
	// registered collectors.
	Categories []string `yaml:"categories"`

	// Concurrency bounds how many collectors or verifications run at once.
	Concurrency int `yaml:"concurrency"`

	CollectorTimeout time.Duration `yaml:"collector_timeout"`
	VerifyTimeout    time.Duration `yaml:"verify_timeout"`

	// Interval is the period of scheduled scans in the daemon. Zero
	// disables scheduled scans.
	Interval time.Duration `yaml:"interval"`
}

// TrustConfig tunes the trust classifier and verifier.
type TrustConfig struct {
	// FirstPartyPrefixes and FirstPartyRoots replace the built-in fast-path
	// lists when non-empty.
	FirstPartyPrefixes []string `yaml:"first_party_prefixes"`
	FirstPartyRoots    []string `yaml:"first_party_roots"`

	// KnownVendorTeams are code-signing team IDs rated knownVendor.
	KnownVendorTeams []string `yaml:"known_vendor_teams"`

	// CacheSize is the number of verification verdicts kept in memory.
	CacheSize int `yaml:"cache_size"`
}

// ContainmentConfig tunes the containment controller.
type ContainmentConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// BackupDir receives the definitions of disabled items.
	BackupDir string `yaml:"backup_dir"`

	// Firewall is "pf" (default on darwin) or "iptables".
	Firewall string `yaml:"firewall"`

	// PFAnchor is the parent pf anchor under which per-item rules live.
	PFAnchor string `yaml:"pf_anchor"`

	// IptablesChain is the chain owner-match rules are appended to.
	IptablesChain string `yaml:"iptables_chain"`
}

// HistoryConfig controls retention of change history and snapshots.
type HistoryConfig struct {
	// Retention is how long change history and snapshots are kept.
	Retention time.Duration `yaml:"retention"`

	// KeepSnapshots is the number of newest snapshots never pruned.
	KeepSnapshots int `yaml:"keep_snapshots"`

	// PruneInterval is how often the daemon prunes.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// WatchConfig controls filesystem-triggered rescans.
type WatchConfig struct {
	Enabled bool `yaml:"enabled"`

	// Debounce coalesces bursts of events into one rescan.
	Debounce time.Duration `yaml:"debounce"`

	// MinInterval is the minimum spacing between watcher-triggered scans.
	MinInterval time.Duration `yaml:"min_interval"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:9400"; "-"
	// disables the API.
	Addr string `yaml:"addr"`

	// JWTPublicKey is a PEM file holding the RSA key that verifies bearer
	// tokens. When empty, authentication is disabled.
	JWTPublicKey string `yaml:"jwt_public_key"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	JWTAudience  string `yaml:"jwt_audience"`
}

// Defaults applied by applyDefaults.
const (
	DefaultDataDir          = "/var/lib/lookout"
	DefaultAPIAddr          = "127.0.0.1:9400"
	DefaultConcurrency      = 4
	DefaultCollectorTimeout = 30 * time.Second
	DefaultVerifyTimeout    = 10 * time.Second
	DefaultTTL              = 24 * time.Hour
	DefaultSweepInterval    = time.Minute
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultKeepSnapshots    = 10
	DefaultPruneInterval    = time.Hour
	DefaultDebounce         = 2 * time.Second
	DefaultMinInterval      = 30 * time.Second
	DefaultCacheSize        = 4096
	DefaultPFAnchor         = "com.apple/lookout"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

var validFirewalls = map[string]bool{
	"pf":       true,
	"iptables": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. Every validation failure is reported.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// ScanCategories parses Scan.Categories. It is only safe to call on a
// validated Config.
func (c *Config) ScanCategories() []item.Category {
	out := make([]item.Category, 0, len(c.Scan.Categories))
	for _, s := range c.Scan.Categories {
		if cat, err := item.ParseCategory(s); err == nil {
			out = append(out, cat)
		}
	}
	return out
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = DefaultDataDir + "/audit.log"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultDataDir + "/lookout.db"
	}
	if cfg.Store.ConnectRetries == 0 {
		cfg.Store.ConnectRetries = 5
	}

	if cfg.Scan.Concurrency == 0 {
		cfg.Scan.Concurrency = DefaultConcurrency
	}
	if cfg.Scan.CollectorTimeout == 0 {
		cfg.Scan.CollectorTimeout = DefaultCollectorTimeout
	}
	if cfg.Scan.VerifyTimeout == 0 {
		cfg.Scan.VerifyTimeout = DefaultVerifyTimeout
	}

	if cfg.Trust.CacheSize == 0 {
		cfg.Trust.CacheSize = DefaultCacheSize
	}

	if cfg.Containment.TTL == 0 {
		cfg.Containment.TTL = DefaultTTL
	}
	if cfg.Containment.SweepInterval == 0 {
		cfg.Containment.SweepInterval = DefaultSweepInterval
	}
	if cfg.Containment.BackupDir == "" {
		cfg.Containment.BackupDir = DefaultDataDir + "/disabled"
	}
	if cfg.Containment.Firewall == "" {
		cfg.Containment.Firewall = "pf"
	}
	if cfg.Containment.PFAnchor == "" {
		cfg.Containment.PFAnchor = DefaultPFAnchor
	}
	if cfg.Containment.IptablesChain == "" {
		cfg.Containment.IptablesChain = "OUTPUT"
	}

	if cfg.History.Retention == 0 {
		cfg.History.Retention = DefaultRetention
	}
	if cfg.History.KeepSnapshots == 0 {
		cfg.History.KeepSnapshots = DefaultKeepSnapshots
	}
	if cfg.History.PruneInterval == 0 {
		cfg.History.PruneInterval = DefaultPruneInterval
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = DefaultDebounce
	}
	if cfg.Watch.MinInterval == 0 {
		cfg.Watch.MinInterval = DefaultMinInterval
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = DefaultAPIAddr
	}
}

// validate checks that enumerated fields contain only valid values and that
// numeric settings are in range.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if !validDrivers[cfg.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of: sqlite, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when store.driver is postgres"))
	}

	for i, s := range cfg.Scan.Categories {
		if _, err := item.ParseCategory(s); err != nil {
			errs = append(errs, fmt.Errorf("scan.categories[%d]: %w", i, err))
		}
	}
	if cfg.Scan.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("scan.concurrency %d must be positive", cfg.Scan.Concurrency))
	}
	errs = append(errs, nonNegative("scan.collector_timeout", cfg.Scan.CollectorTimeout))
	errs = append(errs, nonNegative("scan.verify_timeout", cfg.Scan.VerifyTimeout))
	errs = append(errs, nonNegative("scan.interval", cfg.Scan.Interval))

	if cfg.Trust.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("trust.cache_size %d must be positive", cfg.Trust.CacheSize))
	}

	errs = append(errs, nonNegative("containment.ttl", cfg.Containment.TTL))
	errs = append(errs, nonNegative("containment.sweep_interval", cfg.Containment.SweepInterval))
	if !validFirewalls[cfg.Containment.Firewall] {
		errs = append(errs, fmt.Errorf("containment.firewall %q must be one of: pf, iptables", cfg.Containment.Firewall))
	}

	errs = append(errs, nonNegative("history.retention", cfg.History.Retention))
	errs = append(errs, nonNegative("history.prune_interval", cfg.History.PruneInterval))
	if cfg.History.KeepSnapshots < 0 {
		errs = append(errs, fmt.Errorf("history.keep_snapshots %d must be positive", cfg.History.KeepSnapshots))
	}

	errs = append(errs, nonNegative("watch.debounce", cfg.Watch.Debounce))
	errs = append(errs, nonNegative("watch.min_interval", cfg.Watch.MinInterval))

	if cfg.API.JWTPublicKey != "" {
		if _, err := os.Stat(cfg.API.JWTPublicKey); err != nil {
			errs = append(errs, fmt.Errorf("api.jwt_public_key: %w", err))
		}
	}

	return errors.Join(errs...)
}

func nonNegative(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s %s must not be negative", name, d)
	}
	return nil
}
