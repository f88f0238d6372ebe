// Package config loads gobfdd's daemon and per-peer configuration using
// koanf/v2, layering a YAML file provider under environment overrides.
//
// Supports YAML files and GOBFD_-prefixed environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobfdd configuration: daemon-wide settings plus
// the declarative set of bfd_instance records the Reload Engine diffs
// against the live session set on startup and SIGHUP.
type Config struct {
	Daemon    DaemonConfig     `koanf:"daemon"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Log       LogConfig        `koanf:"log"`
	Pipes     PipesConfig      `koanf:"pipes"`
	Instances []InstanceConfig `koanf:"instances"`
}

// DaemonConfig holds process-lifecycle settings: the namespace the
// supervisor launched this child under, and the pidfile path held for the
// daemon's lifetime.
type DaemonConfig struct {
	// Namespace identifies this BFD child among several run by the same
	// supervisor (e.g. multiple VRF instances); used only for labeling
	// log lines and the pidfile name.
	Namespace string `koanf:"namespace"`

	// PidFile is the path the daemon writes its PID to at startup and
	// removes on graceful shutdown.
	// Empty means "derive from TMPDIR + namespace" at the call site.
	PidFile string `koanf:"pidfile"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// PipesConfig names the two one-way event-pipe consumers: the VRRP
// tracker and the LVS health checker. Each value is a
// filesystem path to a named pipe (FIFO) the sibling process reads from;
// an empty value disables that consumer.
type PipesConfig struct {
	VRRP    string `koanf:"vrrp"`
	Checker string `koanf:"checker"`
}

// InstanceConfig is one `bfd_instance` record: a declarative
// BFD peer relationship the Reload Engine turns into a live Session.
type InstanceConfig struct {
	// Name identifies the instance across reloads; it is not part of the
	// wire protocol, only the Reload Engine's bookkeeping.
	Name string `koanf:"name"`

	// LocalAddr is the local system's IP address used for BFD packets.
	LocalAddr string `koanf:"local_addr"`

	// PeerAddr is the remote system's IP address.
	PeerAddr string `koanf:"peer_addr"`

	// Interface is the network interface for SO_BINDTODEVICE. Required
	// for single-hop sessions (RFC 5881 Section 4), empty for multi-hop.
	Interface string `koanf:"interface"`

	// MultiHop selects RFC 5883 multi-hop behavior (destination port
	// 4784, relaxed TTL floor) instead of the single-hop default.
	MultiHop bool `koanf:"multi_hop"`

	// MinTx is the desired minimum TX interval once Up.
	MinTx time.Duration `koanf:"min_tx"`

	// MinRx is the required minimum RX interval.
	MinRx time.Duration `koanf:"min_rx"`

	// IdleTx is the pre-Up transmit rate. Zero means "use the RFC 5880
	// Section 6.8.3 default of one second".
	IdleTx time.Duration `koanf:"idle_tx"`

	// Multiplier is the detection time multiplier. Zero means "use the
	// default of 3".
	Multiplier uint8 `koanf:"multiplier"`

	// TTL is the required inbound TTL/hop-limit for GTSM (1-255).
	// Zero means "use 255".
	TTL uint8 `koanf:"ttl"`

	// ControlPlaneIndependent sets the C bit on transmitted packets.
	// Defaults to true when the key is absent from the YAML document.
	ControlPlaneIndependent *bool `koanf:"control_plane_independent"`

	// Auth configures optional peer authentication. nil
	// means no authentication.
	Auth *AuthConfig `koanf:"auth"`
}

// AuthConfig names one authentication key for an instance.
type AuthConfig struct {
	// Type is one of: simple, keyed-md5, meticulous-md5, keyed-sha1,
	// meticulous-sha1.
	Type string `koanf:"type"`

	// KeyID is the Auth Key ID carried on the wire (RFC 5880 §4.2-4.4).
	KeyID uint8 `koanf:"key_id"`

	// Key is the key material as configured text. Interpreted as raw
	// bytes of the secret (RFC 5880: 1-16 bytes for Simple/MD5, 1-20 for
	// SHA1); the loader does not base64-decode it, auth passwords are
	// literal strings rather than an encoded blob.
	Key string `koanf:"key"`
}

// ControlPlaneIndependentOrDefault reports the C-bit setting for this
// instance, defaulting to true when unset in configuration.
func (ic InstanceConfig) ControlPlaneIndependentOrDefault() bool {
	if ic.ControlPlaneIndependent == nil {
		return true
	}
	return *ic.ControlPlaneIndependent
}

// ReloadKey returns the (local-address, peer-address) tuple the Reload
// Engine diffs live sessions against.
func (ic InstanceConfig) ReloadKey() (local, peer string) {
	return ic.LocalAddr, ic.PeerAddr
}

// ParsePeerAddr parses PeerAddr as a netip.Addr.
func (ic InstanceConfig) ParsePeerAddr() (netip.Addr, error) {
	if ic.PeerAddr == "" {
		return netip.Addr{}, fmt.Errorf("instance %q peer_addr: %w", ic.Name, ErrInvalidPeerAddr)
	}
	addr, err := netip.ParseAddr(ic.PeerAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("instance %q parse peer_addr %q: %w: %w", ic.Name, ic.PeerAddr, ErrInvalidPeerAddr, err)
	}
	return addr, nil
}

// ParseLocalAddr parses LocalAddr as a netip.Addr.
func (ic InstanceConfig) ParseLocalAddr() (netip.Addr, error) {
	if ic.LocalAddr == "" {
		return netip.Addr{}, fmt.Errorf("instance %q local_addr: %w", ic.Name, ErrInvalidLocalAddr)
	}
	addr, err := netip.ParseAddr(ic.LocalAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("instance %q parse local_addr %q: %w: %w", ic.Name, ic.LocalAddr, ErrInvalidLocalAddr, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Auth Type Validation
// -------------------------------------------------------------------------

// ValidAuthTypes lists the recognized auth type strings.
var ValidAuthTypes = map[string]bool{
	"simple":          true,
	"keyed-md5":       true,
	"meticulous-md5":  true,
	"keyed-sha1":      true,
	"meticulous-sha1": true,
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// BFD timing defaults follow RFC 5880 Section 6.8.3: "When bfd.SessionState
// is not Up, the system MUST set bfd.DesiredMinTxInterval to a value of not
// less than one second." Per-instance min-tx/min-rx/idle-tx/multiplier have
// no package-level default, and Validate fills in none; cmd/gobfdd replaces
// a zero multiplier with 3 and a zero TTL with 255 when it builds a
// bfd.InstanceSpec. Only the daemon-wide ambient settings are defaulted here.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gobfdd configuration.
// Variables are named GOBFD_<section>_<key>, e.g., GOBFD_METRICS_ADDR.
const envPrefix = "GOBFD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOBFD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOBFD_METRICS_ADDR  -> metrics.addr
//	GOBFD_METRICS_PATH  -> metrics.path
//	GOBFD_LOG_LEVEL     -> log.level
//	GOBFD_LOG_FORMAT    -> log.format
//	GOBFD_DAEMON_NAMESPACE -> daemon.namespace
//
// Uses koanf/v2 with file + env providers and the YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBFD_METRICS_ADDR -> metrics.addr.
// Strips the GOBFD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPeerAddr indicates an instance has an invalid peer address.
	ErrInvalidPeerAddr = errors.New("instance peer_addr is invalid")

	// ErrInvalidLocalAddr indicates an instance has an invalid local address.
	ErrInvalidLocalAddr = errors.New("instance local_addr is invalid")

	// ErrInvalidMinTx indicates an instance's min_tx is invalid.
	ErrInvalidMinTx = errors.New("instance min_tx must be > 0")

	// ErrInvalidMinRx indicates an instance's min_rx is invalid.
	ErrInvalidMinRx = errors.New("instance min_rx must not be negative")

	// ErrDuplicateInstanceKey indicates two instances share the same
	// (local_addr, peer_addr) reload key.
	ErrDuplicateInstanceKey = errors.New("duplicate instance local_addr/peer_addr pair")

	// ErrInvalidAuthType indicates an instance's auth.type is unrecognized.
	ErrInvalidAuthType = errors.New("instance auth.type must be one of the five RFC 5880 auth types")

	// ErrMissingAuthKey indicates auth is configured but key material is empty.
	ErrMissingAuthKey = errors.New("instance auth.key must not be empty when auth is configured")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Instances))

	for i, ic := range cfg.Instances {
		if err := validateInstance(i, ic); err != nil {
			return err
		}

		local, peer := ic.ReloadKey()
		key := local + "|" + peer
		if _, dup := seen[key]; dup {
			return fmt.Errorf("instances[%d] (%s, %s): %w", i, local, peer, ErrDuplicateInstanceKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// validateInstance checks one bfd_instance record.
func validateInstance(i int, ic InstanceConfig) error {
	if _, err := ic.ParsePeerAddr(); err != nil {
		return fmt.Errorf("instances[%d]: %w", i, err)
	}
	if _, err := ic.ParseLocalAddr(); err != nil {
		return fmt.Errorf("instances[%d]: %w", i, err)
	}
	if ic.MinTx <= 0 {
		return fmt.Errorf("instances[%d]: %w", i, ErrInvalidMinTx)
	}
	if ic.MinRx < 0 {
		return fmt.Errorf("instances[%d]: %w", i, ErrInvalidMinRx)
	}
	if ic.Auth != nil {
		if !ValidAuthTypes[ic.Auth.Type] {
			return fmt.Errorf("instances[%d] auth.type %q: %w", i, ic.Auth.Type, ErrInvalidAuthType)
		}
		if ic.Auth.Key == "" {
			return fmt.Errorf("instances[%d]: %w", i, ErrMissingAuthKey)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
