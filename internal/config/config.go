// Package config loads the agent configuration.
//
// Config is read from a YAML file (default /etc/proxysync/config.yaml) and
// then overlaid with the environment variables older deployments use:
// CONTROL_PLANE_URL, SERVER_SECRET, XRAY_GRPC_ADDR and XRAY_INBOUND_TAG.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"proxysync/internal/logging"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/proxysync/config.yaml"

const (
	EnvAuthorityURL = "CONTROL_PLANE_URL"
	EnvSecret       = "SERVER_SECRET"
	EnvXrayAddress  = "XRAY_GRPC_ADDR"
	EnvInboundTag   = "XRAY_INBOUND_TAG"
)

// Defaults.
const (
	DefaultAuthorityURL  = "http://127.0.0.1:3000"
	DefaultSyncPath      = "/api/internal/sync"
	DefaultSecretHeader  = "X-Server-Secret"
	DefaultXrayAddress   = "127.0.0.1:8080"
	DefaultInboundTag    = "inbound-vless"
	DefaultProtocol      = "vless"
	DefaultInterval      = 30 * time.Second
	DefaultRetryInterval = 10 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	DefaultCallTimeout   = 5 * time.Second
	DefaultConcurrency   = 4
	DefaultRetain        = 1000
	DefaultLogLevel      = "info"
)

type Config struct {
	Authority Authority `yaml:"authority"`
	Xray      Xray      `yaml:"xray"`
	Reconcile Reconcile `yaml:"reconcile"`
	Journal   Journal   `yaml:"journal"`
	Telemetry Telemetry `yaml:"telemetry"`
	Log       Log       `yaml:"log"`
}

type Authority struct {
	URL          string        `yaml:"url"`
	SyncPath     string        `yaml:"sync_path,omitempty"`
	Secret       string        `yaml:"secret,omitempty"`
	SecretFile   string        `yaml:"secret_file,omitempty"`
	SecretHeader string        `yaml:"secret_header,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

type Xray struct {
	Address       string        `yaml:"address"`
	DialTimeout   time.Duration `yaml:"dial_timeout,omitempty"`
	CallTimeout   time.Duration `yaml:"call_timeout,omitempty"`
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`
	Targets       []Target      `yaml:"targets"`
}

// Target is one inbound kept in sync with the desired set.
type Target struct {
	Tag      string `yaml:"tag"`
	Protocol string `yaml:"protocol,omitempty"`
	Flow     string `yaml:"flow,omitempty"`
}

type Reconcile struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
	// UpdateOnDrift is a pointer so an explicit false survives defaulting.
	UpdateOnDrift *bool `yaml:"update_on_drift,omitempty"`
}

// Drift reports whether attribute drift is repaired.
func (r Reconcile) Drift() bool {
	return r.UpdateOnDrift == nil || *r.UpdateOnDrift
}

type Journal struct {
	Path   string `yaml:"path,omitempty"`
	Retain int    `yaml:"retain,omitempty"`
}

type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

type Log struct {
	Level string `yaml:"level,omitempty"`
}

// ValidationError reports a missing or invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Load reads path, applies environment overrides and normalizes the result.
// A missing file is not an error when the environment supplies the secret.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv(getenv)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// JournalPath reads only journal.path from the file at path. Inspection
// tools use it so they work on hosts without the authority secret. A missing
// file yields "".
func JournalPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	var cfg struct {
		Journal Journal `yaml:"journal"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse config %s: %w", path, err)
	}
	return strings.TrimSpace(cfg.Journal.Path), nil
}

// Parse decodes YAML without touching the environment or filesystem
// (secret_file excepted) and normalizes the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvAuthorityURL)); v != "" {
		c.Authority.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvSecret)); v != "" {
		c.Authority.Secret = v
	}
	if v := strings.TrimSpace(getenv(EnvXrayAddress)); v != "" {
		c.Xray.Address = v
	}
	if v := strings.TrimSpace(getenv(EnvInboundTag)); v != "" {
		// The env var names a single inbound; it replaces the first target
		// and keeps that target's protocol settings.
		if len(c.Xray.Targets) == 0 {
			c.Xray.Targets = []Target{{Tag: v}}
		} else {
			c.Xray.Targets[0].Tag = v
		}
	}
}

// Normalize fills defaults and validates. Errors are *ValidationError.
func (c *Config) Normalize() error {
	a := &c.Authority
	a.URL = strings.TrimRight(strings.TrimSpace(a.URL), "/")
	if a.URL == "" {
		a.URL = DefaultAuthorityURL
	}
	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("authority.url", "must be an http(s) URL, got %q", a.URL)
	}
	if a.SyncPath == "" {
		a.SyncPath = DefaultSyncPath
	}
	if !strings.HasPrefix(a.SyncPath, "/") {
		a.SyncPath = "/" + a.SyncPath
	}
	if a.SecretHeader == "" {
		a.SecretHeader = DefaultSecretHeader
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultTimeout
	}
	if a.Timeout < 0 {
		return invalid("authority.timeout", "must be positive")
	}
	if a.Secret == "" && a.SecretFile != "" {
		data, err := os.ReadFile(a.SecretFile)
		if err != nil {
			return invalid("authority.secret_file", "%v", err)
		}
		a.Secret = strings.TrimSpace(string(data))
	}
	if a.Secret == "" {
		return invalid("authority.secret", "required (set it, secret_file, or %s)", EnvSecret)
	}

	x := &c.Xray
	x.Address = strings.TrimSpace(x.Address)
	x.Address = strings.TrimPrefix(x.Address, "http://")
	x.Address = strings.TrimPrefix(x.Address, "https://")
	x.Address = strings.TrimRight(x.Address, "/")
	if x.Address == "" {
		x.Address = DefaultXrayAddress
	}
	if x.DialTimeout == 0 {
		x.DialTimeout = DefaultDialTimeout
	}
	if x.CallTimeout == 0 {
		x.CallTimeout = DefaultCallTimeout
	}
	if x.RetryInterval == 0 {
		x.RetryInterval = DefaultRetryInterval
	}
	if x.DialTimeout < 0 || x.CallTimeout < 0 || x.RetryInterval < 0 {
		return invalid("xray", "timeouts and retry_interval must be positive")
	}
	if len(x.Targets) == 0 {
		x.Targets = []Target{{Tag: DefaultInboundTag}}
	}
	seen := make(map[string]struct{}, len(x.Targets))
	for i := range x.Targets {
		t := &x.Targets[i]
		t.Tag = strings.TrimSpace(t.Tag)
		if t.Tag == "" {
			return invalid(fmt.Sprintf("xray.targets[%d].tag", i), "required")
		}
		if _, dup := seen[t.Tag]; dup {
			return invalid(fmt.Sprintf("xray.targets[%d].tag", i), "duplicate tag %q", t.Tag)
		}
		seen[t.Tag] = struct{}{}
		t.Protocol = strings.ToLower(strings.TrimSpace(t.Protocol))
		if t.Protocol == "" {
			t.Protocol = DefaultProtocol
		}
		switch t.Protocol {
		case "vless", "vmess", "trojan":
		default:
			return invalid(fmt.Sprintf("xray.targets[%d].protocol", i), "unsupported %q", t.Protocol)
		}
	}

	r := &c.Reconcile
	if r.Interval == 0 {
		r.Interval = DefaultInterval
	}
	if r.Interval < 0 {
		return invalid("reconcile.interval", "must be positive")
	}
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.Concurrency < 0 {
		return invalid("reconcile.concurrency", "must be positive")
	}

	if c.Journal.Retain == 0 {
		c.Journal.Retain = DefaultRetain
	}
	if c.Journal.Retain < 0 {
		return invalid("journal.retain", "must be positive")
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	return nil
}

// SyncURL is the full desired-state endpoint.
func (a Authority) SyncURL() string {
	return a.URL + a.SyncPath
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Authority.Secret != "" {
		c.Authority.Secret = "<redacted>"
	}
	c.Xray.Targets = append([]Target(nil), c.Xray.Targets...)
	return c
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
