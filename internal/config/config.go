// Package config holds all castmon configuration. Config files may be YAML
// or JSON (picked by extension); CASTMON_* environment variables override
// file values so deployments can tune the loop without editing files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML and JSON in the
// human-readable form ("30s", "5m").
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler. Accepts duration strings and
// bare numbers (treated as nanoseconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// Config holds all castmon configuration.
type Config struct {
	// Monitoring loop
	PollInterval  Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxConcurrent int      `yaml:"max_concurrent" json:"max_concurrent"`
	Targets       []string `yaml:"targets" json:"targets"`
	TargetsFile   string   `yaml:"targets_file" json:"targets_file"`

	// Liveness probing
	ProbeTimeout Duration `yaml:"probe_timeout" json:"probe_timeout"`
	SettleDelay  Duration `yaml:"settle_delay" json:"settle_delay"`

	// Session management
	AuthDir       string   `yaml:"auth_dir" json:"auth_dir"`
	CookieDomain  string   `yaml:"cookie_domain" json:"cookie_domain"`
	WizardTimeout Duration `yaml:"wizard_timeout" json:"wizard_timeout"`
	Headless      bool     `yaml:"headless" json:"headless"`

	// Recording
	RecordingsDir   string   `yaml:"recordings_dir" json:"recordings_dir"`
	YtdlpPath       string   `yaml:"ytdlp_path" json:"ytdlp_path"`
	DefaultDuration Duration `yaml:"default_duration" json:"default_duration"`

	// Watchdog
	WatchdogInterval Duration `yaml:"watchdog_interval" json:"watchdog_interval"`
	MaxIdleTime      Duration `yaml:"max_idle_time" json:"max_idle_time"`

	// Diagnostics
	LogDir        string `yaml:"log_dir" json:"log_dir"`
	HeartbeatPath string `yaml:"heartbeat_path" json:"heartbeat_path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		PollInterval:     Duration(30 * time.Second),
		MaxConcurrent:    1,
		TargetsFile:      "targets.json",
		ProbeTimeout:     Duration(20 * time.Second),
		SettleDelay:      Duration(1500 * time.Millisecond),
		AuthDir:          ".auth",
		CookieDomain:     ".twitcasting.tv",
		WizardTimeout:    Duration(180 * time.Second),
		Headless:         true,
		RecordingsDir:    "recordings",
		YtdlpPath:        "yt-dlp",
		DefaultDuration:  0,
		WatchdogInterval: Duration(10 * time.Second),
		MaxIdleTime:      Duration(5 * time.Minute),
		LogDir:           "logs",
		HeartbeatPath:    "heartbeat.json",
	}
}

// Load reads a config file and applies environment overrides. A missing file
// is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := unmarshal(path, data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			// defaults plus environment apply
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies CASTMON_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CASTMON_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("CASTMON_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("CASTMON_TARGETS"); v != "" {
		c.Targets = splitList(v)
	}
	if v := os.Getenv("CASTMON_TARGETS_FILE"); v != "" {
		c.TargetsFile = v
	}
	if v := os.Getenv("CASTMON_AUTH_DIR"); v != "" {
		c.AuthDir = v
	}
	if v := os.Getenv("CASTMON_RECORDINGS_DIR"); v != "" {
		c.RecordingsDir = v
	}
	if v := os.Getenv("CASTMON_YTDLP_PATH"); v != "" {
		c.YtdlpPath = v
	}
	if v := os.Getenv("CASTMON_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("CASTMON_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Headless = b
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 10 {
		return fmt.Errorf("max_concurrent must be between 1 and 10, got %d", c.MaxConcurrent)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	return nil
}

// LoadTargets reads the watch-list file. Accepted shapes, in order of
// precedence: {"targets":[...]}, {"urls":[...]}, or a bare JSON array.
// A missing or corrupt file yields an empty list; monitoring starts anyway.
func LoadTargets(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var wrapped struct {
		Targets []string `json:"targets"`
		URLs    []string `json:"urls"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if len(wrapped.Targets) > 0 {
			return wrapped.Targets
		}
		if len(wrapped.URLs) > 0 {
			return wrapped.URLs
		}
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}
	return nil
}
