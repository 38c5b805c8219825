package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tacitus/internal/entity"
	"tacitus/internal/tacitus"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the optional configuration file looked up in the config directory
const FileName = "tacitus.yaml"

// Duration is a time.Duration that decodes from Go syntax ("90s", "5m") or bare seconds
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ParseDuration accepts Go duration syntax or a plain number of seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// TacitusConfig describes the polled API
type TacitusConfig struct {
	APIURL         string   `yaml:"api_url"`
	PollInterval   Duration `yaml:"poll_interval"`
	FetchTimeout   Duration `yaml:"fetch_timeout"`
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
	Resources      []string `yaml:"resources"`
}

// HomeAssistantConfig describes where states are published
type HomeAssistantConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	ReadOnly bool   `yaml:"read_only"`
}

// Enabled reports whether enough is configured to publish to Home Assistant
func (c HomeAssistantConfig) Enabled() bool {
	return c.URL != "" && c.Token != ""
}

// DeviceConfig overrides the device metadata attached to entities
type DeviceConfig struct {
	Manufacturer string            `yaml:"manufacturer"`
	SWVersion    string            `yaml:"sw_version"`
	Models       map[string]string `yaml:"models"`
}

// Config is the complete service configuration
type Config struct {
	Tacitus       TacitusConfig       `yaml:"tacitus"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Device        DeviceConfig        `yaml:"device"`
	APIPort       int                 `yaml:"api_port"`
}

// Default returns the configuration used for everything not set explicitly
func Default() *Config {
	return &Config{
		Tacitus: TacitusConfig{
			PollInterval:   Duration(60 * time.Second),
			FetchTimeout:   Duration(10 * time.Second),
			BackoffInitial: Duration(5 * time.Second),
			BackoffMax:     Duration(5 * time.Minute),
			Resources:      []string{string(tacitus.ResourceDrives), string(tacitus.ResourceZpools)},
		},
		Device: DeviceConfig{
			Manufacturer: "JJs homelab",
			SWVersion:    "0.0.1",
			Models:       map[string]string{},
		},
		APIPort: 8080,
	}
}

// Resources returns the configured resources, parsed
func (c *Config) Resources() ([]tacitus.Resource, error) {
	resources := make([]tacitus.Resource, 0, len(c.Tacitus.Resources))
	seen := make(map[tacitus.Resource]bool)
	for _, name := range c.Tacitus.Resources {
		r, err := tacitus.ParseResource(name)
		if err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		resources = append(resources, r)
	}
	return resources, nil
}

// DeviceDefaults returns the device metadata for the entity registry
func (c *Config) DeviceDefaults() entity.DeviceDefaults {
	return entity.DeviceDefaults{
		Manufacturer: c.Device.Manufacturer,
		SWVersion:    c.Device.SWVersion,
		Models:       c.Device.Models,
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Tacitus.APIURL == "" {
		return fmt.Errorf("tacitus API URL is required (TACITUS_API_URL or tacitus.api_url)")
	}
	u, err := url.Parse(c.Tacitus.APIURL)
	if err != nil {
		return fmt.Errorf("invalid tacitus API URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("tacitus API URL must be an absolute http(s) URL, got %q", c.Tacitus.APIURL)
	}

	if c.Tacitus.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Tacitus.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.Tacitus.BackoffInitial < 0 || c.Tacitus.BackoffMax < c.Tacitus.BackoffInitial {
		return fmt.Errorf("failure backoff must satisfy 0 <= initial <= max")
	}

	resources, err := c.Resources()
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		return fmt.Errorf("at least one resource must be polled")
	}

	if c.HomeAssistant.URL != "" {
		u, err := url.Parse(c.HomeAssistant.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid Home Assistant URL %q", c.HomeAssistant.URL)
		}
	}

	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", c.APIPort)
	}

	return nil
}

// Loader builds the configuration from defaults, the optional YAML file and the environment
type Loader struct {
	configDir string
	logger    *zap.Logger
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
		lookupEnv: os.LookupEnv,
	}
}

// Load returns the merged configuration. Environment variables win over the file.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if err := l.loadFile(cfg); err != nil {
		return nil, err
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Tacitus.APIURL = tacitus.NormalizeBaseURL(cfg.Tacitus.APIURL)
	cfg.HomeAssistant.URL = strings.TrimRight(strings.TrimSpace(cfg.HomeAssistant.URL), "/")

	if !cfg.HomeAssistant.Enabled() {
		l.logger.Warn("HA_URL or HA_TOKEN not set, Home Assistant publishing disabled")
	}

	return cfg, nil
}

// loadFile decodes tacitus.yaml over cfg; a missing file is not an error
func (l *Loader) loadFile(cfg *Config) error {
	path := filepath.Join(l.configDir, FileName)
	l.logger.Debug("Loading config file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Info("No config file found, using defaults and environment", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	l.logger.Info("Config file loaded successfully", zap.String("path", path))
	return nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.lookupEnv("TACITUS_API_URL"); ok {
		cfg.Tacitus.APIURL = v
	}

	durations := []struct {
		key    string
		target *Duration
	}{
		{"TACITUS_POLL_INTERVAL", &cfg.Tacitus.PollInterval},
		{"TACITUS_FETCH_TIMEOUT", &cfg.Tacitus.FetchTimeout},
		{"TACITUS_BACKOFF_INITIAL", &cfg.Tacitus.BackoffInitial},
		{"TACITUS_BACKOFF_MAX", &cfg.Tacitus.BackoffMax},
	}
	for _, d := range durations {
		v, ok := l.lookupEnv(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.target = Duration(parsed)
	}

	if v, ok := l.lookupEnv("TACITUS_RESOURCES"); ok && v != "" {
		cfg.Tacitus.Resources = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Tacitus.Resources = append(cfg.Tacitus.Resources, name)
			}
		}
	}

	if v, ok := l.lookupEnv("HA_URL"); ok {
		cfg.HomeAssistant.URL = v
	}
	if v, ok := l.lookupEnv("HA_TOKEN"); ok {
		cfg.HomeAssistant.Token = v
	}
	if v, ok := l.lookupEnv("READ_ONLY"); ok && v != "" {
		readOnly, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("READ_ONLY: %w", err)
		}
		cfg.HomeAssistant.ReadOnly = readOnly
	}

	if v, ok := l.lookupEnv("API_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("API_PORT: %w", err)
		}
		cfg.APIPort = port
	}

	return nil
}
