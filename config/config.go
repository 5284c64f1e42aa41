// Package config loads the service configuration from a YAML file and applies
// defaults and validation. The zero Config is not usable; obtain one through
// Load or Default.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root of the service configuration.
	Config struct {
		// Server configures the HTTP listener.
		Server Server `yaml:"server"`
		// Sites maps site identifiers (for example "plasmodb") to their
		// platform endpoints. At least one site is required.
		Sites map[string]Site `yaml:"sites"`
		// DefaultSite selects the site used when a conversation does not name
		// one. Defaults to the only site when exactly one is configured.
		DefaultSite string `yaml:"default_site"`
		// Model selects and configures the chat-completion provider.
		Model Model `yaml:"model"`
		// Scheduler bounds the delegation scheduler.
		Scheduler Scheduler `yaml:"scheduler"`
		// Subtask bounds individual delegated sub-tasks.
		Subtask Subtask `yaml:"subtask"`
		// Adapter configures the platform HTTP adapter's retry policy.
		Adapter Adapter `yaml:"adapter"`
		// Mongo configures conversation persistence. Empty URI means the
		// in-memory store.
		Mongo Mongo `yaml:"mongo"`
		// Redis configures the Pulse event stream. Empty address disables it.
		Redis Redis `yaml:"redis"`
	}

	// Server holds HTTP listener settings.
	Server struct {
		// Addr is the listen address, host:port.
		Addr string `yaml:"addr"`
		// Debug enables request/response debug logging.
		Debug bool `yaml:"debug"`
	}

	// Site names one platform deployment.
	Site struct {
		// ServiceURL is the platform service root, for example
		// "https://plasmodb.org/plasmo/service".
		ServiceURL string `yaml:"service_url"`
		// SiteURL is the user-facing site root used to build strategy links,
		// for example "https://plasmodb.org/plasmo". Defaults to ServiceURL
		// with a trailing "/service" stripped.
		SiteURL string `yaml:"site_url"`
	}

	// Model selects the chat-completion provider.
	Model struct {
		// Provider is "anthropic" or "openai".
		Provider string `yaml:"provider"`
		// Name is the provider's model identifier.
		Name string `yaml:"name"`
		// APIKey authenticates against the provider. Falls back to the
		// provider's conventional environment variable when empty.
		APIKey string `yaml:"api_key"`
		// MaxTokens caps completion length. 0 uses the adapter default.
		MaxTokens int `yaml:"max_tokens"`
	}

	// Scheduler bounds delegation execution.
	Scheduler struct {
		// MaxConcurrency caps simultaneously running task nodes.
		MaxConcurrency int `yaml:"max_concurrency"`
	}

	// Subtask bounds one delegated sub-task.
	Subtask struct {
		// RoundTimeout caps a single sub-agent round. Go duration string,
		// for example "5m" or "90s".
		RoundTimeout string `yaml:"round_timeout"`
		// MaxRounds caps rounds per sub-task including retries.
		MaxRounds int `yaml:"max_rounds"`
	}

	// Adapter configures the platform client retry policy.
	Adapter struct {
		// MaxAttempts caps attempts per platform call, first try included.
		MaxAttempts int `yaml:"max_attempts"`
	}

	// Mongo holds conversation store settings.
	Mongo struct {
		// URI is the connection string. Empty selects the in-memory store.
		URI string `yaml:"uri"`
		// Database defaults to "stratagem".
		Database string `yaml:"database"`
	}

	// Redis holds Pulse stream settings.
	Redis struct {
		// Addr is host:port. Empty disables event fan-out to Pulse.
		Addr string `yaml:"addr"`
		// Password is optional.
		Password string `yaml:"password"`
	}
)

// Default returns a Config carrying every default value. Sites must still be
// supplied before the config validates.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Model: Model{
			Provider:  "anthropic",
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Scheduler: Scheduler{MaxConcurrency: 3},
		Subtask:   Subtask{RoundTimeout: "5m", MaxRounds: 5},
		Adapter:   Adapter{MaxAttempts: 5},
		Mongo:     Mongo{Database: "stratagem"},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the validated defaults, which fails unless a
// site is added afterwards, so callers normally pass a path.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's flag
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero values after unmarshalling so a partial file keeps
// the baked-in defaults for everything it omits.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Model.Provider == "" {
		c.Model.Provider = d.Model.Provider
	}
	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = d.Model.MaxTokens
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv(providerKeyEnv(c.Model.Provider))
	}
	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = d.Scheduler.MaxConcurrency
	}
	if c.Subtask.RoundTimeout == "" {
		c.Subtask.RoundTimeout = d.Subtask.RoundTimeout
	}
	if c.Subtask.MaxRounds == 0 {
		c.Subtask.MaxRounds = d.Subtask.MaxRounds
	}
	if c.Adapter.MaxAttempts == 0 {
		c.Adapter.MaxAttempts = d.Adapter.MaxAttempts
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = d.Mongo.Database
	}
	for id, site := range c.Sites {
		if site.SiteURL == "" {
			site.SiteURL = strings.TrimSuffix(strings.TrimRight(site.ServiceURL, "/"), "/service")
			c.Sites[id] = site
		}
	}
	if c.DefaultSite == "" && len(c.Sites) == 1 {
		for id := range c.Sites {
			c.DefaultSite = id
		}
	}
}

// Validate reports the first problem that would prevent the service from
// starting.
func (c *Config) Validate() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("config: at least one site is required")
	}
	for _, id := range siteIDs(c.Sites) {
		site := c.Sites[id]
		if site.ServiceURL == "" {
			return fmt.Errorf("config: site %q has no service_url", id)
		}
		if !strings.HasPrefix(site.ServiceURL, "http://") && !strings.HasPrefix(site.ServiceURL, "https://") {
			return fmt.Errorf("config: site %q service_url %q is not an http(s) URL", id, site.ServiceURL)
		}
	}
	if c.DefaultSite == "" {
		return fmt.Errorf("config: default_site is required when multiple sites are configured")
	}
	if _, ok := c.Sites[c.DefaultSite]; !ok {
		return fmt.Errorf("config: default_site %q is not a configured site", c.DefaultSite)
	}
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown model provider %q (valid: anthropic, openai)", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config: model name is required")
	}
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("config: scheduler max_concurrency must be at least 1")
	}
	if c.Subtask.MaxRounds < 1 {
		return fmt.Errorf("config: subtask max_rounds must be at least 1")
	}
	if d, err := time.ParseDuration(c.Subtask.RoundTimeout); err != nil || d <= 0 {
		return fmt.Errorf("config: subtask round_timeout %q is not a positive duration", c.Subtask.RoundTimeout)
	}
	if c.Adapter.MaxAttempts < 1 {
		return fmt.Errorf("config: adapter max_attempts must be at least 1")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("config: model api_key is required (or set %s)", providerKeyEnv(c.Model.Provider))
	}
	return nil
}

// RoundTimeoutDuration returns the parsed sub-task round timeout. Validate
// has already checked the string, so a parse failure here falls back to the
// default.
func (s Subtask) RoundTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.RoundTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Site returns the named site, falling back to the default site when id is
// empty.
func (c *Config) Site(id string) (Site, error) {
	if id == "" {
		id = c.DefaultSite
	}
	site, ok := c.Sites[id]
	if !ok {
		return Site{}, fmt.Errorf("config: unknown site %q (configured: %s)", id, strings.Join(siteIDs(c.Sites), ", "))
	}
	return site, nil
}

func providerKeyEnv(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

func siteIDs(sites map[string]Site) []string {
	ids := make([]string, 0, len(sites))
	for id := range sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
