package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// ProviderType identifies one of the upstream text-generation APIs the
// adapter registry knows how to call.
type ProviderType string

const (
	ProviderTypeOpenAI     ProviderType = "openai"
	ProviderTypeAnthropic  ProviderType = "anthropic"
	ProviderTypeVertexAI   ProviderType = "vertex-ai"
	ProviderTypeGroq       ProviderType = "groq"
	ProviderTypeTogether   ProviderType = "together"
	ProviderTypeOpenRouter ProviderType = "openrouter"
	ProviderTypeDeepSeek   ProviderType = "deepseek"
	ProviderTypeCerebras   ProviderType = "cerebras"
	ProviderTypeMistral    ProviderType = "mistral"
	ProviderTypeFireworks  ProviderType = "fireworks"
	ProviderTypeSambaNova  ProviderType = "sambanova"
)

// IsValid reports whether p is one of the known provider types.
func (p ProviderType) IsValid() bool {
	_, ok := defaultAPIKeyEnv[p]
	return ok
}

// defaultAPIKeyEnv maps a provider type to the credential environment
// variable the core reads for it, used whenever a provider entry in YAML
// doesn't set api_key_env explicitly.
var defaultAPIKeyEnv = map[ProviderType]string{
	ProviderTypeOpenAI:     "OPENAI_API_KEY",
	ProviderTypeAnthropic:  "ANTHROPIC_API_KEY",
	ProviderTypeVertexAI:   "GOOGLE_API_KEY",
	ProviderTypeGroq:       "GROQ_API_KEY",
	ProviderTypeTogether:   "TOGETHER_API_KEY",
	ProviderTypeOpenRouter: "OPENROUTER_API_KEY",
	ProviderTypeDeepSeek:   "DEEPSEEK_API_KEY",
	ProviderTypeCerebras:   "CEREBRAS_API_KEY",
	ProviderTypeMistral:    "MISTRAL_API_KEY",
	ProviderTypeFireworks:  "FIREWORKS_API_KEY",
	ProviderTypeSambaNova:  "SAMBANOVA_API_KEY",
}

// ModelEntry is one statically-configured model under a provider, forming
// the active-model catalog the Queue Runner enumerates when it initializes
// a benchmark run.
type ModelEntry struct {
	Name             string        `yaml:"name"`
	ContextWindow    int           `yaml:"context_window,omitempty"`
	Reasoning        bool          `yaml:"reasoning,omitempty"`
	ReasoningTimeout time.Duration `yaml:"reasoning_timeout,omitempty"`
	Active           bool          `yaml:"active"`
}

// activeModels returns the names of models flagged active within a
// provider entry, in catalog order.
func activeModels(models []ModelEntry) []string {
	var names []string
	for _, m := range models {
		if m.Active {
			names = append(names, m.Name)
		}
	}
	return names
}

// ProviderConfig is one upstream provider's static configuration: how to
// reach it, which env var carries its credential, its default pricing
// fallback, and which models of its catalog should be benchmarked.
type ProviderConfig struct {
	Key        ProviderType `yaml:"key"`
	Name       string       `yaml:"name"`
	BaseURL    string       `yaml:"base_url,omitempty"`
	APIKeyEnv  string       `yaml:"api_key_env,omitempty"`
	APIKey     string       `yaml:"-"` // resolved from the environment at load time
	InputPerM  float64      `yaml:"default_input_per_m,omitempty"`
	OutputPerM float64      `yaml:"default_output_per_m,omitempty"`
	Models     []ModelEntry `yaml:"models"`

	// Vertex AI specific fields.
	ProjectID       string `yaml:"project_id,omitempty"`
	Location        string `yaml:"location,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	CredentialsJSON string `yaml:"credentials_json,omitempty"`
}

// ActiveModels returns the model names currently flagged active for this
// provider, in catalog order.
func (p ProviderConfig) ActiveModels() []string {
	return activeModels(p.Models)
}

// UnmarshalYAML implements custom unmarshaling for ProviderConfig so that
// string fields may use the "os.environ/VAR_NAME" indirection pattern.
func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Key             string       `yaml:"key"`
		Name            string       `yaml:"name"`
		BaseURL         string       `yaml:"base_url,omitempty"`
		APIKeyEnv       string       `yaml:"api_key_env,omitempty"`
		InputPerM       float64      `yaml:"default_input_per_m,omitempty"`
		OutputPerM      float64      `yaml:"default_output_per_m,omitempty"`
		Models          []ModelEntry `yaml:"models"`
		ProjectID       string       `yaml:"project_id,omitempty"`
		Location        string       `yaml:"location,omitempty"`
		CredentialsFile string       `yaml:"credentials_file,omitempty"`
		CredentialsJSON string       `yaml:"credentials_json,omitempty"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.Key = ProviderType(resolveEnvString(temp.Key))
	p.Name = resolveEnvString(temp.Name)
	p.BaseURL = strings.TrimSuffix(resolveEnvString(temp.BaseURL), "/v1")
	p.APIKeyEnv = resolveEnvString(temp.APIKeyEnv)
	p.InputPerM = temp.InputPerM
	p.OutputPerM = temp.OutputPerM
	p.Models = temp.Models
	p.ProjectID = resolveEnvString(temp.ProjectID)
	p.Location = resolveEnvString(temp.Location)
	p.CredentialsFile = resolveEnvString(temp.CredentialsFile)
	p.CredentialsJSON = resolveEnvString(temp.CredentialsJSON)

	if p.BaseURL != "" {
		if err := validateBaseURL(string(p.Key), p.BaseURL); err != nil {
			return err
		}
	}

	return nil
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	LoggingLevel string        `yaml:"logging_level"`
	JSONLogs     bool          `yaml:"json_logs"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UnmarshalYAML implements custom unmarshaling for ServerConfig with env
// variable support, following the same string-field/tempConfig idiom used
// throughout this package.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port         string `yaml:"port"`
		LoggingLevel string `yaml:"logging_level"`
		JSONLogs     string `yaml:"json_logs"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if s.Port, err = parseField(temp.Port, 8080, strconv.Atoi, "server.port"); err != nil {
		return err
	}
	s.LoggingLevel = resolveEnvString(temp.LoggingLevel)
	if s.JSONLogs, err = parseField(temp.JSONLogs, false, strconv.ParseBool, "server.json_logs"); err != nil {
		return err
	}
	if s.ReadTimeout, err = parseField(temp.ReadTimeout, 60*time.Second, time.ParseDuration, "server.read_timeout"); err != nil {
		return err
	}
	if s.WriteTimeout, err = parseField(temp.WriteTimeout, 10*time.Minute, time.ParseDuration, "server.write_timeout"); err != nil {
		return err
	}
	return nil
}

type StoreConfig struct {
	Type                string        `yaml:"type"` // "supabase" | "local"
	DSN                 string        `yaml:"dsn"`
	MaxConns            int32         `yaml:"max_conns"`
	MinConns            int32         `yaml:"min_conns"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// UnmarshalYAML implements custom unmarshaling for StoreConfig with env
// variable support, so the DSN can be supplied as "os.environ/DATABASE_URL".
func (s *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Type                string `yaml:"type"`
		DSN                 string `yaml:"dsn"`
		MaxConns            string `yaml:"max_conns"`
		MinConns            string `yaml:"min_conns"`
		ConnectTimeout      string `yaml:"connect_timeout"`
		HealthCheckInterval string `yaml:"health_check_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	s.Type = resolveEnvString(temp.Type)
	s.DSN = resolveEnvString(temp.DSN)
	var maxConns, minConns int
	if maxConns, err = parseField(temp.MaxConns, 10, strconv.Atoi, "store.max_conns"); err != nil {
		return err
	}
	s.MaxConns = int32(maxConns)
	if minConns, err = parseField(temp.MinConns, 1, strconv.Atoi, "store.min_conns"); err != nil {
		return err
	}
	s.MinConns = int32(minConns)
	if s.ConnectTimeout, err = parseField(temp.ConnectTimeout, 10*time.Second, time.ParseDuration, "store.connect_timeout"); err != nil {
		return err
	}
	if s.HealthCheckInterval, err = parseField(temp.HealthCheckInterval, 30*time.Second, time.ParseDuration, "store.health_check_interval"); err != nil {
		return err
	}
	return nil
}

type BudgetConfig struct {
	CapUSD      float64 `yaml:"cap_usd"`
	WindowHours int     `yaml:"window_hours"`
}

type RetryPolicyConfig struct {
	AdapterMaxRetries int           `yaml:"adapter_max_retries"`
	AdapterBaseDelay  time.Duration `yaml:"adapter_base_delay"`
	AdapterMaxDelay   time.Duration `yaml:"adapter_max_delay"`
	QueueMaxAttempts  int           `yaml:"queue_max_attempts"`
	DefaultBatchSize  int           `yaml:"default_batch_size"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	// BatchConcurrency fans a batch's items out across this many workers
	// instead of processing them one at a time. 1 (the default) keeps
	// measurements deterministic since calls never compete for the same
	// network interface at the same instant; raise it to trade that
	// determinism for throughput on a large catalog.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

type PricingConfig struct {
	ModelPricesLink    string        `yaml:"model_prices_link,omitempty"` // supports os.environ/VAR_NAME
	RefreshInterval    time.Duration `yaml:"refresh_interval,omitempty"`
	SuppressDuplicates time.Duration `yaml:"suppress_duplicates,omitempty"`
}

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Store      StoreConfig       `yaml:"store"`
	Budget     BudgetConfig      `yaml:"budget"`
	Retry      RetryPolicyConfig `yaml:"retry"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	Pricing    PricingConfig     `yaml:"pricing"`
	Providers  []ProviderConfig  `yaml:"providers"`
}

// Load reads the YAML config at path, applies defaults, overlays the
// environment variables the core consumes, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Budget.CapUSD == 0 {
		c.Budget.CapUSD = 15.0
	}
	if c.Budget.WindowHours == 0 {
		c.Budget.WindowHours = 24
	}
	if c.Store.Type == "" {
		c.Store.Type = "supabase"
	}
	if c.Retry.AdapterMaxRetries == 0 {
		c.Retry.AdapterMaxRetries = 3
	}
	if c.Retry.AdapterBaseDelay == 0 {
		c.Retry.AdapterBaseDelay = time.Second
	}
	if c.Retry.AdapterMaxDelay == 0 {
		c.Retry.AdapterMaxDelay = 10 * time.Second
	}
	if c.Retry.QueueMaxAttempts == 0 {
		c.Retry.QueueMaxAttempts = 3
	}
	if c.Retry.DefaultBatchSize == 0 {
		c.Retry.DefaultBatchSize = 10
	}
	if c.Retry.MaxBatchSize == 0 {
		c.Retry.MaxBatchSize = 50
	}
	if c.Retry.BatchConcurrency == 0 {
		c.Retry.BatchConcurrency = 1
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = string(p.Key)
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = defaultAPIKeyEnv[p.Key]
		}
	}
}

// applyEnvOverrides layers the environment variables the benchmark core
// consumes on top of whatever the YAML file specified: BENCHMARK_BUDGET_CAP,
// DB_TYPE, and one API-key variable per configured provider.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BENCHMARK_BUDGET_CAP"); v != "" {
		if capUSD, err := parseField(v, c.Budget.CapUSD, parseFloat64, "BENCHMARK_BUDGET_CAP"); err == nil {
			c.Budget.CapUSD = capUSD
		}
	}
	if v := os.Getenv("DB_TYPE"); v != "" {
		c.Store.Type = v
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKeyEnv != "" {
			if key := os.Getenv(p.APIKeyEnv); key != "" {
				p.APIKey = key
			}
		}
	}
}

func (c *Config) Validate() error {
	if c.Store.Type != "supabase" && c.Store.Type != "local" {
		return fmt.Errorf("store.type must be 'supabase' or 'local', got %q", c.Store.Type)
	}
	if c.Budget.CapUSD < 0 {
		return fmt.Errorf("budget.cap_usd must be >= 0")
	}
	if c.Retry.MaxBatchSize <= 0 {
		return fmt.Errorf("retry.max_batch_size must be positive")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	seen := make(map[ProviderType]bool)
	for _, p := range c.Providers {
		if p.Key == "" {
			return fmt.Errorf("provider entry missing key")
		}
		if !p.Key.IsValid() {
			return fmt.Errorf("provider %s: unknown provider key", p.Key)
		}
		if seen[p.Key] {
			return fmt.Errorf("duplicate provider key %q", p.Key)
		}
		seen[p.Key] = true

		if p.Key == ProviderTypeVertexAI {
			if p.ProjectID == "" {
				return fmt.Errorf("provider %s: project_id is required for vertex-ai", p.Key)
			}
			if p.Location == "" {
				return fmt.Errorf("provider %s: location is required for vertex-ai", p.Key)
			}
		} else if p.BaseURL != "" {
			if err := validateBaseURL(string(p.Key), p.BaseURL); err != nil {
				return err
			}
		}

		for _, m := range p.Models {
			if m.Name == "" {
				return fmt.Errorf("provider %s: model entry missing name", p.Key)
			}
		}
	}

	return nil
}
