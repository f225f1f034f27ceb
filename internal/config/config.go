package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv      = "DIFFBUDDY_CONFIG"
	logLevelEnv        = "LOG_LEVEL"
	databaseDriverEnv  = "DATABASE_DRIVER"
	databaseDSNEnv     = "DATABASE_DSN"
	githubTokenEnv     = "GITHUB_TOKEN"
	providerNameEnv    = "DIFFBUDDY_PROVIDER"
	openRouterKeyEnv   = "OPENROUTER_API_KEY"
	chatGPTAPIKeyEnv   = "CHATGPT_API_KEY"
	chatGPTModelEnv    = "CHATGPT_MODEL"
	ollamaHostEnv      = "OLLAMA_HOST"
	ollamaModelEnv     = "OLLAMA_MODEL"
	defaultPoll        = time.Second
	defaultWaitTimeout = 5 * time.Minute
	defaultStaleAfter  = 15 * time.Minute
	defaultRunTimeout  = 10 * time.Minute
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	GitHub     GitHubConfig     `yaml:"github"`
	Provider   ProviderConfig   `yaml:"provider"`
	ChatGPT    ChatGPTConfig    `yaml:"chatgpt"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Generation GenerationConfig `yaml:"generation"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig describes the work item store. Driver is sqlite3 or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// GitHubConfig points the revision source at a GitHub API.
type GitHubConfig struct {
	APIURL string `yaml:"apiUrl"`
	Token  string `yaml:"token"`
}

// ProviderConfig picks a registered generation provider by name.
type ProviderConfig struct {
	Name string `yaml:"name"`
}

// ChatGPTConfig defines how to contact an OpenAI-compatible chat completions API.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// OllamaConfig defines the local Ollama server and model.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// GenerationConfig tunes the coordinator. Durations are Go duration strings;
// a StaleAfter of "0" disables takeover of stuck generations.
type GenerationConfig struct {
	PollInterval string `yaml:"pollInterval"`
	WaitTimeout  string `yaml:"waitTimeout"`
	StaleAfter   string `yaml:"staleAfter"`
	RunTimeout   string `yaml:"runTimeout"`

	pollInterval time.Duration `yaml:"-"`
	waitTimeout  time.Duration `yaml:"-"`
	staleAfter   time.Duration `yaml:"-"`
	runTimeout   time.Duration `yaml:"-"`
}

// Poll returns the interval between status reads while waiting.
func (g GenerationConfig) Poll() time.Duration {
	if g.pollInterval <= 0 {
		return defaultPoll
	}
	return g.pollInterval
}

// Wait bounds how long a wait-mode caller blocks.
func (g GenerationConfig) Wait() time.Duration {
	if g.waitTimeout <= 0 {
		return defaultWaitTimeout
	}
	return g.waitTimeout
}

// Stale is the age after which a generating row may be re-acquired; 0 disables.
func (g GenerationConfig) Stale() time.Duration {
	if g.staleAfter < 0 {
		return 0
	}
	return g.staleAfter
}

// Run bounds a single pipeline execution.
func (g GenerationConfig) Run() time.Duration {
	if g.runTimeout <= 0 {
		return defaultRunTimeout
	}
	return g.runTimeout
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			cfg = Parse(cfg, raw)
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindDurations()

	return cfg
}

// Parse merges YAML over base; unparsable input leaves base untouched.
func Parse(base Config, raw []byte) Config {
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		log.Printf("config: cannot parse yaml: %v (falling back to defaults)", err)
		return base
	}
	return mergeConfig(base, fileCfg)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(githubTokenEnv); v != "" {
		c.GitHub.Token = v
	}

	if v := os.Getenv(providerNameEnv); v != "" {
		c.Provider.Name = v
	}

	if v := os.Getenv(openRouterKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	if v := os.Getenv(ollamaHostEnv); v != "" {
		c.Ollama.Host = v
	}

	if v := os.Getenv(ollamaModelEnv); v != "" {
		c.Ollama.Model = v
	}
}

func (c *Config) bindDurations() {
	g := &c.Generation
	g.pollInterval = parseDuration("pollInterval", g.PollInterval, defaultPoll)
	g.waitTimeout = parseDuration("waitTimeout", g.WaitTimeout, defaultWaitTimeout)
	g.staleAfter = parseDuration("staleAfter", g.StaleAfter, defaultStaleAfter)
	g.runTimeout = parseDuration("runTimeout", g.RunTimeout, defaultRunTimeout)
}

func parseDuration(name, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config: invalid %s %q, reverting to %s", name, value, fallback)
		return fallback
	}
	return d
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if override.Database.DSN != "" {
		base.Database = override.Database
		if base.Database.Driver == "" {
			base.Database.Driver = defaultConfig().Database.Driver
		}
	}

	if override.GitHub.APIURL != "" {
		base.GitHub.APIURL = override.GitHub.APIURL
	}
	if override.GitHub.Token != "" {
		base.GitHub.Token = override.GitHub.Token
	}

	if override.Provider.Name != "" {
		base.Provider.Name = override.Provider.Name
	}

	if override.ChatGPT.Endpoint != "" {
		base.ChatGPT.Endpoint = override.ChatGPT.Endpoint
	}
	if override.ChatGPT.Model != "" {
		base.ChatGPT.Model = override.ChatGPT.Model
	}
	if override.ChatGPT.APIKey != "" {
		base.ChatGPT.APIKey = override.ChatGPT.APIKey
	}
	if override.ChatGPT.SystemPrompt != "" {
		base.ChatGPT.SystemPrompt = override.ChatGPT.SystemPrompt
	}

	if override.Ollama.Host != "" {
		base.Ollama.Host = override.Ollama.Host
	}
	if override.Ollama.Model != "" {
		base.Ollama.Model = override.Ollama.Model
	}

	if override.Generation.PollInterval != "" {
		base.Generation.PollInterval = override.Generation.PollInterval
	}
	if override.Generation.WaitTimeout != "" {
		base.Generation.WaitTimeout = override.Generation.WaitTimeout
	}
	if override.Generation.StaleAfter != "" {
		base.Generation.StaleAfter = override.Generation.StaleAfter
	}
	if override.Generation.RunTimeout != "" {
		base.Generation.RunTimeout = override.Generation.RunTimeout
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "diffbuddy.db"},
		GitHub:   GitHubConfig{APIURL: "https://api.github.com"},
		Provider: ProviderConfig{Name: "openai"},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://openrouter.ai/api/v1/chat/completions",
			Model:        "openai/gpt-5.2-codex",
			APIKey:       "",
			SystemPrompt: "You turn pull request diffs into readable review write-ups.",
		},
		Ollama: OllamaConfig{Host: "http://127.0.0.1:11434", Model: "qwen2.5-coder"},
		Generation: GenerationConfig{
			pollInterval: defaultPoll,
			waitTimeout:  defaultWaitTimeout,
			staleAfter:   defaultStaleAfter,
			runTimeout:   defaultRunTimeout,
		},
	}
}
