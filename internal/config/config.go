package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ResearchWriter/internal/domain"
)

const (
	configPathEnv     = "RESEARCHWRITER_CONFIG"
	apiKeyEnv         = "RESEARCHWRITER_API_KEY"
	providerEnv       = "RESEARCHWRITER_PROVIDER"
	modelEnv          = "RESEARCHWRITER_MODEL"
	logLevelEnv       = "RESEARCHWRITER_LOG_LEVEL"
	bibliographyEnv   = "BIBLIOGRAPHY_DSN"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
)

// Provider kinds.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds high-level settings required across the application.
type Config struct {
	LogLevel      string                   `yaml:"logLevel"`
	DataDir       string                   `yaml:"dataDir"`
	Session       SessionConfig            `yaml:"session"`
	Provider      ProviderConfig           `yaml:"provider"`
	Budgets       map[string]BudgetProfile `yaml:"budgets"`
	Bibliography  BibliographyConfig       `yaml:"bibliography"`
	Library       LibraryConfig            `yaml:"library"`
	Discovery     DiscoveryConfig          `yaml:"discovery"`
	Acquisition   AcquisitionConfig        `yaml:"acquisition"`
	ML            MLConfig                 `yaml:"ml"`
	Compiler      CompilerConfig           `yaml:"compiler"`
	Notifications NotificationConfig       `yaml:"notifications"`
	Metrics       MetricsConfig            `yaml:"metrics"`
}

// SessionConfig are orchestration limits; CLI flags override them.
type SessionConfig struct {
	Budget            string        `yaml:"budget"`
	MaxRevisionRounds int           `yaml:"maxRevisionRounds"`
	Reviewers         int           `yaml:"reviewers"`
	Aggregation       string        `yaml:"aggregation"`
	Timeout           time.Duration `yaml:"timeout"`
	ReviewTimeout     time.Duration `yaml:"reviewTimeout"`
	ReviewTemperature float32       `yaml:"reviewTemperature"`
	MaxFixAttempts    int           `yaml:"maxFixAttempts"`
	SkipSelfCritique  bool          `yaml:"skipSelfCritique"`
	OutputDir         string        `yaml:"outputDir"`
}

// ProviderConfig defines how to contact the reasoning model.
type ProviderConfig struct {
	Kind              string        `yaml:"kind"`
	Endpoint          string        `yaml:"endpoint"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"apiKey"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// BudgetProfile is one named cost/quality trade-off.
type BudgetProfile struct {
	Model                string        `yaml:"model"`
	DraftTemperature     float32       `yaml:"draftTemperature"`
	CitationTarget       int           `yaml:"citationTarget"`
	PapersPerClaim       int           `yaml:"papersPerClaim"`
	AcquisitionsPerClaim int           `yaml:"acquisitionsPerClaim"`
	TokenBudget          int           `yaml:"tokenBudget"`
	CostPer1KTokens      float64       `yaml:"costPer1kTokens"`
	AcceptIncomplete     bool          `yaml:"acceptIncomplete"`
	MaxIterations        int           `yaml:"maxIterations"`
	CallTimeout          time.Duration `yaml:"callTimeout"`
}

// BibliographyConfig selects the SQL store.
type BibliographyConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LibraryConfig describes the vector library.
type LibraryConfig struct {
	Dir            string `yaml:"dir"`
	Collection     string `yaml:"collection"`
	Embedder       string `yaml:"embedder"`
	EmbeddingModel string `yaml:"embeddingModel"`
	Dimensions     int    `yaml:"dimensions"`
}

// DiscoveryConfig lists the paper sources queried by discover_papers.
type DiscoveryConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes a single source with its scanner strategy.
type SourceConfig struct {
	Name     string            `yaml:"name"`
	Scanner  string            `yaml:"scanner"`
	Endpoint string            `yaml:"endpoint"`
	Options  map[string]string `yaml:"options"`
}

// AcquisitionConfig controls full-text downloads.
type AcquisitionConfig struct {
	Dir      string        `yaml:"dir"`
	MaxBytes int64         `yaml:"maxBytes"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MLConfig describes the optional relevance scoring service.
type MLConfig struct {
	InferenceURL string `yaml:"inferenceUrl"`
	APIKey       string `yaml:"apiKey"`
}

// CompilerConfig names the external document compiler.
type CompilerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotificationConfig encapsulates outbound channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads YAML configuration from path (or $RESEARCHWRITER_CONFIG when
// path is empty) on top of defaults and applies environment overrides.
// A missing default path is not an error; an explicit unreadable one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.fillBudgets()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(apiKeyEnv); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv(providerEnv); v != "" {
		c.Provider.Kind = strings.ToLower(v)
	}
	if v := os.Getenv(modelEnv); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(bibliographyEnv); v != "" {
		c.Bibliography.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Bibliography.Driver = "postgres"
		}
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

// fillBudgets restores default profiles a config file left out.
func (c *Config) fillBudgets() {
	if c.Budgets == nil {
		c.Budgets = map[string]BudgetProfile{}
	}
	for name, profile := range defaultBudgets() {
		if _, ok := c.Budgets[name]; !ok {
			c.Budgets[name] = profile
		}
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := domain.ParseBudgetMode(c.Session.Budget); err != nil {
		errs = append(errs, err)
	}
	if _, err := domain.ParseAggregationPolicy(c.Session.Aggregation); err != nil {
		errs = append(errs, err)
	}
	if c.Session.MaxRevisionRounds < 1 {
		errs = append(errs, fmt.Errorf("session.maxRevisionRounds must be at least 1, got %d", c.Session.MaxRevisionRounds))
	}
	if c.Session.Reviewers < 1 {
		errs = append(errs, fmt.Errorf("session.reviewers must be at least 1, got %d", c.Session.Reviewers))
	}
	if c.Session.MaxFixAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.maxFixAttempts must not be negative"))
	}
	for _, name := range slices.Sorted(maps.Keys(c.Budgets)) {
		if draft := c.Budgets[name].DraftTemperature; c.Session.ReviewTemperature >= draft {
			errs = append(errs, fmt.Errorf("session.reviewTemperature %.2f must be below budgets.%s.draftTemperature %.2f",
				c.Session.ReviewTemperature, name, draft))
		}
	}
	switch c.Provider.Kind {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown provider kind %q", c.Provider.Kind))
	}
	switch c.Bibliography.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown bibliography driver %q", c.Bibliography.Driver))
	}
	return errors.Join(errs...)
}

// Profile returns the budget profile for mode, with the provider model as
// the fallback model.
func (c Config) Profile(mode domain.BudgetMode) (BudgetProfile, error) {
	p, ok := c.Budgets[string(mode)]
	if !ok {
		return BudgetProfile{}, fmt.Errorf("no budget profile %q", mode)
	}
	if p.Model == "" {
		p.Model = c.Provider.Model
	}
	return p, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		DataDir:  "./sessions",
		Session: SessionConfig{
			Budget:            string(domain.BudgetBalanced),
			MaxRevisionRounds: 3,
			Reviewers:         1,
			Aggregation:       string(domain.AggregateConservative),
			Timeout:           2 * time.Hour,
			ReviewTimeout:     10 * time.Minute,
			ReviewTemperature: 0.2,
			MaxFixAttempts:    3,
		},
		Provider: ProviderConfig{
			Kind:              ProviderOpenAI,
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-4o-mini",
			RequestsPerMinute: 60,
			Timeout:           2 * time.Minute,
		},
		Budgets:      defaultBudgets(),
		Bibliography: BibliographyConfig{Driver: "sqlite", DSN: "file:bibliography.db?_pragma=busy_timeout(5000)"},
		Library:      LibraryConfig{Dir: "./library", Collection: "evidence", Embedder: "hash", Dimensions: 256},
		Discovery: DiscoveryConfig{Sources: []SourceConfig{
			{Name: "arxiv", Scanner: "arxiv", Endpoint: "https://arxiv.org/search/"},
		}},
		Acquisition: AcquisitionConfig{Dir: "./papers", MaxBytes: 50 << 20, Timeout: time.Minute},
		Compiler:    CompilerConfig{Command: "pdflatex", Args: []string{"-interaction=nonstopmode", "-halt-on-error"}, Timeout: 2 * time.Minute},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{Endpoint: "https://api.telegram.org"},
		},
	}
}

func defaultBudgets() map[string]BudgetProfile {
	return map[string]BudgetProfile{
		string(domain.BudgetLow): {
			DraftTemperature:     0.7,
			CitationTarget:       3,
			PapersPerClaim:       2,
			AcquisitionsPerClaim: 0,
			TokenBudget:          200_000,
			AcceptIncomplete:     true,
			MaxIterations:        6,
			CallTimeout:          time.Minute,
		},
		string(domain.BudgetBalanced): {
			DraftTemperature:     0.6,
			CitationTarget:       6,
			PapersPerClaim:       3,
			AcquisitionsPerClaim: 1,
			TokenBudget:          600_000,
			AcceptIncomplete:     true,
			MaxIterations:        10,
			CallTimeout:          90 * time.Second,
		},
		string(domain.BudgetHigh): {
			DraftTemperature:     0.5,
			CitationTarget:       12,
			PapersPerClaim:       5,
			AcquisitionsPerClaim: 2,
			TokenBudget:          2_000_000,
			AcceptIncomplete:     false,
			MaxIterations:        16,
			CallTimeout:          2 * time.Minute,
		},
	}
}
