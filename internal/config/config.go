package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    models.ServerConfig    `yaml:"server"`
	Database  *models.DatabaseConfig `yaml:"database,omitempty"`
	Redis     RedisConfig            `yaml:"redis"`
	Auth      AuthConfig             `yaml:"auth"`
	Credits   CreditsConfig          `yaml:"credits"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Queue     QueueConfig            `yaml:"queue"`
	AI        AIConfig               `yaml:"ai"`
	Media     MediaConfig            `yaml:"media"`
	Payments  PaymentsConfig         `yaml:"payments"`
	Poller    PollerConfig           `yaml:"poller"`
}

type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

type AuthConfig struct {
	ClerkSecretKey     string   `yaml:"clerk_secret_key,omitempty"`
	ClerkWebhookSecret string   `yaml:"clerk_webhook_secret,omitempty"`
	JWTSecret          string   `yaml:"jwt_secret,omitempty"`
	AdminEmails        []string `yaml:"admin_emails,omitempty"`
}

type CreditsConfig struct {
	SummaryCost       int `yaml:"summary_cost"`
	InitialGrant      int `yaml:"initial_grant"`
	FirstSummaryBonus int `yaml:"first_summary_bonus"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type QueueConfig struct {
	Workers       int           `yaml:"workers"`
	Depth         int           `yaml:"depth"`
	MaxRetries    int           `yaml:"max_retries"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

type AIConfig struct {
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type MediaConfig struct {
	Dir       string        `yaml:"dir"`
	YtDlpPath string        `yaml:"yt_dlp_path,omitempty"`
	MaxAge    time.Duration `yaml:"max_age"`
}

type AlipayConfig struct {
	AppID      string `yaml:"app_id,omitempty"`
	PublicKey  string `yaml:"public_key,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	NotifyURL  string `yaml:"notify_url,omitempty"`
	Gateway    string `yaml:"gateway,omitempty"`
}

type WechatConfig struct {
	AppID      string `yaml:"app_id,omitempty"`
	MchID      string `yaml:"mch_id,omitempty"`
	SerialNo   string `yaml:"serial_no,omitempty"`
	APIv3Key   string `yaml:"api_v3_key,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	NotifyURL  string `yaml:"notify_url,omitempty"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
	SuccessURL    string `yaml:"success_url,omitempty"`
	CancelURL     string `yaml:"cancel_url,omitempty"`
}

type PaymentsConfig struct {
	Plans  map[string]models.PricingPlan `yaml:"plans"`
	Alipay AlipayConfig                  `yaml:"alipay"`
	Wechat WechatConfig                  `yaml:"wechat"`
	Stripe StripeConfig                  `yaml:"stripe"`
}

type PollerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RequestPacing time.Duration `yaml:"request_pacing"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	// Validate and clean the file path to prevent directory traversal
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files in order of precedence
// Loads files in the order provided (first has highest priority)
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// New creates a new Config instance by loading from the specified config file path
func New(configPath string) (*Config, error) {
	return LoadFromFile(configPath)
}

func (c *Config) applyDefaults() {
	if c.Credits.SummaryCost == 0 {
		c.Credits.SummaryCost = 10
	}
	if c.Credits.InitialGrant == 0 {
		c.Credits.InitialGrant = 30
	}
	if c.Credits.FirstSummaryBonus == 0 {
		c.Credits.FirstSummaryBonus = 10
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 15
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 3
	}
	if c.Queue.Depth == 0 {
		c.Queue.Depth = 100
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.SubmitTimeout == 0 {
		c.Queue.SubmitTimeout = 5 * time.Second
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.5-flash"
	}
	if c.AI.RequestTimeout == 0 {
		c.AI.RequestTimeout = 20 * time.Minute
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "videos"
	}
	if c.Media.MaxAge == 0 {
		c.Media.MaxAge = time.Hour
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = time.Hour
	}
	if c.Poller.RequestPacing == 0 {
		c.Poller.RequestPacing = 2 * time.Second
	}
	if c.Poller.DrainInterval == 0 {
		c.Poller.DrainInterval = 5 * time.Minute
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	// Pattern matches ${VAR_NAME} or ${VAR_NAME:-default_value}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

// IsAdmin reports whether the email belongs to a configured administrator.
func (c *Config) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	lower := strings.ToLower(email)
	for _, admin := range c.Auth.AdminEmails {
		if strings.ToLower(strings.TrimSpace(admin)) == lower {
			return true
		}
	}
	return false
}

// Plan returns the pricing plan for the given id.
func (c *Config) Plan(planID string) (models.PricingPlan, bool) {
	plan, ok := c.Payments.Plans[planID]
	return plan, ok
}

// GetNormalizedLogLevel returns the log level in lowercase for consistent comparison
func (c *Config) GetNormalizedLogLevel() string {
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks if all required configuration values are set
func (c *Config) Validate() error {
	var missing []string

	if c.Server.Port == "" {
		missing = append(missing, "server.port")
	}
	if c.Database == nil {
		missing = append(missing, "database")
	}

	if len(missing) > 0 {
		return &ValidationError{MissingFields: missing}
	}

	return nil
}

// ValidationError describes missing required configuration fields.
type ValidationError struct {
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.MissingFields, ", "))
}
