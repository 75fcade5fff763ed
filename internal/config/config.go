package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"mailrelay/pkg/config"
	"mailrelay/pkg/otel"
)

// DefaultWatchLabels are the standard Gmail categories plus UNREAD.
var DefaultWatchLabels = []string{
	"CATEGORY_PERSONAL",
	"CATEGORY_SOCIAL",
	"CATEGORY_PROMOTIONS",
	"CATEGORY_UPDATES",
	"CATEGORY_FORUMS",
	"UNREAD",
}

type GoogleConfig struct {
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	RedirectURI       string        `yaml:"redirect_uri"`
	Topic             string        `yaml:"topic"`
	Labels            []string      `yaml:"labels"`
	LabelFilterAction string        `yaml:"label_filter_action"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type CompletionConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	// Temperature is a pointer so an explicit 0 survives defaulting.
	Temperature *float64      `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	// MaxBodyChars truncates message bodies before they are sent to the model.
	MaxBodyChars int `yaml:"max_body_chars"`
}

// BackendConfig points at the low-code backend workflow endpoint.
// An empty URL disables forwarding.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type RenewalConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

type WebhookConfig struct {
	// VerificationToken, when set, must match the ?token= query parameter.
	VerificationToken string        `yaml:"verification_token"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

type Config struct {
	Debug      bool                `yaml:"debug"`
	DB         config.DBConfig     `yaml:"db"`
	MQ         config.MQConfig     `yaml:"mq"`
	Redis      config.RedisConfig  `yaml:"redis"`
	Server     config.ServerConfig `yaml:"server"`
	JWT        config.JWTConfig    `yaml:"jwt"`
	Google     GoogleConfig        `yaml:"google"`
	Completion CompletionConfig    `yaml:"completion"`
	Backend    BackendConfig       `yaml:"backend"`
	Renewal    RenewalConfig       `yaml:"renewal"`
	Webhook    WebhookConfig       `yaml:"webhook"`
	Otel       otel.Config         `yaml:"otel"`
}

// Load reads configDir through the shared loader, applies environment
// overrides, fills defaults and validates the result.
func Load(configDir string) (*Config, error) {
	cfg, err := Read(configDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for tooling commands that only touch a
// subset of the configuration.
func Read(configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(config.GetConfigEnv(), configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideJWTFromEnv(&cfg.JWT)
	overrideFromEnv(&cfg)

	cfg.applyDefaults()
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Google.ClientID, "GOOGLE_CLIENT_ID")
	set(&cfg.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	set(&cfg.Google.RedirectURI, "GOOGLE_REDIRECT_URI")
	set(&cfg.Google.Topic, "GOOGLE_PUBSUB_TOPIC")
	set(&cfg.Completion.APIKey, "OPENAI_API_KEY")
	set(&cfg.Completion.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.Completion.Model, "OPENAI_MODEL")
	set(&cfg.Backend.URL, "BACKEND_URL")
	set(&cfg.Backend.APIKey, "BACKEND_API_KEY")
	set(&cfg.Webhook.VerificationToken, "PUBSUB_VERIFICATION_TOKEN")
}

func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "data/relay.db"
	}
	if c.Server.Port == "" {
		c.Server.Port = ":3000"
	}
	if len(c.Google.Labels) == 0 {
		c.Google.Labels = append([]string(nil), DefaultWatchLabels...)
	}
	if c.Google.LabelFilterAction == "" {
		c.Google.LabelFilterAction = "include"
	}
	if c.Google.RequestTimeout == 0 {
		c.Google.RequestTimeout = 30 * time.Second
	}
	if c.Completion.Model == "" {
		c.Completion.Model = "gpt-4o-mini"
	}
	if c.Completion.Temperature == nil {
		c.Completion.Temperature = Float(DefaultTemperature)
	}
	if c.Completion.Timeout == 0 {
		c.Completion.Timeout = 30 * time.Second
	}
	if c.Completion.MaxBodyChars == 0 {
		c.Completion.MaxBodyChars = 12000
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Renewal.Interval == 0 {
		// Gmail push subscriptions expire after seven days.
		c.Renewal.Interval = 7 * 24 * time.Hour
	}
	if c.Renewal.Concurrency <= 0 {
		c.Renewal.Concurrency = 8
	}
	if c.Webhook.DedupTTL == 0 {
		c.Webhook.DedupTTL = time.Hour
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "mailrelay"
	}
}

// Validate rejects configurations the relay cannot start with.
func (c *Config) Validate() error {
	var missing []string
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.Google.ClientID == "" {
		missing = append(missing, "google.client_id")
	}
	if c.Google.ClientSecret == "" {
		missing = append(missing, "google.client_secret")
	}
	if c.Google.Topic == "" {
		missing = append(missing, "google.topic")
	}
	if c.Completion.APIKey == "" {
		missing = append(missing, "completion.api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

const DefaultTemperature = 0.2

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// SamplingTemperature is the configured temperature or DefaultTemperature.
func (c CompletionConfig) SamplingTemperature() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}
