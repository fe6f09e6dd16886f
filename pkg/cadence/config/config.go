// Package config defines all configuration structures for the Cadence
// assistant and loads them from YAML. Secrets resolve through a priority
// chain: OS keyring reference, environment variable, .env file, plain
// config value.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/mwhitton/cadence/pkg/cadence/delivery"
	"github.com/mwhitton/cadence/pkg/cadence/directory"
	"github.com/mwhitton/cadence/pkg/cadence/flow"
	"github.com/mwhitton/cadence/pkg/cadence/orchestrator"
	"github.com/mwhitton/cadence/pkg/cadence/router"
	"github.com/mwhitton/cadence/pkg/cadence/schedule"
	"github.com/mwhitton/cadence/pkg/cadence/selection"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "cadence"

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in messages.
	Name string `yaml:"name"`

	// DataDir is where cadence.db and the flow store live.
	DataDir string `yaml:"data_dir"`

	// ContentFile is the path to the category message library.
	ContentFile string `yaml:"content_file"`

	// Users maps user IDs to channel addresses in priority order.
	Users map[string][]directory.Address `yaml:"users"`

	// Channels configures the communication channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Flows is the catalog of flow scripts, keyed by flow type.
	Flows map[string]FlowScript `yaml:"flows"`

	// Triggers configures scheduled sends and check-ins.
	Triggers []schedule.Trigger `yaml:"triggers"`

	// Orchestrator configures send timeouts and degraded detection.
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Retry configures the retry backoff parameters.
	Retry delivery.RetryConfig `yaml:"retry"`

	// Dedup configures the dedup window and weighting.
	Dedup selection.Config `yaml:"dedup"`

	// Flow configures the flow engine (inactivity timeout).
	Flow flow.Config `yaml:"flow"`

	// Router configures command parsing thresholds.
	Router router.Config `yaml:"router"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ChannelsConfig configures the channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Email    EmailConfig    `yaml:"email"`
}

// TelegramConfig configures the Telegram chat channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// DiscordConfig configures the Discord chat channel.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// EmailConfig configures the SMTP email channel.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// FlowScript is one configured flow: an ordered question list.
type FlowScript struct {
	Questions []flow.Question `yaml:"questions"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns a runnable configuration with everything optional off.
func Default() Config {
	return Config{
		Name:         "cadence",
		DataDir:      "./data",
		ContentFile:  "./content.yaml",
		Orchestrator: orchestrator.DefaultConfig(),
		Retry:        delivery.DefaultRetryConfig(),
		Dedup:        selection.DefaultConfig(),
		Flow:         flow.DefaultConfig(),
		Router:       router.DefaultConfig(),
		Logging:      LoggingConfig{Level: "info"},
	}
}

// Load reads the config file, applies .env, and resolves secrets.
func Load(path string) (Config, error) {
	// .env never overwrites variables already set in the environment.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.Channels.Telegram.Token = resolveSecret(cfg.Channels.Telegram.Token)
	cfg.Channels.Discord.Token = resolveSecret(cfg.Channels.Discord.Token)
	cfg.Channels.Email.Password = resolveSecret(cfg.Channels.Email.Password)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("config has no users")
	}
	if !c.Channels.Telegram.Enabled && !c.Channels.Discord.Enabled && !c.Channels.Email.Enabled {
		return fmt.Errorf("config enables no channels")
	}
	for name, script := range c.Flows {
		if len(script.Questions) == 0 {
			return fmt.Errorf("flow %q has no questions", name)
		}
		for i, q := range script.Questions {
			if q.ID == "" || q.Prompt == "" {
				return fmt.Errorf("flow %q question %d is missing id or prompt", name, i)
			}
		}
	}
	return nil
}

// resolveSecret expands a config secret value:
//
//	keyring:<name>  looked up in the OS keyring under the cadence service
//	${VAR} / $VAR   expanded from the environment (after .env loading)
//	anything else   used as-is
func resolveSecret(value string) string {
	if name, ok := strings.CutPrefix(value, "keyring:"); ok {
		secret, err := keyring.Get(keyringService, name)
		if err != nil {
			return ""
		}
		return secret
	}
	if strings.Contains(value, "$") {
		return os.ExpandEnv(value)
	}
	return value
}

// StoreSecret saves a secret to the OS keyring for use with keyring:
// references.
func StoreSecret(name, value string) error {
	return keyring.Set(keyringService, name, value)
}
