package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rudransh-shrivastava/nguli/internal/controller"
	"github.com/rudransh-shrivastava/nguli/internal/input"
	"gopkg.in/yaml.v3"
)

const (
	EnvRendezvousURL = "NGULI_RENDEZVOUS_URL"
	EnvLogLevel      = "NGULI_LOG_LEVEL"
)

type Config struct {
	RendezvousURL     string        `yaml:"rendezvous_url"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	InvitationTimeout time.Duration `yaml:"invitation_timeout"`
	// STUNServers left unset uses public defaults; an empty list disables
	// STUN.
	STUNServers   []string `yaml:"stun_servers"`
	Reconnect     string   `yaml:"reconnect"`
	MaxReconnects int      `yaml:"max_reconnects"`
	LogLevel      string   `yaml:"log_level"`
	JoystickIndex int      `yaml:"joystick_index"`
	PollRate      int      `yaml:"poll_rate"`
}

func Default() *Config {
	return &Config{
		RendezvousURL:     "ws://localhost:8080/",
		ConnectionTimeout: controller.DefaultConnectionTimeout,
		InvitationTimeout: 10 * time.Second,
		Reconnect:         controller.ReconnectManual.String(),
		MaxReconnects:     controller.DefaultMaxReconnects,
		LogLevel:          "info",
		PollRate:          60,
	}
}

// LoadDotEnv loads environment files, .env by default. Missing files are
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.RendezvousURL = getEnv(EnvRendezvousURL, cfg.RendezvousURL)
	cfg.LogLevel = getEnv(EnvLogLevel, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.RendezvousURL == "" {
		return errors.New("rendezvous_url is required")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive, got %s", c.ConnectionTimeout)
	}
	if c.InvitationTimeout <= 0 {
		return fmt.Errorf("invitation_timeout must be positive, got %s", c.InvitationTimeout)
	}
	if _, err := controller.ParseReconnectPolicy(c.Reconnect); err != nil {
		return err
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must not be negative, got %d", c.MaxReconnects)
	}
	if c.PollRate <= 0 || c.PollRate > input.MaxPollRate {
		return fmt.Errorf("poll_rate must be between 1 and %d, got %d", input.MaxPollRate, c.PollRate)
	}
	return nil
}

func (c *Config) ReconnectPolicy() controller.ReconnectPolicy {
	policy, _ := controller.ParseReconnectPolicy(c.Reconnect)
	return policy
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
