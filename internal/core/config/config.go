// Package config loads and validates the shipit project configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds the full project configuration (shipit.yaml).
type Config struct {
	App     AppConfig              `mapstructure:"app"`
	Deploy  DeployConfig           `mapstructure:"deploy"`
	Secrets SecretsConfig          `mapstructure:"secrets"`
	Stages  map[string]StageConfig `mapstructure:"stages"`
	History HistoryConfig          `mapstructure:"history"`
	Log     LogConfig              `mapstructure:"log"`
}

// AppConfig identifies the application being deployed.
type AppConfig struct {
	Name       string `mapstructure:"name"`
	Repository string `mapstructure:"repository"`
	Branch     string `mapstructure:"branch"`
}

// DeployConfig holds deploy pipeline configuration shared by all stages.
type DeployConfig struct {
	// DeployTo is the base directory on each host under which the app lives.
	DeployTo string `mapstructure:"deploy_to"`

	// KeepReleases is how many release directories the retention policy keeps.
	KeepReleases int `mapstructure:"keep_releases"`

	// Build selects where images are built: "remote" (the host builds from
	// source) or "local" (the operator's machine builds and streams images).
	Build string `mapstructure:"build"`

	// WebService is the compose service name that receives traffic and is
	// health-checked during cutover.
	WebService string `mapstructure:"web_service"`

	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
}

// HealthCheckConfig bounds the post-start health polling loop.
type HealthCheckConfig struct {
	Path     string        `mapstructure:"path"`
	Port     int           `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
	Retries  int           `mapstructure:"retries"`

	// Timeout is a hard wall-clock cap on the whole polling loop, enforced
	// in addition to the retries x interval budget.
	Timeout time.Duration `mapstructure:"timeout"`

	// Cmd overrides the container health-check command in the generated
	// compose overlay. Empty means curl against Port/Path.
	Cmd string `mapstructure:"cmd"`
}

// SecretsConfig lists the age recipients that can decrypt stage secrets.
type SecretsConfig struct {
	Recipients []string `mapstructure:"recipients"`
}

// StageConfig describes one deployment target environment.
type StageConfig struct {
	User    string            `mapstructure:"user"`
	Port    int               `mapstructure:"port"`
	Proxy   string            `mapstructure:"proxy"`
	Hosts   []HostConfig      `mapstructure:"hosts"`
	Env     map[string]string `mapstructure:"env"`
	Traefik *TraefikConfig    `mapstructure:"traefik"`
}

// HostConfig identifies one deploy target host.
type HostConfig struct {
	Address string `mapstructure:"address"`
}

// TraefikConfig holds the routing metadata rendered into the compose overlay.
type TraefikConfig struct {
	Domain    string `mapstructure:"domain"`
	TLS       bool   `mapstructure:"tls"`
	AcmeEmail string `mapstructure:"acme_email"`
}

// HistoryConfig holds the local deploy-history database configuration.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Derived Accessors
// =============================================================================

// AppPath returns the per-app base directory on a host.
func (c *Config) AppPath() string {
	return fmt.Sprintf("%s/%s", c.Deploy.DeployTo, c.App.Name)
}

// Stage looks up a stage by name.
func (c *Config) Stage(name string) (StageConfig, error) {
	stage, ok := c.Stages[name]
	if !ok {
		return StageConfig{}, fmt.Errorf("stage %q not found in config", name)
	}
	return stage, nil
}

// SSHUser returns the user deploys run as on this stage.
func (s StageConfig) SSHUser() string {
	if s.User == "" {
		return "deploy"
	}
	return s.User
}

// SSHPort returns the SSH port for this stage.
func (s StageConfig) SSHPort() int {
	if s.Port == 0 {
		return 22
	}
	return s.Port
}

// =============================================================================
// Config Loading
// =============================================================================

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("app.branch", "main")
	v.SetDefault("deploy.deploy_to", "/var/deploy")
	v.SetDefault("deploy.keep_releases", 5)
	v.SetDefault("deploy.build", "remote")
	v.SetDefault("deploy.web_service", "web")
	v.SetDefault("deploy.health_check.path", "/health")
	v.SetDefault("deploy.health_check.port", 8080)
	v.SetDefault("deploy.health_check.interval", "2s")
	v.SetDefault("deploy.health_check.retries", 15)
	v.SetDefault("deploy.health_check.timeout", "60s")
	v.SetDefault("history.dsn", ".shipit/history.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("shipit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the invariants a loaded config must satisfy.
func Validate(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("config: app.name is required")
	}
	if cfg.Deploy.Build != "remote" && cfg.Deploy.Build != "local" {
		return fmt.Errorf("config: deploy.build must be \"remote\" or \"local\", got %q", cfg.Deploy.Build)
	}
	if cfg.Deploy.KeepReleases < 1 {
		return fmt.Errorf("config: deploy.keep_releases must be at least 1")
	}
	if cfg.Deploy.HealthCheck.Retries < 1 {
		return fmt.Errorf("config: deploy.health_check.retries must be at least 1")
	}
	if cfg.Deploy.HealthCheck.Interval <= 0 {
		return fmt.Errorf("config: deploy.health_check.interval must be positive")
	}
	for name, stage := range cfg.Stages {
		if len(stage.Hosts) == 0 {
			return fmt.Errorf("config: stage %q has no hosts", name)
		}
		for _, h := range stage.Hosts {
			if h.Address == "" {
				return fmt.Errorf("config: stage %q has a host with no address", name)
			}
		}
	}
	return nil
}
