package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth      AuthConfig      `mapstructure:"auth"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type AllocatorConfig struct {
	Mode              string        `mapstructure:"mode"`                          // Allocation mode: "pool" or "ondemand"
	AssignmentScope   string        `mapstructure:"assignment_scope,omitempty"`    // "problem" (default) or "global": whether a team may hold environments for several problems at once
	LocalProblemCodes []string      `mapstructure:"local_problem_codes,omitempty"` // Problem codes that bypass environment allocation entirely
	MaxAttempts       int           `mapstructure:"max_attempts,omitempty"`        // Bounded retries on transaction lock conflicts (default: 3)
	DBPath            string        `mapstructure:"db_path"`                       // Path to the database file
	CatalogDir        string        `mapstructure:"catalog_dir"`                   // Directory where problem.yml catalog files are stored
	Gateway           GatewayConfig `mapstructure:"gateway"`                       // Provisioning gateway configuration
	Redis             RedisConfig   `mapstructure:"redis"`                         // Redis configuration for job queue and notifications
	NotifyChannel     string        `mapstructure:"notify_channel,omitempty"`      // Redis channel for post-commit notifications
	NumWorkers        int           `mapstructure:"num_workers,omitempty"`         // Number of gateway job workers (default: 10)
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval,omitempty"`  // Interval between reconciler passes (default: 1m)
	SweepAfter        time.Duration `mapstructure:"sweep_after,omitempty"`         // Age a released environment must reach before the sweeper retries its gateway delete
}

type GatewayConfig struct {
	URL     string        `mapstructure:"url"`               // Base URL of the provisioning gateway
	Timeout time.Duration `mapstructure:"timeout,omitempty"` // Per-request timeout for gateway calls (default: 30s)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Allocator: AllocatorConfig{
			Mode:        "pool",
			MaxAttempts: 3,
		},
	}
	return nil
}
