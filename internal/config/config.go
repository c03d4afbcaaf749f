package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig                   `yaml:"log"`
	Swarm     SwarmConfig                 `yaml:"swarm"`
	Pool      PoolConfig                  `yaml:"pool"`
	Consensus ConsensusConfig             `yaml:"consensus"`
	Defaults  DefaultsConfig              `yaml:"defaults"`
	Workers   map[string]WorkerDefinition `yaml:"workers"`
	Telegram  TelegramConfig              `yaml:"telegram"`
	NATS      NATSConfig                  `yaml:"nats"`
	Store     StoreConfig                 `yaml:"store"`
	Web       WebConfig                   `yaml:"web"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Vault     VaultConfig                 `yaml:"vault"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type SwarmConfig struct {
	AuthorityID         string        `yaml:"authority_id"`
	MaxAgents           int           `yaml:"max_agents"`
	Topology            string        `yaml:"topology"`
	UsePool             bool          `yaml:"use_pool"`
	ConsensusTTL        time.Duration `yaml:"consensus_ttl"`
	CachePruneThreshold int           `yaml:"cache_prune_threshold"`
	ShutdownConcurrency int           `yaml:"shutdown_concurrency"`
	ConsensusTimeout    time.Duration `yaml:"consensus_timeout"`
}

type PoolConfig struct {
	MaxSize        int           `yaml:"max_size"`
	MinSize        int           `yaml:"min_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	Policy         string        `yaml:"policy"`
	PrewarmTypes   []string      `yaml:"prewarm_types"`
	WaitAttempts   int           `yaml:"wait_attempts"`
	WaitInterval   time.Duration `yaml:"wait_interval"`
	StrictCapacity bool          `yaml:"strict_capacity"`
}

type ConsensusConfig struct {
	// Mode selects the vote collector: "panel" votes in-process with the
	// configured voters, "bus" gathers votes from workers over NATS.
	Mode    string        `yaml:"mode"`
	Quorum  int           `yaml:"quorum"`
	Timeout time.Duration `yaml:"timeout"`
	Voters  []string      `yaml:"voters"`
}

// DefaultsConfig holds fallback values for worker definitions.
type DefaultsConfig struct {
	Runtime string `yaml:"runtime"` // docker or memory
	Image   string `yaml:"image"`
	Model   string `yaml:"model"`
	// WorkspaceDir holds per-type worker workspaces mounted into containers.
	WorkspaceDir string `yaml:"workspace_dir"`
}

type WorkerDefinition struct {
	Description  string            `yaml:"description"`
	Image        string            `yaml:"image"`
	Model        string            `yaml:"model"`
	Capabilities []string          `yaml:"capabilities"`
	Env          map[string]string `yaml:"env"`
}

type TelegramConfig struct {
	Token  string   `yaml:"token"`
	ChatID int64    `yaml:"chat_id"`
	Events []string `yaml:"events"`
}

type NATSConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// AdvertiseHost is the name worker containers reach the gateway by.
	AdvertiseHost string `yaml:"advertise_host"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Swarm: SwarmConfig{
			AuthorityID:         "queen",
			MaxAgents:           10,
			Topology:            "hierarchical",
			UsePool:             true,
			ConsensusTTL:        30 * time.Second,
			CachePruneThreshold: 100,
			ShutdownConcurrency: 8,
		},
		Pool: PoolConfig{
			MaxSize:      10,
			MinSize:      2,
			IdleTimeout:  5 * time.Minute,
			Policy:       "lru",
			PrewarmTypes: []string{"programmer", "tester"},
			WaitAttempts: 50,
			WaitInterval: 100 * time.Millisecond,
		},
		Consensus: ConsensusConfig{
			Mode:    "panel",
			Quorum:  3,
			Timeout: 10 * time.Second,
			Voters:  []string{"architect", "reviewer", "tester"},
		},
		Defaults: DefaultsConfig{
			Runtime:      "memory",
			Image:        "hive-worker:latest",
			WorkspaceDir: "data/workspaces",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval:        30 * time.Second,
			MaintenanceInterval: time.Minute,
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("HIVE_CONFIG"); p != "" {
		return p
	}
	return "config/hive.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Swarm.Topology {
	case "hierarchical", "mesh", "ring", "star":
	default:
		return fmt.Errorf("invalid swarm.topology %q", c.Swarm.Topology)
	}
	switch c.Pool.Policy {
	case "fifo", "lifo", "lru":
	default:
		return fmt.Errorf("invalid pool.policy %q", c.Pool.Policy)
	}
	switch c.Consensus.Mode {
	case "panel", "bus":
	default:
		return fmt.Errorf("invalid consensus.mode %q", c.Consensus.Mode)
	}
	switch c.Defaults.Runtime {
	case "docker", "memory":
	default:
		return fmt.Errorf("invalid defaults.runtime %q", c.Defaults.Runtime)
	}
	if c.Swarm.MaxAgents <= 0 {
		return fmt.Errorf("swarm.max_agents must be positive, got %d", c.Swarm.MaxAgents)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HIVE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("HIVE_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAgents = n
		}
	}
	if v := os.Getenv("HIVE_RUNTIME"); v != "" {
		cfg.Defaults.Runtime = v
	}
	if v := os.Getenv("HIVE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HIVE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("HIVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
