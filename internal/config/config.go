package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable, loaded from a YAML file with environment
// overrides for deployment-sensitive values.
type Config struct {
	App struct {
		Name string `yaml:"name"`
		Env  string `yaml:"env"` // dev | prod
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	WAL struct {
		Dir             string        `yaml:"dir"`
		SegmentSizeMB   int           `yaml:"segment_size_mb"`
		SegmentDuration time.Duration `yaml:"segment_duration"`
	} `yaml:"wal"`

	Engine struct {
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		CommandBuffer     int           `yaml:"command_buffer"`
		DurabilityRetries int           `yaml:"durability_retries"`
		DurabilityBackoff time.Duration `yaml:"durability_backoff"`
		CancelRetention   time.Duration `yaml:"cancel_retention"`
	} `yaml:"engine"`

	STP struct {
		Action            string            `yaml:"action"`
		OrgGroups         map[uint64]uint64 `yaml:"org_groups"`
		CrossMarketGroups [][]string        `yaml:"cross_market_groups"`
		WashWindow        time.Duration     `yaml:"wash_window"`
		WashThreshold     int               `yaml:"wash_threshold"`
	} `yaml:"stp"`

	Depth struct {
		Brokers  []string `yaml:"brokers"`
		Topic    string   `yaml:"topic"`
		Compress bool     `yaml:"compress"`
		Buffer   int      `yaml:"buffer"`
	} `yaml:"depth"`

	Settle struct {
		Brokers    []string      `yaml:"brokers"`
		Topic      string        `yaml:"topic"`
		OutboxDir  string        `yaml:"outbox_dir"`
		Interval   time.Duration `yaml:"interval"`
		BatchSize  int           `yaml:"batch_size"`
		Redeliver  time.Duration `yaml:"redeliver"`
		MaxRetries uint32        `yaml:"max_retries"`
	} `yaml:"settle"`

	Markets map[string]Market `yaml:"markets"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// Market is static reference data for one traded market.
type Market struct {
	MinTick       int64  `yaml:"min_tick"`
	MaxTick       int64  `yaml:"max_tick"`
	Halted        bool   `yaml:"halted"`
	OpensAt       string `yaml:"opens_at"`  // RFC3339, empty means always open
	ClosesAt      string `yaml:"closes_at"` // RFC3339, empty means never closes
	ProRata       bool   `yaml:"pro_rata"`
	ProRataMinQty int64  `yaml:"pro_rata_min_qty"`
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	overrideWithEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	if c.Settle.OutboxDir == "" {
		return fmt.Errorf("settle.outbox_dir is required")
	}
	if len(c.Depth.Brokers) > 0 && c.Depth.Topic == "" {
		return fmt.Errorf("depth.topic is required when depth.brokers is set")
	}
	if len(c.Settle.Brokers) > 0 && c.Settle.Topic == "" {
		return fmt.Errorf("settle.topic is required when settle.brokers is set")
	}
	switch c.STP.Action {
	case "", "REJECT", "CANCEL_RESTING", "CANCEL_INCOMING", "DECREMENT_BOTH":
	default:
		return fmt.Errorf("unknown stp.action %q", c.STP.Action)
	}
	return nil
}

// overrideWithEnv applies deployment overrides where set.
func overrideWithEnv(cfg *Config) {
	if addr := os.Getenv("MATCHBOOK_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if dir := os.Getenv("MATCHBOOK_WAL_DIR"); dir != "" {
		cfg.WAL.Dir = dir
	}
	if dir := os.Getenv("MATCHBOOK_OUTBOX_DIR"); dir != "" {
		cfg.Settle.OutboxDir = dir
	}
	if brokers := os.Getenv("MATCHBOOK_KAFKA_BROKERS"); brokers != "" {
		list := strings.Split(brokers, ",")
		cfg.Depth.Brokers = list
		cfg.Settle.Brokers = list
	}
	if level := os.Getenv("MATCHBOOK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
