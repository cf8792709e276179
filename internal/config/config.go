// Package config loads the engine configuration with precedence:
// defaults, then YAML, then environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/veloxtrade/riskcore/internal/anomaly"
	"github.com/veloxtrade/riskcore/internal/evgate"
	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/reconcile"
	"github.com/veloxtrade/riskcore/internal/risk"
	"github.com/veloxtrade/riskcore/internal/sim"
)

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig configures the persistence layer. An empty DSN selects
// in-memory stores; restart recovery then has nothing to replay.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"poolSize"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// FeesConfig aggregates venue schedules and the jurisdiction tax rule.
type FeesConfig struct {
	Schedules []fees.Schedule `yaml:"schedules"`
	Tax       fees.TaxRule    `yaml:"tax"`
}

// FXConfig configures the currency conversion cache. Rates maps "FROM/TO"
// pairs to fixed rates used to seed the cache and drive the refresh loop.
type FXConfig struct {
	BaseCurrency    string                     `yaml:"baseCurrency"`
	MaxAge          time.Duration              `yaml:"maxAge"`
	RefreshInterval time.Duration              `yaml:"refreshInterval"`
	Rates           map[string]decimal.Decimal `yaml:"rates"`
}

// EngineConfig sizes the intent pipeline and paces the mark-to-market loop.
type EngineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queueSize"`
	MarksInterval time.Duration `yaml:"marksInterval"`
}

// Config is the unified engine configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Postgres  PostgresConfig   `yaml:"postgres"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Limits    risk.Limits      `yaml:"limits"`
	EVGate    evgate.Config    `yaml:"evGate"`
	Fees      FeesConfig       `yaml:"fees"`
	FX        FXConfig         `yaml:"fx"`
	Sim       sim.Config       `yaml:"sim"`
	Anomaly   anomaly.Config   `yaml:"anomaly"`
	Reconcile reconcile.Config `yaml:"reconcile"`
	Engine    EngineConfig     `yaml:"engine"`
}

// Default returns the built-in configuration. Operator tokens carry no
// default; they must come from YAML or RISKCORE_OPERATORS.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8780"},
		Postgres: PostgresConfig{DSN: "", PoolSize: 8},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "riskcore",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
		Limits: risk.Limits{
			MaxTradeNotional:     decimal.NewFromInt(10000),
			MaxAggregateNotional: decimal.NewFromInt(100000),
			MaxDailyLoss:         decimal.NewFromInt(5000),
			OrderThrottle:        10,
			AnomalyTripCount:     3,
			AnomalyWindow:        5 * time.Minute,
			CancelDeadline:       2 * time.Second,
		},
		EVGate: evgate.DefaultConfig(),
		Fees: FeesConfig{
			Schedules: []fees.Schedule{{
				Venue:    "paper",
				MakerBps: decimal.NewFromInt(2),
				TakerBps: decimal.NewFromInt(5),
			}},
		},
		FX: FXConfig{
			BaseCurrency:    "USD",
			MaxAge:          time.Minute,
			RefreshInterval: 15 * time.Second,
		},
		Sim:       sim.DefaultConfig(),
		Anomaly:   anomaly.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		Engine:    EngineConfig{Workers: 4, QueueSize: 64, MarksInterval: 5 * time.Second},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// RISKCORE_CONFIG when path is empty), and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := cfg.loadYAML(path); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("RISKCORE_CONFIG"))
	}
	if path == "" {
		path = "config/engine.yaml"
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	raw, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("RISKCORE_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_POSTGRES_DSN")); v != "" {
		c.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_OPERATORS")); v != "" {
		tokens := make([]string, 0, 2)
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens = append(tokens, token)
			}
		}
		c.Limits.Operators = tokens
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate checks the final configuration and fills derived defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8780"
	}
	if c.Postgres.PoolSize <= 0 {
		c.Postgres.PoolSize = 8
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "riskcore"
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.EVGate.Validate(); err != nil {
		return err
	}
	if _, err := fees.NewModel(c.Fees.Schedules, c.Fees.Tax); err != nil {
		return err
	}
	if strings.TrimSpace(c.FX.BaseCurrency) == "" {
		return fmt.Errorf("fx baseCurrency required")
	}
	if c.FX.MaxAge <= 0 || c.FX.RefreshInterval <= 0 {
		return fmt.Errorf("fx maxAge and refreshInterval must be positive")
	}
	if err := c.Sim.Validate(); err != nil {
		return err
	}
	if err := c.Anomaly.Validate(); err != nil {
		return err
	}
	if err := c.Reconcile.Validate(); err != nil {
		return err
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.QueueSize <= 0 {
		c.Engine.QueueSize = 64
	}
	if c.Engine.MarksInterval <= 0 {
		c.Engine.MarksInterval = 5 * time.Second
	}
	return nil
}
