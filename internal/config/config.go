// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every key overridable via BOT_* environment variables; the file itself is
// optional so env-only deployments work.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode    string        `mapstructure:"mode"`    // "paper" or "live", recorded on every trade
	Profile string        `mapstructure:"profile"` // default risk profile name
	Broker  BrokerConfig  `mapstructure:"broker"`
	Signal  SignalConfig  `mapstructure:"signal"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	API     APIConfig     `mapstructure:"api"`
}

// BrokerConfig selects and configures the brokerage adapter. Credentials may
// be left empty: the engine idles in needs_broker_config until they arrive.
type BrokerConfig struct {
	Name    string        `mapstructure:"name"` // "alpaca" or "gateway"
	Alpaca  AlpacaConfig  `mapstructure:"alpaca"`
	Gateway GatewayConfig `mapstructure:"gateway"`
}

// AlpacaConfig holds the Alpaca REST credentials. BaseURL decides paper vs
// live trading.
type AlpacaConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// GatewayConfig points at a locally running IBKR Client Portal gateway.
type GatewayConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AccountID string `mapstructure:"account_id"`
}

// SignalConfig locates the upstream analytics service.
//
//   - BaseURL: REST root; scores are polled from <base_url>/snapshot.
//   - PushURL: websocket push channel; empty disables the push path and the
//     feed runs on polling alone.
//   - PushToken: bearer token sent in the push connect frame.
//   - PollSeconds: snapshot poll cadence.
type SignalConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	PushURL     string `mapstructure:"push_url"`
	PushToken   string `mapstructure:"push_token"`
	PollSeconds int    `mapstructure:"poll_seconds"`
}

// EngineConfig tunes the decision loop. Durations are plain seconds so the
// same numbers work from YAML and from env.
//
//   - DecisionSeconds: tick cadence.
//   - SignalStaleSeconds: feed age that flips the engine into safe mode.
//   - MissingSymbolGraceSeconds: how long a held symbol may be absent from
//     the score map before it is closed.
//   - SafeReduceStepSeconds / SafeReducePerStep: graceful-reduction throttle.
//   - SafeStaleEscalateSeconds: feed age at which safe mode closes everything.
//   - CooldownSeconds: per-symbol re-entry cooldown after an open.
//   - AccountPollSeconds: minimum spacing between broker account fetches.
//   - CashBuffer: equity fraction kept uninvested.
//   - MinWeightPerPos: floor of the score-strength position weight ramp.
//   - ScorePointValueBps: expected edge per score point, for rotation math.
//   - CommissionPerTrade: flat per-order cost; -1 picks a broker-appropriate
//     default (0 for alpaca, 1.0 otherwise).
//   - SlippageBps: assumed one-way slippage for rotation math.
//   - SwitchCostMultiplier: rotation benefit must exceed cost by this factor.
type EngineConfig struct {
	DecisionSeconds           int     `mapstructure:"decision_seconds"`
	SignalStaleSeconds        int     `mapstructure:"signal_stale_seconds"`
	MissingSymbolGraceSeconds int     `mapstructure:"missing_symbol_grace_seconds"`
	SafeReduceStepSeconds     int     `mapstructure:"safe_reduce_step_seconds"`
	SafeReducePerStep         int     `mapstructure:"safe_reduce_per_step"`
	SafeStaleEscalateSeconds  int     `mapstructure:"safe_stale_escalate_seconds"`
	CooldownSeconds           int     `mapstructure:"cooldown_seconds"`
	AccountPollSeconds        int     `mapstructure:"account_poll_seconds"`
	CashBuffer                float64 `mapstructure:"cash_buffer"`
	MinWeightPerPos           float64 `mapstructure:"min_weight_per_pos"`
	ScorePointValueBps        float64 `mapstructure:"score_point_value_bps"`
	CommissionPerTrade        float64 `mapstructure:"commission_per_trade"`
	SlippageBps               float64 `mapstructure:"slippage_bps"`
	SwitchCostMultiplier      float64 `mapstructure:"switch_cost_multiplier"`
}

// StoreConfig sets where runtime state and the trade log are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the status API server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file (if it exists) with env var overrides.
// Secrets use env vars: BOT_ALPACA_API_KEY, BOT_ALPACA_API_SECRET,
// BOT_PUSH_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindTunables(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BOT_ALPACA_API_KEY"); key != "" {
		cfg.Broker.Alpaca.APIKey = key
	}
	if secret := os.Getenv("BOT_ALPACA_API_SECRET"); secret != "" {
		cfg.Broker.Alpaca.APISecret = secret
	}
	if token := os.Getenv("BOT_PUSH_TOKEN"); token != "" {
		cfg.Signal.PushToken = token
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("profile", "balanced")

	v.SetDefault("broker.name", "alpaca")
	v.SetDefault("broker.alpaca.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.gateway.base_url", "https://localhost:5000/v1/api")

	v.SetDefault("signal.poll_seconds", 20)

	v.SetDefault("engine.decision_seconds", 12)
	v.SetDefault("engine.signal_stale_seconds", 480)
	v.SetDefault("engine.missing_symbol_grace_seconds", 180)
	v.SetDefault("engine.safe_reduce_step_seconds", 60)
	v.SetDefault("engine.safe_reduce_per_step", 1)
	v.SetDefault("engine.safe_stale_escalate_seconds", 900)
	v.SetDefault("engine.cooldown_seconds", 240)
	v.SetDefault("engine.account_poll_seconds", 20)
	v.SetDefault("engine.cash_buffer", 0.05)
	v.SetDefault("engine.min_weight_per_pos", 0.08)
	v.SetDefault("engine.score_point_value_bps", 4.0)
	v.SetDefault("engine.commission_per_trade", -1.0)
	v.SetDefault("engine.slippage_bps", 2.5)
	v.SetDefault("engine.switch_cost_multiplier", 1.5)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.allowed_origins", []string{"*"})
}

// bindTunables maps the historical flat env names onto their nested keys, so
// BOT_DECISION_SECONDS keeps working alongside BOT_ENGINE_DECISION_SECONDS.
func bindTunables(v *viper.Viper) {
	bind := func(key, env string) {
		_ = v.BindEnv(key, env, "BOT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	bind("engine.decision_seconds", "BOT_DECISION_SECONDS")
	bind("engine.signal_stale_seconds", "BOT_SIGNAL_STALE_SECONDS")
	bind("engine.missing_symbol_grace_seconds", "BOT_MISSING_SYMBOL_GRACE_SECONDS")
	bind("engine.safe_reduce_step_seconds", "BOT_SAFE_REDUCE_STEP_SECONDS")
	bind("engine.safe_reduce_per_step", "BOT_SAFE_REDUCE_PER_STEP")
	bind("engine.safe_stale_escalate_seconds", "BOT_SAFE_STALE_ESCALATE_SECONDS")
	bind("engine.cooldown_seconds", "BOT_COOLDOWN_SECONDS")
	bind("engine.account_poll_seconds", "BOT_ACCOUNT_POLL_SECONDS")
	bind("engine.cash_buffer", "BOT_CASH_BUFFER")
	bind("engine.min_weight_per_pos", "BOT_MIN_WEIGHT_PER_POS")
	bind("engine.score_point_value_bps", "BOT_SCORE_POINT_VALUE_BPS")
	bind("engine.commission_per_trade", "BOT_COMMISSION_PER_TRADE")
	bind("engine.slippage_bps", "BOT_SLIPPAGE_BPS")
	bind("engine.switch_cost_multiplier", "BOT_SWITCH_COST_MULTIPLIER")
}

// Validate checks required fields and value ranges. Broker credentials are
// deliberately not required here: the engine waits in needs_broker_config
// until they are supplied.
func (c *Config) Validate() error {
	switch c.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("mode must be \"paper\" or \"live\", got %q", c.Mode)
	}
	switch c.Broker.Name {
	case "alpaca", "gateway":
	default:
		return fmt.Errorf("broker.name must be \"alpaca\" or \"gateway\", got %q", c.Broker.Name)
	}
	if c.Signal.BaseURL == "" {
		return fmt.Errorf("signal.base_url is required (set BOT_SIGNAL_BASE_URL)")
	}
	if c.Signal.PollSeconds <= 0 {
		return fmt.Errorf("signal.poll_seconds must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Engine.DecisionSeconds <= 0 {
		return fmt.Errorf("engine.decision_seconds must be > 0")
	}
	if c.Engine.CashBuffer < 0 || c.Engine.CashBuffer >= 1 {
		return fmt.Errorf("engine.cash_buffer must be in [0, 1)")
	}
	if c.Engine.MinWeightPerPos <= 0 || c.Engine.MinWeightPerPos > 1 {
		return fmt.Errorf("engine.min_weight_per_pos must be in (0, 1]")
	}
	if c.Engine.SafeReducePerStep < 1 {
		return fmt.Errorf("engine.safe_reduce_per_step must be >= 1")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port, got %d", c.API.Port)
	}
	return nil
}

// Seconds converts a numeric seconds tunable into a time.Duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
