// Package config defines all configuration for the liquidation-hunting
// engine. Config is loaded from a single JSON document (default:
// configs/config.json) with credentials overridable via HUNTER_* environment
// variables. The file is watched for changes so symbol settings can be
// adjusted without a restart.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"liqhunter/pkg/types"
)

// Config is the top-level configuration. Maps directly to the JSON file.
type Config struct {
	API     APIConfig               `mapstructure:"api"`
	Global  GlobalConfig            `mapstructure:"global"`
	Symbols map[string]SymbolConfig `mapstructure:"symbols"`
	Server  ServerConfig            `mapstructure:"server"`
	Logging LoggingConfig           `mapstructure:"logging"`
	Venue   VenueConfig             `mapstructure:"venue"`
	ErrLog  ErrLogConfig            `mapstructure:"errorLog"`
}

// APIConfig holds the venue account credentials. Both keys empty together
// with paper mode enabled switches the liquidation feed to simulation.
type APIConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	SecretKey string `mapstructure:"secretKey"`
}

// GlobalConfig holds account-wide trading settings.
type GlobalConfig struct {
	PaperMode          bool    `mapstructure:"paperMode"`
	RiskPercent        float64 `mapstructure:"riskPercent"`
	PositionMode       string  `mapstructure:"positionMode"` // "one-way" or "hedge"
	MaxOpenPositions   int     `mapstructure:"maxOpenPositions"`
	UseThresholdSystem bool    `mapstructure:"useThresholdSystem"`
}

// HedgeMode reports whether the account runs dual-side positions.
func (g GlobalConfig) HedgeMode() bool {
	return g.PositionMode == "hedge"
}

// SymbolConfig is the per-symbol trading profile. All fields are
// hot-reloadable.
type SymbolConfig struct {
	LongVolumeThreshold  float64             `mapstructure:"longVolumeThreshold"`  // USDT
	ShortVolumeThreshold float64             `mapstructure:"shortVolumeThreshold"` // USDT
	Leverage             int                 `mapstructure:"leverage"`
	LongTradeSizeUSDT    float64             `mapstructure:"longTradeSizeUsdt"`  // margin per entry
	ShortTradeSizeUSDT   float64             `mapstructure:"shortTradeSizeUsdt"` // margin per entry
	MaxMarginUSDT        float64             `mapstructure:"maxMarginUsdt"`      // aggregate cap per symbol
	StopLossPercent      float64             `mapstructure:"stopLossPercent"`
	TakeProfitPercent    float64             `mapstructure:"takeProfitPercent"`
	OrderMode            types.PlacementMode `mapstructure:"orderMode"`
	PriceOffsetBps       float64             `mapstructure:"priceOffsetBps"`
	MaxSlippageBps       float64             `mapstructure:"maxSlippageBps"`
	PostOnly             bool                `mapstructure:"postOnly"`
	VWAPProtection       bool                `mapstructure:"vwapProtection"`
	VWAPTimeframe        string              `mapstructure:"vwapTimeframe"`
	VWAPLookback         int                 `mapstructure:"vwapLookback"`
	UseThreshold         bool                `mapstructure:"useThreshold"`
	ThresholdWindowMs    int64               `mapstructure:"thresholdWindowMs"`
	CooldownMs           int64               `mapstructure:"cooldownMs"`
}

// ThresholdWindow returns the sliding-window duration, defaulting to 60s.
func (s SymbolConfig) ThresholdWindow() time.Duration {
	if s.ThresholdWindowMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.ThresholdWindowMs) * time.Millisecond
}

// Cooldown returns the per-side trigger cooldown, defaulting to 30s.
func (s SymbolConfig) Cooldown() time.Duration {
	if s.CooldownMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.CooldownMs) * time.Millisecond
}

// Timeframe returns the VWAP bar size, defaulting to 1m.
func (s SymbolConfig) Timeframe() string {
	if s.VWAPTimeframe == "" {
		return "1m"
	}
	return s.VWAPTimeframe
}

// Lookback returns the VWAP bar count, defaulting to 100.
func (s SymbolConfig) Lookback() int {
	if s.VWAPLookback <= 0 {
		return 100
	}
	return s.VWAPLookback
}

// TradeSize returns the margin allocated for an entry on the given side.
func (s SymbolConfig) TradeSize(side types.Side) float64 {
	if side == types.BUY {
		return s.LongTradeSizeUSDT
	}
	return s.ShortTradeSizeUSDT
}

// SideThreshold returns the instant-mode volume threshold for an entry side.
// BUY entries react to SELL liquidations counted against the long threshold.
func (s SymbolConfig) SideThreshold(side types.Side) float64 {
	if side == types.BUY {
		return s.LongVolumeThreshold
	}
	return s.ShortVolumeThreshold
}

// ServerConfig controls the read-only HTTP/WS facade.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// VenueConfig holds venue endpoints; defaults target the production futures
// API and can be pointed at a testnet.
type VenueConfig struct {
	RESTBaseURL string `mapstructure:"restBaseUrl"`
	WSBaseURL   string `mapstructure:"wsBaseUrl"`
	RecvWindow  int64  `mapstructure:"recvWindow"` // ms
}

// ErrLogConfig sets where the persistent error log lives.
type ErrLogConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads config from a JSON file with env var overrides.
// Credentials use env vars: HUNTER_API_KEY, HUNTER_SECRET_KEY, HUNTER_PAPER.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("HUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("HUNTER_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("HUNTER_SECRET_KEY"); secret != "" {
		cfg.API.SecretKey = secret
	}
	if paper := os.Getenv("HUNTER_PAPER"); paper == "true" || paper == "1" {
		cfg.Global.PaperMode = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Venue.RESTBaseURL == "" {
		cfg.Venue.RESTBaseURL = "https://fapi.binance.com"
	}
	if cfg.Venue.WSBaseURL == "" {
		cfg.Venue.WSBaseURL = "wss://fstream.binance.com"
	}
	if cfg.Venue.RecvWindow <= 0 {
		cfg.Venue.RecvWindow = 5000
	}
	if cfg.Global.MaxOpenPositions <= 0 {
		cfg.Global.MaxOpenPositions = 5
	}
	if cfg.Global.PositionMode == "" {
		cfg.Global.PositionMode = "one-way"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.ErrLog.Path == "" {
		cfg.ErrLog.Path = "data/errors.db"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Global.PaperMode && (c.API.APIKey == "" || c.API.SecretKey == "") {
		return fmt.Errorf("api.apiKey and api.secretKey are required unless global.paperMode is set")
	}
	switch c.Global.PositionMode {
	case "one-way", "hedge":
	default:
		return fmt.Errorf("global.positionMode must be \"one-way\" or \"hedge\", got %q", c.Global.PositionMode)
	}
	if c.Global.MaxOpenPositions < 1 {
		return fmt.Errorf("global.maxOpenPositions must be >= 1")
	}
	for sym, sc := range c.Symbols {
		if sc.Leverage < 1 || sc.Leverage > 125 {
			return fmt.Errorf("symbols.%s.leverage must be in 1..125, got %d", sym, sc.Leverage)
		}
		if sc.StopLossPercent <= 0 {
			return fmt.Errorf("symbols.%s.stopLossPercent must be > 0", sym)
		}
		if sc.TakeProfitPercent <= 0 {
			return fmt.Errorf("symbols.%s.takeProfitPercent must be > 0", sym)
		}
		switch sc.OrderMode {
		case types.ModeLimit, types.ModeMarket:
		default:
			return fmt.Errorf("symbols.%s.orderMode must be \"limit\" or \"market\", got %q", sym, sc.OrderMode)
		}
		if sc.LongTradeSizeUSDT <= 0 && sc.ShortTradeSizeUSDT <= 0 {
			return fmt.Errorf("symbols.%s needs a positive trade size on at least one side", sym)
		}
	}
	return nil
}

// VWAPSymbols lists the symbols that need a kline subscription, keyed by
// timeframe so a combined stream can be composed per interval.
func (c *Config) VWAPSymbols() map[string][]string {
	out := make(map[string][]string)
	for sym, sc := range c.Symbols {
		if sc.VWAPProtection {
			tf := sc.Timeframe()
			out[tf] = append(out[tf], sym)
		}
	}
	return out
}

// SymbolNames returns all configured symbols.
func (c *Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for sym := range c.Symbols {
		out = append(out, sym)
	}
	return out
}

// Provider hands out the current config snapshot. The engine swaps the
// pointer atomically on hot-reload; readers never see a partially applied
// document.
type Provider struct {
	ptr atomic.Pointer[Config]
}

// NewProvider creates a provider seeded with cfg.
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.ptr.Store(cfg)
	return p
}

// Get returns the current snapshot.
func (p *Provider) Get() *Config {
	return p.ptr.Load()
}

// Symbol returns the configuration for one symbol, or false if the symbol
// is not traded.
func (p *Provider) Symbol(symbol string) (SymbolConfig, bool) {
	sc, ok := p.Get().Symbols[symbol]
	return sc, ok
}

// Swap installs a new snapshot and returns the previous one.
func (p *Provider) Swap(cfg *Config) *Config {
	return p.ptr.Swap(cfg)
}

// Watch re-reads the file whenever it changes and hands validated snapshots
// to onChange. Invalid documents are reported via onError and the previous
// snapshot stays active.
func Watch(path string, onChange func(*Config), onError func(error)) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			onError(err)
			return
		}
		if err := cfg.Validate(); err != nil {
			onError(fmt.Errorf("hot-reload rejected: %w", err))
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
