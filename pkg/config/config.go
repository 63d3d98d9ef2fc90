package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the trading core. It is loaded once at
// process start and treated as immutable for the duration of the run.
type Config struct {
	Scanner ScannerConfig `yaml:"scanner"`
	Watch   WatchConfig   `yaml:"watch"`
	Entry   EntryConfig   `yaml:"entry"`
	Exit    ExitConfig    `yaml:"exit"`
	Risk    RiskConfig    `yaml:"risk"`
	Exec    ExecConfig    `yaml:"execution"`
	Runtime RuntimeConfig `yaml:"-"`
}

// SessionWindow is a trading window in exchange-local (ET) wall time.
type SessionWindow struct {
	Start string `yaml:"start"` // "09:30"
	End   string `yaml:"end"`   // "15:55"
}

// ScannerConfig gates which feature records become alerts.
type ScannerConfig struct {
	MinPrice        float64         `yaml:"min_price"`
	MaxPrice        float64         `yaml:"max_price"`
	DayMovePct      float64         `yaml:"day_move_pct"`      // total move vs prev close
	IntradayMovePct float64         `yaml:"intraday_move_pct"` // move vs session open
	OpeningRV       float64         `yaml:"opening_rv"`        // RV gate during the opening window
	IntradayRV      float64         `yaml:"intraday_rv"`       // RV gate for the rest of the session
	VolumeOverride  float64         `yaml:"volume_override"`   // absolute volume bypassing the RV gate
	MaxSpreadPct    float64         `yaml:"max_spread_pct"`
	FloatLowThresh  float64         `yaml:"float_low_thresh"` // low-float tag
	MaxHalts        int             `yaml:"max_halts"`        // halt-flag tag above this count
	SessionWindows  []SessionWindow `yaml:"session_windows"`
}

// WatchConfig bounds the micro-pullback validation.
type WatchConfig struct {
	TimeoutMinutes   int     `yaml:"timeout_minutes"`
	MaxRedBars       int     `yaml:"max_red_bars"`
	MinRetracePct    float64 `yaml:"min_retrace_pct"`
	MaxRetracePct    float64 `yaml:"max_retrace_pct"`
	MaxLegRetrace    float64 `yaml:"max_leg_retrace"` // fraction of breakout leg
	MaxPullVolRatio  float64 `yaml:"max_pull_vol_ratio"`
	MaxPullVolShares float64 `yaml:"max_pull_vol_shares"`
	VWAPSlackPct     float64 `yaml:"vwap_slack_pct"`
	MinAboveBasePct  float64 `yaml:"min_above_base_pct"` // close must hold above spike base by this much
}

// EntryConfig governs the breakout trigger and order shaping.
type EntryConfig struct {
	TimeoutMinutes int     `yaml:"timeout_minutes"`
	TickSize       float64 `yaml:"tick_size"`
	FirstFillPct   float64 `yaml:"first_fill_pct"` // fraction of sized qty on the first intent
	MaxSpreadPct   float64 `yaml:"max_spread_pct"`
	AllowAddOn     bool    `yaml:"allow_add_on"`
}

// ExitConfig governs the exit ladder.
type ExitConfig struct {
	StopMinPct      float64 `yaml:"stop_min_pct"`    // 2% of entry
	StopMinAbs      float64 `yaml:"stop_min_abs"`    // $0.05
	StopATRMult     float64 `yaml:"stop_atr_mult"`   // 0.3 x ATR(1m)
	VWAPStopSlack   float64 `yaml:"vwap_stop_slack"` // VWAP - 0.5%
	EMATrailSlack   float64 `yaml:"ema_trail_slack"` // EMA9 - 0.1%
	TightTrailSlack float64 `yaml:"tight_trail_slack"`
	ScaleOutFrac    float64 `yaml:"scale_out_frac"` // closed at +3R
	SkimEnabled     bool    `yaml:"skim_enabled"`
	SkimFrac        float64 `yaml:"skim_frac"` // optional extra at +5R
	TightenAtR      float64 `yaml:"tighten_at_r"`
	FlatTime        string  `yaml:"flat_time"` // "15:55"
}

// MoodCaps is one row of the per-mood sizing table.
type MoodCaps struct {
	CapitalPct      float64 `yaml:"capital_pct"`
	RiskPct         float64 `yaml:"risk_pct"`
	BigFloatRiskPct float64 `yaml:"big_float_risk_pct"` // cap when float > big_float_thresh
}

// RiskConfig holds account-level limits.
type RiskConfig struct {
	Hot            MoodCaps `yaml:"hot"`
	Neutral        MoodCaps `yaml:"neutral"`
	Cold           MoodCaps `yaml:"cold"`
	BigFloatThresh float64  `yaml:"big_float_thresh"`
	DailyLossPct   float64  `yaml:"daily_loss_pct"`  // 0.04 = -4% of start-of-day equity
	WeeklyLossPct  float64  `yaml:"weekly_loss_pct"` // 0.10 = -10% of start-of-week equity
	MaxPositions   int      `yaml:"max_positions"`
	BoostedEquity  float64  `yaml:"boosted_equity"` // equity unlocking the higher cap
	BoostedMaxPos  int      `yaml:"boosted_max_positions"`
	BlockColdArmed bool     `yaml:"block_cold_armed"`
}

// ExecConfig bounds the order lifecycle.
type ExecConfig struct {
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	ReplaceTicks int           `yaml:"replace_ticks"` // price adjustment per cancel-replace
}

// UnmarshalYAML accepts Go duration syntax ("2s") for ack_timeout. Omitted
// fields keep their prior (default) values.
func (e *ExecConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AckTimeout   string `yaml:"ack_timeout"`
		MaxRetries   *int   `yaml:"max_retries"`
		ReplaceTicks *int   `yaml:"replace_ticks"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.AckTimeout != "" {
		d, err := time.ParseDuration(raw.AckTimeout)
		if err != nil {
			return fmt.Errorf("parse ack_timeout: %w", err)
		}
		e.AckTimeout = d
	}
	if raw.MaxRetries != nil {
		e.MaxRetries = *raw.MaxRetries
	}
	if raw.ReplaceTicks != nil {
		e.ReplaceTicks = *raw.ReplaceTicks
	}
	return nil
}

// RuntimeConfig carries environment-driven process settings.
type RuntimeConfig struct {
	Port         string
	DBPath       string
	JWTSecret    string
	OperatorKey  string
	FeedMode     string // "mock", "replay", "ws"
	FeedURL      string
	ReplayDir    string
	Symbols      []string
	IndexProxies []string
	StartingCash float64
}

// Load reads the YAML config at path and applies environment overrides
// (optionally via .env).
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Runtime = RuntimeConfig{
		Port:         getEnv("PORT", "8080"),
		DBPath:       getEnv("DB_PATH", "./data/trades.db"),
		JWTSecret:    getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey:  getEnv("OPERATOR_KEY", ""),
		FeedMode:     getEnv("FEED_MODE", "mock"),
		FeedURL:      getEnv("FEED_URL", ""),
		ReplayDir:    getEnv("REPLAY_DIR", "./data/bars"),
		Symbols:      splitAndTrim(getEnv("SYMBOLS", "")),
		IndexProxies: splitAndTrim(getEnv("INDEX_PROXIES", "SPY,QQQ,IWM")),
		StartingCash: getEnvFloat("STARTING_CASH", 3_000),
	}
	return cfg, nil
}

// Default returns the canonical parameter set. Where strategy notes
// disagreed ($1-$20 vs $2-$20 band, 3.5x opening vs 5x intraday RV) the
// values here are the operative choice.
func Default() *Config {
	return &Config{
		Scanner: ScannerConfig{
			MinPrice:        1.0,
			MaxPrice:        20.0,
			DayMovePct:      10.0,
			IntradayMovePct: 8.0,
			OpeningRV:       3.5,
			IntradayRV:      5.0,
			VolumeOverride:  250_000,
			MaxSpreadPct:    1.5,
			FloatLowThresh:  20_000_000,
			MaxHalts:        3,
			SessionWindows: []SessionWindow{
				{Start: "09:30", End: "11:30"},
				{Start: "13:30", End: "15:55"},
			},
		},
		Watch: WatchConfig{
			TimeoutMinutes:   30,
			MaxRedBars:       2,
			MinRetracePct:    2.0,
			MaxRetracePct:    6.0,
			MaxLegRetrace:    0.5,
			MaxPullVolRatio:  0.4,
			MaxPullVolShares: 200_000,
			VWAPSlackPct:     0.5,
			MinAboveBasePct:  25.0,
		},
		Entry: EntryConfig{
			TimeoutMinutes: 30,
			TickSize:       0.01,
			FirstFillPct:   0.5,
			MaxSpreadPct:   1.5,
			AllowAddOn:     true,
		},
		Exit: ExitConfig{
			StopMinPct:      0.02,
			StopMinAbs:      0.05,
			StopATRMult:     0.3,
			VWAPStopSlack:   0.005,
			EMATrailSlack:   0.001,
			TightTrailSlack: 0.0025,
			ScaleOutFrac:    1.0 / 3.0,
			SkimEnabled:     false,
			SkimFrac:        0.25,
			TightenAtR:      8,
			FlatTime:        "15:55",
		},
		Risk: RiskConfig{
			Hot:            MoodCaps{CapitalPct: 0.35, RiskPct: 0.025, BigFloatRiskPct: 0.02},
			Neutral:        MoodCaps{CapitalPct: 0.30, RiskPct: 0.02, BigFloatRiskPct: 0.015},
			Cold:           MoodCaps{CapitalPct: 0.25, RiskPct: 0.015, BigFloatRiskPct: 0.01},
			BigFloatThresh: 50_000_000,
			DailyLossPct:   0.04,
			WeeklyLossPct:  0.10,
			MaxPositions:   1,
			BoostedEquity:  5_000,
			BoostedMaxPos:  2,
			BlockColdArmed: true,
		},
		Exec: ExecConfig{
			AckTimeout:   2 * time.Second,
			MaxRetries:   3,
			ReplaceTicks: 1,
		},
	}
}

func (c *Config) validate() error {
	if c.Scanner.MinPrice <= 0 || c.Scanner.MaxPrice <= c.Scanner.MinPrice {
		return fmt.Errorf("invalid scanner price band [%.2f, %.2f]", c.Scanner.MinPrice, c.Scanner.MaxPrice)
	}
	if c.Watch.MaxRetracePct <= c.Watch.MinRetracePct {
		return fmt.Errorf("invalid pullback band [%.1f, %.1f]", c.Watch.MinRetracePct, c.Watch.MaxRetracePct)
	}
	if c.Entry.FirstFillPct <= 0 || c.Entry.FirstFillPct > 1 {
		return fmt.Errorf("first_fill_pct must be in (0, 1], got %.2f", c.Entry.FirstFillPct)
	}
	if c.Exec.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.Exec.MaxRetries)
	}
	if len(c.Scanner.SessionWindows) == 0 {
		return fmt.Errorf("at least one session window required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
