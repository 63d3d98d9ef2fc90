package feed

import (
	"context"
	"time"
)

// FeatureRecord is one normalized per-minute bar for a symbol, enriched with
// the indicator set the engines consume. Indicator computation happens
// upstream; the core treats the record as a pure data input.
type FeatureRecord struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	VWAP     float64 `json:"vwap"` // session anchored
	EMA9     float64 `json:"ema9"`
	EMA20    float64 `json:"ema20"`
	EMA200   float64 `json:"ema200"`
	MACD     float64 `json:"macd"`
	MACDSig  float64 `json:"macd_signal"`
	MACDHist float64 `json:"macd_hist"`
	ATR      float64 `json:"atr"`
	ADX      float64 `json:"adx"`

	SpreadPct   float64 `json:"spread_pct"`
	FloatShares float64 `json:"float"`
	Halts       int     `json:"halts"`

	PrevClose   float64 `json:"prev_close"`
	SessionOpen float64 `json:"session_open"`
	DayHigh     float64 `json:"day_high"`

	// AvgVolSameMin is the 10-day average volume for this same minute slot,
	// the denominator of relative volume.
	AvgVolSameMin float64 `json:"avg_vol_same_min"`
	CumVolume     float64 `json:"cum_volume"`
	AvgDailyVol   float64 `json:"avg_daily_vol"`

	// Trend is the clamped EMA3 slope used in alert quality scoring.
	Trend float64 `json:"trend"`

	// SwingLow is the lower of the prior two bar lows, maintained upstream
	// for the trailing stop.
	SwingLow float64 `json:"swing_low"`
}

// IsRed reports a down bar.
func (r FeatureRecord) IsRed() bool { return r.Close < r.Open }

// DayMovePct is the percent move versus the prior session close.
func (r FeatureRecord) DayMovePct() float64 {
	if r.PrevClose <= 0 {
		return 0
	}
	return (r.Close - r.PrevClose) / r.PrevClose * 100
}

// IntradayMovePct is the percent move versus the session open.
func (r FeatureRecord) IntradayMovePct() float64 {
	if r.SessionOpen <= 0 {
		return 0
	}
	return (r.Close - r.SessionOpen) / r.SessionOpen * 100
}

// RelVolume is volume over the 10-day same-minute average.
func (r FeatureRecord) RelVolume() float64 {
	denom := r.AvgVolSameMin
	if denom < 1 {
		denom = 1
	}
	return r.Volume / denom
}

// HODDistPct is the percent distance below the day high.
func (r FeatureRecord) HODDistPct() float64 {
	if r.DayHigh <= 0 {
		return 0
	}
	return (r.DayHigh - r.Close) / r.DayHigh * 100
}

// Tick is one scheduling slice: every symbol that produced a bar this minute.
// A symbol absent from Records means "no update", not a delisting.
type Tick struct {
	Time    time.Time
	Records map[string]FeatureRecord
}

// Feed supplies ticks to the engine loop, one call per scheduling cycle.
type Feed interface {
	// NextTick blocks until the next tick is available. It returns io.EOF
	// when the feed is exhausted (replay) and ctx.Err() on cancellation.
	NextTick(ctx context.Context) (Tick, error)
}
