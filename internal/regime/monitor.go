package regime

import (
	"log"
	"time"

	"momentum-core/internal/events"
	"momentum-core/internal/feed"
	"momentum-core/pkg/config"
)

// Mood is the coarse market classification driving risk parameters.
type Mood int

const (
	Cold Mood = iota
	Neutral
	Hot
)

func (m Mood) String() string {
	switch m {
	case Hot:
		return "HOT"
	case Neutral:
		return "NEUTRAL"
	default:
		return "COLD"
	}
}

// State is the published classification for one tick.
type State struct {
	Mood       Mood
	Score      int
	ComputedAt time.Time
}

// Params is the mood-driven parameter row. Centralizing the lookup keeps
// regime-dependent rules out of the individual engines.
type Params struct {
	CapitalPct      float64
	RiskPct         float64
	BigFloatRiskPct float64
	TrailPct        float64 // regime trailing-stop percentage
	PullbackScale   float64 // multiplier on pullback tolerance band
}

// proxy weights follow the barometer composition: small caps carry double
// weight because momentum names live there.
type proxy struct {
	symbol string
	weight int
}

// Monitor classifies market mood from index proxy records each tick.
type Monitor struct {
	proxies []proxy
	table   map[Mood]Params
	bus     *events.Bus
	last    State
}

func NewMonitor(cfg *config.Config, bus *events.Bus) *Monitor {
	proxies := make([]proxy, 0, len(cfg.Runtime.IndexProxies))
	for i, sym := range cfg.Runtime.IndexProxies {
		w := 1
		if i == len(cfg.Runtime.IndexProxies)-1 {
			w = 2 // IWM-style small-cap proxy
		}
		proxies = append(proxies, proxy{symbol: sym, weight: w})
	}
	return &Monitor{
		proxies: proxies,
		table: map[Mood]Params{
			Hot:     {CapitalPct: cfg.Risk.Hot.CapitalPct, RiskPct: cfg.Risk.Hot.RiskPct, BigFloatRiskPct: cfg.Risk.Hot.BigFloatRiskPct, TrailPct: 0.05, PullbackScale: 0.6},
			Neutral: {CapitalPct: cfg.Risk.Neutral.CapitalPct, RiskPct: cfg.Risk.Neutral.RiskPct, BigFloatRiskPct: cfg.Risk.Neutral.BigFloatRiskPct, TrailPct: 0.03, PullbackScale: 1.0},
			Cold:    {CapitalPct: cfg.Risk.Cold.CapitalPct, RiskPct: cfg.Risk.Cold.RiskPct, BigFloatRiskPct: cfg.Risk.Cold.BigFloatRiskPct, TrailPct: 0.015, PullbackScale: 1.4},
		},
		bus: bus,
	}
}

// Update recomputes mood from this tick's index proxy records. Missing
// proxies contribute nothing; classification degrades toward COLD.
func (m *Monitor) Update(records map[string]feed.FeatureRecord, now time.Time) State {
	score := 0
	for _, p := range m.proxies {
		rec, ok := records[p.symbol]
		if !ok {
			continue
		}
		if rec.SessionOpen > 0 && rec.Close > rec.SessionOpen {
			score += p.weight
		}
		if rec.AvgDailyVol > 0 && rec.CumVolume >= rec.AvgDailyVol {
			score += p.weight
		}
	}

	mood := Cold
	switch {
	case score >= 5:
		mood = Hot
	case score >= 3:
		mood = Neutral
	}

	st := State{Mood: mood, Score: score, ComputedAt: now}
	if st.Mood != m.last.Mood && m.bus != nil {
		log.Printf("regime: %s -> %s (score=%d)", m.last.Mood, st.Mood, score)
		m.bus.Publish(events.EventRegimeChange, st)
	}
	m.last = st
	return st
}

// Params returns the parameter row for a mood.
func (m *Monitor) Params(mood Mood) Params {
	return m.table[mood]
}

// Current returns the most recent classification.
func (m *Monitor) Current() State {
	return m.last
}
