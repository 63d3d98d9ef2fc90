package scanner

import (
	"fmt"
	"time"

	"momentum-core/internal/feed"
	"momentum-core/pkg/config"
)

// Alert is an immutable breakout candidate emitted by the scanner. It is the
// construction input for a symbol lifecycle instance.
type Alert struct {
	Symbol      string    `json:"symbol"`
	TS          time.Time `json:"ts"`
	Price       float64   `json:"price"`
	DayMovePct  float64   `json:"day_move_pct"`
	RelVolume   float64   `json:"rv"`
	Volume      float64   `json:"volume"`
	SpreadPct   float64   `json:"spread_pct"`
	FloatShares float64   `json:"float"`
	HODDistPct  float64   `json:"hod_dist_pct"`
	Halts       int       `json:"halts"`
	LowFloat    bool      `json:"low_float"`
	HaltFlag    bool      `json:"halt_flag"`
	Quality     float64   `json:"quality"` // rv x trend
}

// Scanner turns feature records into alerts. Stateless aside from the
// immutable configuration; one record in, at most one alert out.
type Scanner struct {
	cfg      config.ScannerConfig
	windows  []window
	loc      *time.Location
	openFrom int // minutes of day, opening RV window
	openTo   int
}

type window struct{ from, to int }

// New builds a scanner; session windows are interpreted in exchange-local
// time (America/New_York).
func New(cfg config.ScannerConfig) (*Scanner, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	windows := make([]window, 0, len(cfg.SessionWindows))
	for _, w := range cfg.SessionWindows {
		from, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("session window start %q: %w", w.Start, err)
		}
		to, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("session window end %q: %w", w.End, err)
		}
		if to <= from {
			return nil, fmt.Errorf("session window %s-%s is empty", w.Start, w.End)
		}
		windows = append(windows, window{from: from, to: to})
	}
	return &Scanner{
		cfg:      cfg,
		windows:  windows,
		loc:      loc,
		openFrom: 9*60 + 30,
		openTo:   9*60 + 45,
	}, nil
}

// Scan evaluates one record. Pure: no side effects besides the returned
// alert. All gates must hold; tags are attached but never block.
func (s *Scanner) Scan(rec feed.FeatureRecord, now time.Time) (Alert, bool) {
	minute := minuteOfDay(now.In(s.loc))
	if !s.inSession(minute) {
		return Alert{}, false
	}
	if rec.Close < s.cfg.MinPrice || rec.Close > s.cfg.MaxPrice {
		return Alert{}, false
	}

	dayMove := rec.DayMovePct()
	if dayMove < s.cfg.DayMovePct && rec.IntradayMovePct() < s.cfg.IntradayMovePct {
		return Alert{}, false
	}

	rv := rec.RelVolume()
	rvGate := s.cfg.IntradayRV
	if minute >= s.openFrom && minute <= s.openTo {
		rvGate = s.cfg.OpeningRV
	}
	if rv < rvGate && rec.Volume < s.cfg.VolumeOverride {
		return Alert{}, false
	}

	if rec.SpreadPct > s.cfg.MaxSpreadPct {
		return Alert{}, false
	}

	return Alert{
		Symbol:      rec.Symbol,
		TS:          now,
		Price:       rec.Close,
		DayMovePct:  dayMove,
		RelVolume:   rv,
		Volume:      rec.Volume,
		SpreadPct:   rec.SpreadPct,
		FloatShares: rec.FloatShares,
		HODDistPct:  rec.HODDistPct(),
		Halts:       rec.Halts,
		LowFloat:    rec.FloatShares > 0 && rec.FloatShares < s.cfg.FloatLowThresh,
		HaltFlag:    rec.Halts > s.cfg.MaxHalts,
		Quality:     rv * rec.Trend,
	}, true
}

func (s *Scanner) inSession(minute int) bool {
	for _, w := range s.windows {
		if minute >= w.from && minute <= w.to {
			return true
		}
	}
	return false
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
