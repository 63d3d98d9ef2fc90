package feed

import (
	"context"
	"math/rand"
	"time"
)

// MockFeed generates synthetic bars for local development. One tick per
// Interval of wall time; prices follow a simple random walk.
type MockFeed struct {
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration

	rng   *rand.Rand
	now   time.Time
	last  map[string]FeatureRecord
	ticks int
}

func NewMockFeed(symbols []string, start time.Time) *MockFeed {
	return &MockFeed{
		Symbols:    symbols,
		StartPrice: 5.0,
		Step:       0.05,
		Interval:   time.Second,
		rng:        rand.New(rand.NewSource(start.UnixNano())),
		now:        start,
		last:       make(map[string]FeatureRecord),
	}
}

func (m *MockFeed) NextTick(ctx context.Context) (Tick, error) {
	if m.ticks > 0 && m.Interval > 0 {
		select {
		case <-ctx.Done():
			return Tick{}, ctx.Err()
		case <-time.After(m.Interval):
		}
	}
	m.ticks++
	m.now = m.now.Add(time.Minute)

	records := make(map[string]FeatureRecord, len(m.Symbols))
	for _, sym := range m.Symbols {
		prev, ok := m.last[sym]
		if !ok {
			prev = FeatureRecord{
				Symbol:      sym,
				Close:       m.StartPrice,
				Low:         m.StartPrice,
				PrevClose:   m.StartPrice,
				SessionOpen: m.StartPrice,
				DayHigh:     m.StartPrice,
				VWAP:        m.StartPrice,
				FloatShares: 30_000_000,
			}
		}
		// simple random walk
		open := prev.Close
		cls := open + (m.rng.Float64()*2-1)*m.Step
		high := max(open, cls) + m.rng.Float64()*m.Step/2
		low := min(open, cls) - m.rng.Float64()*m.Step/2
		vol := 50_000 + m.rng.Float64()*100_000

		rec := prev
		rec.TS = m.now
		rec.Open, rec.High, rec.Low, rec.Close = open, high, low, cls
		rec.Volume = vol
		rec.CumVolume = prev.CumVolume + vol
		rec.AvgVolSameMin = 60_000
		rec.AvgDailyVol = 20_000_000
		rec.DayHigh = max(prev.DayHigh, high)
		rec.VWAP = (prev.VWAP*prev.CumVolume + cls*vol) / rec.CumVolume
		rec.EMA9 = ema(prev.EMA9, cls, 9)
		rec.EMA20 = ema(prev.EMA20, cls, 20)
		rec.EMA200 = ema(prev.EMA200, cls, 200)
		rec.MACD = rec.EMA9 - rec.EMA20
		rec.MACDSig = ema(prev.MACDSig, rec.MACD, 9)
		rec.MACDHist = rec.MACD - rec.MACDSig
		rec.ATR = 0.7 * max(high-low, 0.01)
		rec.SpreadPct = 0.5 + m.rng.Float64()*0.5
		rec.SwingLow = min(prev.Low, low)

		m.last[sym] = rec
		records[sym] = rec
	}
	return Tick{Time: m.now, Records: records}, nil
}

func ema(prev, v float64, span int) float64 {
	if prev == 0 {
		return v
	}
	alpha := 2.0 / (float64(span) + 1)
	return prev + alpha*(v-prev)
}
