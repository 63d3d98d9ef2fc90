package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ReplayFeed replays per-symbol bar CSVs from a directory, merging all
// symbols into minute-aligned ticks. Files are named SYMBOL.csv with a
// header row; the engine sees the exact tick sequence a live session would
// have produced, which keeps live and backtest on the same code path.
type ReplayFeed struct {
	ticks []Tick
	pos   int
}

// csv column order, matching the preprocessed bar export.
var replayColumns = []string{
	"ts", "open", "high", "low", "close", "volume",
	"vwap", "ema9", "ema20", "ema200", "macd", "macd_signal", "macd_hist",
	"atr", "adx", "spread_pct", "float", "halts",
	"prev_close", "session_open", "day_high",
	"avg_vol_same_min", "cum_volume", "avg_daily_vol", "trend", "swing_low",
}

// NewReplayFeed loads every *.csv under dir.
func NewReplayFeed(dir string) (*ReplayFeed, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("glob bars: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no bar files under %s", dir)
	}

	byMinute := make(map[time.Time]map[string]FeatureRecord)
	for _, p := range paths {
		symbol := strings.ToUpper(strings.TrimSuffix(filepath.Base(p), ".csv"))
		if err := loadSymbolBars(p, symbol, byMinute); err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
	}

	minutes := make([]time.Time, 0, len(byMinute))
	for ts := range byMinute {
		minutes = append(minutes, ts)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i].Before(minutes[j]) })

	ticks := make([]Tick, 0, len(minutes))
	for _, ts := range minutes {
		ticks = append(ticks, Tick{Time: ts, Records: byMinute[ts]})
	}
	return &ReplayFeed{ticks: ticks}, nil
}

func (f *ReplayFeed) NextTick(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	if f.pos >= len(f.ticks) {
		return Tick{}, io.EOF
	}
	t := f.ticks[f.pos]
	f.pos++
	return t, nil
}

func loadSymbolBars(path, symbol string, out map[time.Time]map[string]FeatureRecord) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(replayColumns)

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, col := range replayColumns {
		if _, ok := idx[col]; !ok {
			return fmt.Errorf("missing column %q", col)
		}
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339, row[idx["ts"]])
		if err != nil {
			return fmt.Errorf("bad ts %q: %w", row[idx["ts"]], err)
		}
		ts = ts.Truncate(time.Minute)

		num := func(col string) float64 {
			v, _ := strconv.ParseFloat(row[idx[col]], 64)
			return v
		}
		halts, _ := strconv.Atoi(row[idx["halts"]])

		rec := FeatureRecord{
			Symbol:        symbol,
			TS:            ts,
			Open:          num("open"),
			High:          num("high"),
			Low:           num("low"),
			Close:         num("close"),
			Volume:        num("volume"),
			VWAP:          num("vwap"),
			EMA9:          num("ema9"),
			EMA20:         num("ema20"),
			EMA200:        num("ema200"),
			MACD:          num("macd"),
			MACDSig:       num("macd_signal"),
			MACDHist:      num("macd_hist"),
			ATR:           num("atr"),
			ADX:           num("adx"),
			SpreadPct:     num("spread_pct"),
			FloatShares:   num("float"),
			Halts:         halts,
			PrevClose:     num("prev_close"),
			SessionOpen:   num("session_open"),
			DayHigh:       num("day_high"),
			AvgVolSameMin: num("avg_vol_same_min"),
			CumVolume:     num("cum_volume"),
			AvgDailyVol:   num("avg_daily_vol"),
			Trend:         num("trend"),
			SwingLow:      num("swing_low"),
		}

		slot, ok := out[ts]
		if !ok {
			slot = make(map[string]FeatureRecord)
			out[ts] = slot
		}
		slot[symbol] = rec
	}
}
