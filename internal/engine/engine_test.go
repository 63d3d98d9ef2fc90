package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"momentum-core/internal/clock"
	"momentum-core/internal/exec"
	"momentum-core/internal/feed"
	"momentum-core/internal/ledger"
	"momentum-core/internal/lifecycle"
	"momentum-core/internal/regime"
	"momentum-core/internal/risk"
	"momentum-core/internal/scanner"
	"momentum-core/pkg/config"
)

// scriptFeed replays a fixed slice of ticks.
type scriptFeed struct {
	ticks []feed.Tick
	i     int
}

func (f *scriptFeed) NextTick(context.Context) (feed.Tick, error) {
	if f.i >= len(f.ticks) {
		return feed.Tick{}, io.EOF
	}
	tk := f.ticks[f.i]
	f.i++
	return tk, nil
}

// autoBroker instantly fills limit orders at their limit and market orders
// at the test-controlled mark.
type autoBroker struct {
	mu     sync.Mutex
	mark   float64
	seq    int
	states map[exec.OrderRef]exec.OrderState
}

func newAutoBroker() *autoBroker {
	return &autoBroker{states: make(map[exec.OrderRef]exec.OrderState)}
}

func (b *autoBroker) setMark(px float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mark = px
}

func (b *autoBroker) SubmitOrder(_ context.Context, intent exec.OrderIntent) (exec.OrderRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ref := exec.OrderRef(fmt.Sprintf("auto-%d", b.seq))
	px := intent.Price
	if intent.Kind == exec.Market {
		px = b.mark
	}
	b.states[ref] = exec.OrderState{Ref: ref, Ack: exec.Filled, FilledQty: intent.Qty, AvgPrice: px}
	return ref, nil
}

func (b *autoBroker) OrderStatus(_ context.Context, ref exec.OrderRef) (exec.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[ref]
	if !ok {
		return exec.OrderState{}, exec.ErrUnknownOrder
	}
	return st, nil
}

func (b *autoBroker) Cancel(context.Context, exec.OrderRef) error { return nil }

func engineHarness(t *testing.T, ticks []feed.Tick) (*Engine, *autoBroker, *scriptFeed) {
	t.Helper()

	cfg := config.Default()
	cfg.Runtime.IndexProxies = []string{"SPY", "QQQ", "IWM"}
	cfg.Entry.AllowAddOn = false

	scan, err := scanner.New(cfg.Scanner)
	if err != nil {
		t.Fatalf("scanner: %v", err)
	}

	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clk := clock.NewSim(start)
	book := ledger.NewPaper(3000, start)
	broker := newAutoBroker()
	src := &scriptFeed{ticks: ticks}

	eng, err := New(cfg, Deps{
		Feed:    src,
		Scanner: scan,
		Regime:  regime.NewMonitor(cfg, nil),
		Risk:    risk.NewController(cfg.Risk, book, nil, clk),
		Exec:    exec.NewController(broker, nil, clk, cfg.Exec, cfg.Entry.TickSize),
		Ledger:  book,
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng, broker, src
}

func nyBar(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return time.Date(2026, 8, 25, hour, minute, 0, 0, loc)
}

// hotProxies keeps the regime HOT so sizing is never the variable under test.
func hotProxies() map[string]feed.FeatureRecord {
	out := make(map[string]feed.FeatureRecord, 3)
	for _, sym := range []string{"SPY", "QQQ", "IWM"} {
		out[sym] = feed.FeatureRecord{
			Symbol:      sym,
			SessionOpen: 100,
			Close:       101,
			AvgDailyVol: 1_000_000,
			CumVolume:   1_200_000,
		}
	}
	return out
}

func alertBar(ts time.Time) feed.FeatureRecord {
	return feed.FeatureRecord{
		Symbol: "ABCD", TS: ts,
		Open: 4.90, High: 5.00, Low: 4.85, Close: 5.00, Volume: 300_000,
		VWAP: 4.80, ATR: 0.10,
		SpreadPct: 0.8, FloatShares: 30_000_000,
		PrevClose: 4.46, SessionOpen: 4.60, DayHigh: 5.00,
		AvgVolSameMin: 50_000, Trend: 0.5,
	}
}

func withABCD(base map[string]feed.FeatureRecord, rec feed.FeatureRecord) map[string]feed.FeatureRecord {
	base["ABCD"] = rec
	return base
}

func TestOneInstancePerSymbol(t *testing.T) {
	t1 := nyBar(t, 10, 0)
	t2 := nyBar(t, 10, 1)
	// Both bars pass every alert gate; only the first creates an instance.
	ticks := []feed.Tick{
		{Time: t1, Records: withABCD(hotProxies(), alertBar(t1))},
		{Time: t2, Records: withABCD(hotProxies(), alertBar(t2))},
	}
	eng, _, _ := engineHarness(t, ticks)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := eng.Snapshot()
	if len(snap.Instances) != 1 {
		t.Fatalf("instances = %d, want 1 per symbol", len(snap.Instances))
	}
	if snap.Instances[0].Symbol != "ABCD" || snap.Instances[0].State != string(lifecycle.StateWatch) {
		t.Fatalf("instance = %+v, want ABCD in WATCH", snap.Instances[0])
	}
	if snap.Mood != "HOT" {
		t.Fatalf("mood = %s, want HOT", snap.Mood)
	}
}

func TestIndexProxiesNeverAlert(t *testing.T) {
	t1 := nyBar(t, 10, 0)
	// Give a proxy numbers that would alert if it were scanned.
	recs := hotProxies()
	spy := alertBar(t1)
	spy.Symbol = "SPY"
	recs["SPY"] = spy

	eng, _, _ := engineHarness(t, []feed.Tick{{Time: t1, Records: recs}})
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(eng.Snapshot().Instances); got != 0 {
		t.Fatalf("instances = %d, want proxies skipped", got)
	}
}

func TestDayBucketIsExchangeLocal(t *testing.T) {
	// 20:30 ET is already past midnight UTC; the summary day must not roll
	// until the exchange calendar does.
	eng, _, _ := engineHarness(t, nil)
	ctx := context.Background()

	eng.rollDay(ctx, nyBar(t, 19, 0))
	evening := eng.day
	eng.rollDay(ctx, nyBar(t, 20, 30)) // 00:30 UTC on the 26th
	if !eng.day.Equal(evening) {
		t.Fatalf("day rolled at %v, want the evening bar kept on %v", eng.day, evening)
	}

	next := nyBar(t, 9, 30).AddDate(0, 0, 1)
	eng.rollDay(ctx, next)
	if eng.day.Equal(evening) {
		t.Fatalf("day did not roll on the next exchange date")
	}
}

func TestFullTradeLifecycle(t *testing.T) {
	t1 := nyBar(t, 10, 0)
	t2 := nyBar(t, 10, 1)
	t3 := nyBar(t, 10, 2)
	t4 := nyBar(t, 10, 3)
	t5 := nyBar(t, 10, 4)

	pullback := feed.FeatureRecord{
		Symbol: "ABCD", TS: t2,
		Open: 4.93, High: 4.87, Low: 4.83, Close: 4.85, Volume: 80_000,
		VWAP: 4.80, ATR: 0.10, SpreadPct: 0.8,
		PrevClose: 4.46, SessionOpen: 4.60,
	}
	trigger := feed.FeatureRecord{
		Symbol: "ABCD", TS: t3,
		Open: 4.85, High: 4.90, Low: 4.84, Close: 4.89, Volume: 100_000,
		VWAP: 4.80, ATR: 0.10, SpreadPct: 0.8, MACDHist: 0.02,
		PrevClose: 4.46, SessionOpen: 4.60,
	}
	stopRun := feed.FeatureRecord{
		Symbol: "ABCD", TS: t4,
		Open: 4.72, High: 4.80, Low: 4.70, Close: 4.77, Volume: 120_000,
		VWAP: 4.80, ATR: 0.10, SpreadPct: 0.8,
		PrevClose: 4.46, SessionOpen: 4.60,
	}

	ticks := []feed.Tick{
		{Time: t1, Records: withABCD(hotProxies(), alertBar(t1))},
		{Time: t2, Records: withABCD(hotProxies(), pullback)},
		{Time: t3, Records: withABCD(hotProxies(), trigger)},
		{Time: t4, Records: withABCD(hotProxies(), stopRun)},
		{Time: t5, Records: hotProxies()}, // data gap; the close still reaps
	}
	eng, broker, _ := engineHarness(t, ticks)
	ctx := context.Background()
	broker.setMark(4.75)

	// Tick by tick so intermediate snapshots are observable.
	for _, tk := range ticks[:3] {
		eng.processTick(ctx, tk)
	}

	snap := eng.Snapshot()
	if len(snap.Instances) != 1 || snap.Instances[0].State != string(lifecycle.StateEntry) {
		t.Fatalf("snapshot after trigger = %+v, want one ENTRY instance", snap.Instances)
	}
	// HOT caps on $3000 settled: floor(0.35*3000/4.90 * 0.5) shares.
	if snap.Instances[0].Qty != 107 {
		t.Fatalf("qty = %.0f, want 107", snap.Instances[0].Qty)
	}
	if snap.OpenPositions != 1 {
		t.Fatalf("open positions = %d, want 1", snap.OpenPositions)
	}

	eng.processTick(ctx, ticks[3]) // low trades through the stop
	eng.processTick(ctx, ticks[4]) // instance observes the flat book and closes

	snap = eng.Snapshot()
	if len(snap.Instances) != 0 {
		t.Fatalf("instances = %d, want closed instance reaped", len(snap.Instances))
	}
	if snap.OpenPositions != 0 {
		t.Fatalf("open positions = %d, want 0", snap.OpenPositions)
	}
	if snap.Budget.RealizedToday >= 0 {
		t.Fatalf("realized = %.2f, want a booked loss", snap.Budget.RealizedToday)
	}
	// The symbol is free again: a fresh alert may create a new instance.
	t6 := nyBar(t, 10, 5)
	eng.processTick(ctx, feed.Tick{Time: t6, Records: withABCD(hotProxies(), alertBar(t6))})
	if got := len(eng.Snapshot().Instances); got != 1 {
		t.Fatalf("instances after reap = %d, want symbol reusable", got)
	}
}
