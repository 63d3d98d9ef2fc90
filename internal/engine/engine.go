// Package engine runs the discrete scheduling loop: one tick per bar, during
// which the regime is reclassified, the scanner runs once, every live
// instance is evaluated exactly once in alert order, and executions are
// pumped and booked. Nothing in the core runs concurrently with the loop, so
// replay against historical bars reproduces live sequencing exactly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"momentum-core/internal/clock"
	"momentum-core/internal/events"
	"momentum-core/internal/exec"
	"momentum-core/internal/feed"
	"momentum-core/internal/ledger"
	"momentum-core/internal/lifecycle"
	"momentum-core/internal/monitor"
	"momentum-core/internal/regime"
	"momentum-core/internal/risk"
	"momentum-core/internal/scanner"
	"momentum-core/pkg/config"
	"momentum-core/pkg/db"
)

// InstanceView is the read-only projection of one live instance, published
// for the API between ticks.
type InstanceView struct {
	Symbol     string    `json:"symbol"`
	State      string    `json:"state"`
	AlertAt    time.Time `json:"alert_at"`
	AlertPrice float64   `json:"alert_price"`
	BreakLevel float64   `json:"break_level,omitempty"`
	Stop       float64   `json:"stop,omitempty"`
	Qty        float64   `json:"qty,omitempty"`
}

// Snapshot is the engine's state as of the end of the last tick.
type Snapshot struct {
	At            time.Time      `json:"at"`
	Mood          string         `json:"mood"`
	Score         int            `json:"score"`
	Instances     []InstanceView `json:"instances"`
	Budget        risk.Budget    `json:"budget"`
	OpenPositions int            `json:"open_positions"`
	Equity        float64        `json:"equity"`
	SettledCash   float64        `json:"settled_cash"`
}

// Engine owns the tick loop and the live instance arena.
type Engine struct {
	cfg     *config.Config
	src     feed.Feed
	scan    *scanner.Scanner
	mon     *regime.Monitor
	riskCtl *risk.Controller
	execCtl *exec.Controller
	book    ledger.Ledger
	store   *db.Store // nil disables archiving
	bus     *events.Bus
	clk     clock.Clock
	metrics *monitor.Metrics
	loc     *time.Location

	instances map[string]*lifecycle.Instance
	order     []*lifecycle.Instance // stable alert-timestamp order
	day       time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// Deps wires the engine's collaborators.
type Deps struct {
	Feed    feed.Feed
	Scanner *scanner.Scanner
	Regime  *regime.Monitor
	Risk    *risk.Controller
	Exec    *exec.Controller
	Ledger  ledger.Ledger
	Store   *db.Store
	Bus     *events.Bus
	Clock   clock.Clock
	Metrics *monitor.Metrics
}

func New(cfg *config.Config, d Deps) (*Engine, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	m := d.Metrics
	if m == nil {
		m = monitor.NewMetrics(nil)
	}
	return &Engine{
		cfg:       cfg,
		src:       d.Feed,
		scan:      d.Scanner,
		mon:       d.Regime,
		riskCtl:   d.Risk,
		execCtl:   d.Exec,
		book:      d.Ledger,
		store:     d.Store,
		bus:       d.Bus,
		clk:       d.Clock,
		metrics:   m,
		loc:       loc,
		instances: make(map[string]*lifecycle.Instance),
	}, nil
}

// Run consumes ticks until the feed is exhausted or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("engine: loop started")
	for {
		tk, err := e.src.NextTick(ctx)
		if errors.Is(err, io.EOF) {
			e.finish(ctx)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next tick: %w", err)
		}
		e.processTick(ctx, tk)
	}
}

func (e *Engine) processTick(ctx context.Context, tk feed.Tick) {
	if sim, ok := e.clk.(*clock.Sim); ok {
		sim.Set(tk.Time)
	}
	now := tk.Time
	e.metrics.Ticks.Inc()
	e.rollDay(ctx, now)

	st := e.mon.Update(tk.Records, now)
	params := e.mon.Params(st.Mood)

	e.runScanner(tk, now)

	for _, inst := range e.order {
		if inst.Closed() {
			continue
		}
		rec, ok := tk.Records[inst.Symbol()]
		e.safeTick(ctx, inst, rec, ok, st.Mood, params, now)
	}

	for _, f := range e.execCtl.Pump(ctx) {
		pnl := e.book.ApplyFill(f)
		if pnl != 0 {
			e.riskCtl.RecordRealized(pnl, f.At)
		}
		if inst, ok := e.instances[f.Symbol]; ok {
			inst.OnFill(f)
		}
	}

	e.reap(ctx)
	e.publishSnapshot(st, now)
}

// runScanner evaluates every record against the alert gates. Symbols are
// visited in sorted order so replays are deterministic; index proxies and
// symbols with a live instance are skipped (one instance per symbol).
func (e *Engine) runScanner(tk feed.Tick, now time.Time) {
	syms := make([]string, 0, len(tk.Records))
	for sym := range tk.Records {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	proxies := make(map[string]bool, len(e.cfg.Runtime.IndexProxies))
	for _, p := range e.cfg.Runtime.IndexProxies {
		proxies[p] = true
	}

	for _, sym := range syms {
		if proxies[sym] {
			continue
		}
		if _, live := e.instances[sym]; live {
			continue
		}
		rec := tk.Records[sym]
		alert, ok := e.scan.Scan(rec, now)
		if !ok {
			continue
		}
		inst := lifecycle.New(alert, rec, e.cfg, lifecycle.Deps{
			Risk:   e.riskCtl,
			Orders: e.execCtl,
			Bus:    e.bus,
			Loc:    e.loc,
		})
		e.instances[sym] = inst
		e.order = append(e.order, inst)
		e.metrics.Alerts.Inc()
		if e.bus != nil {
			e.bus.Publish(events.EventAlert, alert)
		}
		log.Printf("engine: alert %s @ %.2f move=%.1f%% rv=%.1fx q=%.2f",
			alert.Symbol, alert.Price, alert.DayMovePct, alert.RelVolume, alert.Quality)
	}
}

// safeTick is the per-instance fault boundary: a panic inside one symbol's
// handler retires that instance and never reaches the loop.
func (e *Engine) safeTick(ctx context.Context, inst *lifecycle.Instance, rec feed.FeatureRecord, ok bool, mood regime.Mood, params regime.Params, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: %s tick panic: %v", inst.Symbol(), r)
			inst.Fault(ctx, now)
		}
	}()

	before := inst.State()
	inst.Tick(ctx, rec, ok, mood, params, now)
	if after := inst.State(); after != before {
		switch after {
		case lifecycle.StateArmed:
			e.metrics.Armed.Inc()
		case lifecycle.StateEntry:
			e.metrics.Entries.Inc()
		}
	}
}

// reap archives and removes closed instances, freeing their symbols for
// fresh alerts.
func (e *Engine) reap(ctx context.Context) {
	kept := e.order[:0]
	for _, inst := range e.order {
		if !inst.Closed() {
			kept = append(kept, inst)
			continue
		}
		delete(e.instances, inst.Symbol())
		e.archive(ctx, inst)
	}
	e.order = kept
}

func (e *Engine) archive(ctx context.Context, inst *lifecycle.Instance) {
	rec, traded := inst.Record()
	if !traded {
		e.metrics.Purges.WithLabelValues(inst.CloseReason()).Inc()
		if e.store != nil {
			p := db.Purge{
				Symbol:   inst.Symbol(),
				AlertAt:  inst.Alert().TS,
				ClosedAt: e.clk.Now(),
				Reason:   inst.CloseReason(),
			}
			if err := e.store.InsertPurge(ctx, p); err != nil {
				log.Printf("engine: archive purge %s: %v", inst.Symbol(), err)
			}
		}
		return
	}

	e.metrics.TradesClosed.Inc()
	if e.store != nil {
		_, err := e.store.InsertTrade(ctx, db.Trade{
			Symbol:      rec.Symbol,
			AlertAt:     rec.AlertAt,
			EnteredAt:   rec.EnteredAt,
			ExitedAt:    rec.ExitedAt,
			EntryPrice:  rec.EntryPrice,
			ExitPrice:   rec.ExitPrice,
			Qty:         rec.Quantity,
			RealizedPnL: rec.RealizedPnL,
			RealizedR:   rec.RealizedR,
			Mood:        rec.MoodAtEntry,
			Reason:      rec.Reason,
			Quality:     rec.Quality,
		})
		if err != nil {
			log.Printf("engine: archive trade %s: %v", rec.Symbol, err)
		}
	}
	log.Printf("engine: trade closed %s pnl=%.2f (%.2fR) reason=%s",
		rec.Symbol, rec.RealizedPnL, rec.RealizedR, rec.Reason)
}

func (e *Engine) rollDay(ctx context.Context, now time.Time) {
	// Midnight in exchange time, not UTC: an evening bar must stay in the
	// session's date bucket.
	y, m, d := now.In(e.loc).Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	if e.day.IsZero() {
		e.day = day
		return
	}
	if !day.After(e.day) {
		return
	}
	e.saveSummary(ctx, e.day)
	e.day = day
}

func (e *Engine) finish(ctx context.Context) {
	log.Printf("engine: feed exhausted")
	if !e.day.IsZero() {
		e.saveSummary(ctx, e.day)
	}
}

func (e *Engine) saveSummary(ctx context.Context, day time.Time) {
	if e.store == nil {
		return
	}
	sum, err := e.store.SaveDailySummary(ctx, day.Format("2006-01-02"))
	if err != nil {
		log.Printf("engine: daily summary: %v", err)
		return
	}
	log.Printf("engine: %s summary trades=%d wins=%d pnl=%.2f (%.2fR)",
		sum.Date, sum.Trades, sum.Wins, sum.RealizedPnL, sum.RealizedR)
}

// publishSnapshot refreshes the view served by the API and the gauges.
func (e *Engine) publishSnapshot(st regime.State, now time.Time) {
	views := make([]InstanceView, 0, len(e.order))
	for _, inst := range e.order {
		views = append(views, InstanceView{
			Symbol:     inst.Symbol(),
			State:      string(inst.State()),
			AlertAt:    inst.Alert().TS,
			AlertPrice: inst.Alert().Price,
			BreakLevel: inst.BreakLevel(),
			Stop:       inst.Stop(),
			Qty:        inst.PositionQty(),
		})
	}
	budget := e.riskCtl.Snapshot()

	e.metrics.LiveInstances.Set(float64(len(views)))
	e.metrics.OpenPositions.Set(float64(e.book.OpenPositionCount()))
	e.metrics.LiveOrders.Set(float64(e.execCtl.LiveCount()))
	e.metrics.RealizedPnL.Set(budget.RealizedToday)
	e.metrics.RegimeScore.Set(float64(st.Score))

	e.mu.Lock()
	e.snap = Snapshot{
		At:            now,
		Mood:          st.Mood.String(),
		Score:         st.Score,
		Instances:     views,
		Budget:        budget,
		OpenPositions: e.book.OpenPositionCount(),
		Equity:        e.book.Equity(),
		SettledCash:   e.book.SettledCash(),
	}
	e.mu.Unlock()
}

// Snapshot returns the end-of-last-tick view. Safe for concurrent readers.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}
