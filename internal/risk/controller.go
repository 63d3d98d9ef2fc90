package risk

import (
	"log"
	"math"
	"sync"
	"time"

	"momentum-core/internal/clock"
	"momentum-core/internal/events"
	"momentum-core/internal/ledger"
	"momentum-core/internal/regime"
	"momentum-core/pkg/config"
)

// Controller is the process-wide authority over sizing, loss limits, and
// the concurrent-position cap. Authorization is an atomic check-and-reserve:
// two instances evaluated in the same tick cannot both take the last
// position slot. All budget access is serialized behind one mutex; this is
// the only place in the core requiring true mutual exclusion.
type Controller struct {
	cfg  config.RiskConfig
	book ledger.Ledger
	bus  *events.Bus
	clk  clock.Clock

	mu       sync.Mutex
	budget   Budget
	reserved map[string]bool // symbols holding an unfilled slot reservation
	day      time.Time
	week     time.Time
}

func NewController(cfg config.RiskConfig, book ledger.Ledger, bus *events.Bus, clk clock.Clock) *Controller {
	eq := book.Equity()
	now := clk.Now()
	return &Controller{
		cfg:  cfg,
		book: book,
		bus:  bus,
		clk:  clk,
		budget: Budget{
			StartOfDayEquity:  eq,
			StartOfWeekEquity: eq,
		},
		reserved: make(map[string]bool),
		day:      dayOf(now),
		week:     weekOf(now),
	}
}

// Authorize vets an intent and, on approval, reserves a position slot for
// the symbol. Vetoes are checked in fixed priority order and never affect
// exit management of already-open positions.
func (c *Controller) Authorize(req AuthRequest, mood regime.Mood) (Sizing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A tripped loss limit stops fills for the rest of the window, so the
	// roll cannot wait for the next RecordRealized; it happens here.
	c.rollIfNeeded(c.clk.Now())

	// (a) daily loss limit
	if c.budget.RealizedToday <= -c.cfg.DailyLossPct*c.budget.StartOfDayEquity {
		return Sizing{}, c.veto(req.Symbol, VetoDailyLoss)
	}
	// (b) weekly loss limit
	if c.budget.RealizedWeek <= -c.cfg.WeeklyLossPct*c.budget.StartOfWeekEquity {
		return Sizing{}, c.veto(req.Symbol, VetoWeeklyLoss)
	}
	// (c) concurrent position cap; reservations count against the cap so a
	// second instance in the same tick sees the slot as taken. The cap
	// limits concurrent symbols, not tranches: a symbol already holding its
	// reservation or an open position is exempt, so the add-on is not
	// blocked by the slot its own first fill consumed.
	held := c.reserved[req.Symbol]
	if !held {
		if _, open := c.book.Position(req.Symbol); open {
			held = true
		}
	}
	if !held {
		maxPos := c.cfg.MaxPositions
		if c.book.Equity() >= c.cfg.BoostedEquity {
			maxPos = c.cfg.BoostedMaxPos
		}
		if c.book.OpenPositionCount()+c.budget.ReservedSlots >= maxPos {
			return Sizing{}, c.veto(req.Symbol, VetoPositionCap)
		}
	}
	// (d) cold regime blocks armed instances from breaking out
	if c.cfg.BlockColdArmed && mood == regime.Cold && req.Armed {
		return Sizing{}, c.veto(req.Symbol, VetoColdRegime)
	}

	sz := c.size(req, mood)
	if sz.Quantity <= 0 {
		return Sizing{}, c.veto(req.Symbol, VetoZeroSize)
	}

	if !held {
		c.reserved[req.Symbol] = true
		c.budget.ReservedSlots++
	}
	log.Printf("risk: approved %s qty=%.0f R=$%.2f (mood=%s)", req.Symbol, sz.Quantity, sz.RiskUnit, mood)
	return sz, nil
}

// size applies the mood-driven cap table:
// qty = min(capital_cap/price, risk_cap/stop_distance), floored to shares.
func (c *Controller) size(req AuthRequest, mood regime.Mood) Sizing {
	caps := c.moodCaps(mood)
	settled := c.book.SettledCash()

	riskPct := caps.RiskPct
	if c.cfg.BigFloatThresh > 0 && req.FloatShares > c.cfg.BigFloatThresh {
		riskPct = caps.BigFloatRiskPct
	}

	if req.Price <= 0 || req.StopDistance <= 0 {
		return Sizing{}
	}
	capQty := caps.CapitalPct * settled / req.Price
	riskQty := riskPct * settled / req.StopDistance

	frac := req.SizeFraction
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	qty := math.Floor(min(capQty, riskQty) * frac)
	return Sizing{Quantity: qty, RiskUnit: qty * req.StopDistance}
}

func (c *Controller) moodCaps(mood regime.Mood) config.MoodCaps {
	switch mood {
	case regime.Hot:
		return c.cfg.Hot
	case regime.Neutral:
		return c.cfg.Neutral
	default:
		return c.cfg.Cold
	}
}

// Release frees a reservation when the entry never became a position
// (rejected order, no fill, purge). Idempotent.
func (c *Controller) Release(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved[symbol] {
		delete(c.reserved, symbol)
		c.budget.ReservedSlots--
	}
}

// Commit converts a reservation into an open position (the ledger now
// counts it). Idempotent.
func (c *Controller) Commit(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved[symbol] {
		delete(c.reserved, symbol)
		c.budget.ReservedSlots--
	}
}

// RecordRealized folds a realized PnL delta into the daily/weekly budget.
func (c *Controller) RecordRealized(pnl float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded(at)
	c.budget.RealizedToday += pnl
	c.budget.RealizedWeek += pnl
}

// Snapshot returns a copy of the current budget.
func (c *Controller) Snapshot() Budget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

func (c *Controller) veto(symbol, reason string) *Veto {
	v := &Veto{Reason: reason}
	log.Printf("risk: veto %s: %s", symbol, reason)
	if c.bus != nil {
		c.bus.Publish(events.EventRiskVeto, map[string]string{"symbol": symbol, "reason": reason})
	}
	return v
}

func (c *Controller) rollIfNeeded(now time.Time) {
	if d := dayOf(now); d.After(c.day) {
		log.Printf("risk: day roll, realized=%.2f", c.budget.RealizedToday)
		c.budget.RealizedToday = 0
		c.budget.StartOfDayEquity = c.book.Equity()
		c.day = d
	}
	if w := weekOf(now); w.After(c.week) {
		c.budget.RealizedWeek = 0
		c.budget.StartOfWeekEquity = c.book.Equity()
		c.week = w
	}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func weekOf(t time.Time) time.Time {
	d := dayOf(t)
	// back up to Monday
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
