// Package lifecycle implements the per-symbol trading state machine:
// alert -> watch -> armed -> entry -> closed. One instance exists per symbol
// with an open alert, and is mutated only from its own slot in the engine's
// tick loop (single writer, no locks).
package lifecycle

import (
	"context"
	"log"
	"time"

	"momentum-core/internal/events"
	"momentum-core/internal/exec"
	"momentum-core/internal/feed"
	"momentum-core/internal/regime"
	"momentum-core/internal/risk"
	"momentum-core/internal/scanner"
	"momentum-core/pkg/config"
)

// State of one symbol instance.
type State string

const (
	StateWatch  State = "WATCH"
	StateArmed  State = "ARMED"
	StateEntry  State = "ENTRY"
	StateClosed State = "CLOSED"
)

// Close reasons recorded when an instance reaches CLOSED.
const (
	ReasonWatchTimeout = "watch_timeout"
	ReasonArmedTimeout = "armed_timeout"
	ReasonRiskVeto     = "risk_veto"
	ReasonRejected     = "order_rejected"
	ReasonStop         = "stop"
	ReasonRedBarExit   = "red_bar_exit"
	ReasonSessionFlat  = "session_flat"
	ReasonPanicFlat    = "panic_flat"
	ReasonFault        = "fault"
)

// Authorizer is the risk-side contract: atomic check-and-reserve, plus the
// release/commit pair resolving the reservation.
type Authorizer interface {
	Authorize(req risk.AuthRequest, mood regime.Mood) (risk.Sizing, error)
	Release(symbol string)
	Commit(symbol string)
}

// OrderDesk is the execution-side contract.
type OrderDesk interface {
	Submit(ctx context.Context, intent exec.OrderIntent) (*exec.Ticket, error)
	CancelTicket(ctx context.Context, t *exec.Ticket)
}

// Deps are the collaborators an instance calls into. The bus may be nil.
type Deps struct {
	Risk   Authorizer
	Orders OrderDesk
	Bus    *events.Bus
	Loc    *time.Location // exchange-local time for the session flat cutoff
}

// TradeRecord is the archived outcome of an instance that opened a position.
type TradeRecord struct {
	Symbol      string
	AlertAt     time.Time
	EnteredAt   time.Time
	ExitedAt    time.Time
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	RealizedPnL float64
	RealizedR   float64
	MoodAtEntry string
	Reason      string
	Quality     float64
}

// Instance is one symbol's lifecycle. All fields are owned by the tick loop.
type Instance struct {
	alert scanner.Alert
	cfg   *config.Config
	deps  Deps

	state       State
	stateSince  time.Time
	closeReason string
	flatMin     int // minute-of-day cutoff for the session flat

	// watch-phase pullback tracking
	spikeHigh  float64
	spikeBase  float64
	spikeVol   float64
	redBars    int
	pullVolOK  bool
	lastRedTop float64 // high of the most recent red bar
	breakLevel float64

	prevBar feed.FeatureRecord
	hasPrev bool

	// entry-phase position tracking
	entryTicket *exec.Ticket
	addOnTicket *exec.Ticket
	exitTickets []*exec.Ticket

	entryPx      float64
	stopDist     float64 // per share, defines 1R
	stop         float64
	riskUnit     float64 // dollars at risk across all fills
	posQty       float64
	avgEntry     float64
	maxQty       float64
	realized     float64
	exitQty      float64
	exitNotional float64
	enteredAt    time.Time
	exitedAt     time.Time
	moodAtEntry  regime.Mood

	entryBarAdd bool // entry bar qualified for the add-on
	addOnDone   bool
	scaledOut   bool
	skimmed     bool
	exitSent    bool
	forced      bool
}

// New creates an instance in WATCH from an alert and its originating record.
func New(alert scanner.Alert, rec feed.FeatureRecord, cfg *config.Config, deps Deps) *Instance {
	base := rec.SessionOpen
	if base <= 0 {
		base = rec.PrevClose
	}
	if base <= 0 {
		base = alert.Price
	}
	return &Instance{
		alert:      alert,
		cfg:        cfg,
		deps:       deps,
		state:      StateWatch,
		stateSince: alert.TS,
		flatMin:    parseFlatTime(cfg.Exit.FlatTime),
		spikeHigh:  rec.High,
		spikeBase:  base,
		spikeVol:   rec.Volume,
		pullVolOK:  true,
		prevBar:    rec,
		hasPrev:    true,
	}
}

// Symbol this instance owns.
func (i *Instance) Symbol() string { return i.alert.Symbol }

// Alert returns the owned alert snapshot.
func (i *Instance) Alert() scanner.Alert { return i.alert }

// State returns the current lifecycle state.
func (i *Instance) State() State { return i.state }

// CloseReason is valid once State() == StateClosed.
func (i *Instance) CloseReason() string { return i.closeReason }

// Closed reports whether the instance is terminal.
func (i *Instance) Closed() bool { return i.state == StateClosed }

// BreakLevel is the armed breakout level, zero before ARMED.
func (i *Instance) BreakLevel() float64 { return i.breakLevel }

// Stop is the current protective stop, zero before ENTRY.
func (i *Instance) Stop() float64 { return i.stop }

// PositionQty is the currently held quantity.
func (i *Instance) PositionQty() float64 { return i.posQty }

// Record returns the trade outcome. ok is false for instances that never
// opened a position (purged in WATCH or ARMED).
func (i *Instance) Record() (TradeRecord, bool) {
	if i.enteredAt.IsZero() {
		return TradeRecord{}, false
	}
	exitPx := 0.0
	if i.exitQty > 0 {
		exitPx = i.exitNotional / i.exitQty
	}
	realizedR := 0.0
	if i.riskUnit > 0 {
		realizedR = i.realized / i.riskUnit
	}
	return TradeRecord{
		Symbol:      i.alert.Symbol,
		AlertAt:     i.alert.TS,
		EnteredAt:   i.enteredAt,
		ExitedAt:    i.exitedAt,
		EntryPrice:  i.avgEntry,
		ExitPrice:   exitPx,
		Quantity:    i.maxQty,
		RealizedPnL: i.realized,
		RealizedR:   realizedR,
		MoodAtEntry: i.moodAtEntry.String(),
		Reason:      i.closeReason,
		Quality:     i.alert.Quality,
	}, true
}

// Tick evaluates the instance once for the current bar. ok is false on a
// data gap: no record arrived for the symbol this tick, in which case only
// deadline checks run and the state self-loops.
func (i *Instance) Tick(ctx context.Context, rec feed.FeatureRecord, ok bool, mood regime.Mood, params regime.Params, now time.Time) {
	if i.state == StateClosed {
		return
	}

	switch i.state {
	case StateWatch:
		if i.timedOut(now, i.cfg.Watch.TimeoutMinutes) {
			i.purge(ctx, ReasonWatchTimeout, now)
			return
		}
		if !ok {
			return
		}
		i.tickWatch(rec, params, now)

	case StateArmed:
		if i.timedOut(now, i.cfg.Entry.TimeoutMinutes) {
			i.purge(ctx, ReasonArmedTimeout, now)
			return
		}
		if !ok {
			return
		}
		i.tickArmed(ctx, rec, mood, now)

	case StateEntry:
		i.tickEntry(ctx, rec, ok, mood, now)
	}

	if ok {
		i.prevBar = rec
		i.hasPrev = true
	}
}

// OnFill folds an execution into the position. Called by the engine, on the
// tick-loop goroutine, for every fill belonging to this symbol.
func (i *Instance) OnFill(f exec.Fill) {
	switch f.Side {
	case exec.Buy:
		first := i.posQty == 0 && i.enteredAt.IsZero()
		newQty := i.posQty + f.Qty
		i.avgEntry = (i.avgEntry*i.posQty + f.Price*f.Qty) / newQty
		i.posQty = newQty
		if i.posQty > i.maxQty {
			i.maxQty = i.posQty
		}
		if first {
			i.enteredAt = f.At
			i.deps.Risk.Commit(i.alert.Symbol)
		}
	case exec.Sell:
		qty := min(f.Qty, i.posQty)
		i.realized += (f.Price - i.avgEntry) * qty
		i.posQty -= qty
		i.exitQty += qty
		i.exitNotional += f.Price * qty
		i.exitedAt = f.At
	}
}

func (i *Instance) timedOut(now time.Time, minutes int) bool {
	if minutes <= 0 {
		return false
	}
	return now.Sub(i.stateSince) >= time.Duration(minutes)*time.Minute
}

func (i *Instance) transition(s State, now time.Time) {
	i.state = s
	i.stateSince = now
}

// purge is the no-position exit path: cancel anything live, release the risk
// reservation, and retire the instance.
func (i *Instance) purge(ctx context.Context, reason string, now time.Time) {
	i.deps.Orders.CancelTicket(ctx, i.entryTicket)
	i.deps.Orders.CancelTicket(ctx, i.addOnTicket)
	for _, t := range i.exitTickets {
		i.deps.Orders.CancelTicket(ctx, t)
	}
	i.deps.Risk.Release(i.alert.Symbol)
	i.closeReason = reason
	i.transition(StateClosed, now)
	log.Printf("lifecycle: %s purged (%s)", i.alert.Symbol, reason)
	i.publish(events.EventClosed)
}

func (i *Instance) close(reason string, now time.Time) {
	if i.closeReason == "" {
		i.closeReason = reason
	}
	i.transition(StateClosed, now)
	log.Printf("lifecycle: %s closed (%s) realized=%.2f", i.alert.Symbol, i.closeReason, i.realized)
	i.publish(events.EventClosed)
}

// Fault retires the instance after a tick-handler failure so one symbol's
// fault cannot stall the loop. A held position is dumped at market first;
// instances without exposure are purged outright. Safe on terminal
// instances and safe to call repeatedly.
func (i *Instance) Fault(ctx context.Context, now time.Time) {
	if i.state == StateClosed {
		return
	}
	if i.state == StateEntry && i.posQty > 0 {
		i.forced = true
		if i.closeReason == "" {
			i.closeReason = ReasonFault
		}
		i.flatten(ctx, i.sellableQty(), ReasonFault)
		return
	}
	i.purge(ctx, ReasonFault, now)
}

func (i *Instance) publish(e events.Event) {
	if i.deps.Bus != nil {
		i.deps.Bus.Publish(e, map[string]any{
			"symbol": i.alert.Symbol,
			"state":  string(i.state),
			"reason": i.closeReason,
		})
	}
}

func (i *Instance) minuteOfDay(now time.Time) int {
	t := now
	if i.deps.Loc != nil {
		t = now.In(i.deps.Loc)
	}
	return t.Hour()*60 + t.Minute()
}

func parseFlatTime(v string) int {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 15*60 + 55
	}
	return t.Hour()*60 + t.Minute()
}
