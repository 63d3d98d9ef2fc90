package lifecycle

import (
	"context"
	"log"
	"math"
	"time"

	"momentum-core/internal/events"
	"momentum-core/internal/exec"
	"momentum-core/internal/feed"
	"momentum-core/internal/regime"
)

// tickEntry manages the open position: the add-on, the milestone ladder, the
// trailing stop, and the full-exit overrides. Runs every tick until the
// position is flat and the instance retires to CLOSED.
func (i *Instance) tickEntry(ctx context.Context, rec feed.FeatureRecord, ok bool, mood regime.Mood, now time.Time) {
	i.syncForced()

	// The entry never produced exposure and its order died: release the
	// reservation and retire.
	if i.enteredAt.IsZero() && i.entryTicket != nil && i.entryTicket.Terminal() && i.entryTicket.FilledQty == 0 {
		i.purge(ctx, ReasonRejected, now)
		return
	}

	// Fully exited: wait for any resting buy remainder to be cancelled, then
	// retire. Forced instances retire here too, once the panic sell fills.
	if !i.enteredAt.IsZero() && i.posQty <= 0 && !i.liveSells() {
		i.cancelBuys(ctx)
		if i.forced && i.closeReason == "" {
			i.closeReason = ReasonPanicFlat
		}
		i.close(i.closeReason, now)
		return
	}

	// A forced instance halts automated management for the session; the
	// execution controller already flattened or is flattening exposure.
	if i.forced {
		return
	}

	// The session flat fires on wall time alone, so a data gap cannot keep a
	// position past the cutoff.
	if i.posQty > 0 && i.minuteOfDay(now) >= i.flatMin {
		i.flatten(ctx, i.sellableQty(), ReasonSessionFlat)
		return
	}

	if !ok || i.posQty <= 0 {
		return
	}

	i.maybeAddOn(ctx, rec, mood)

	// Full-exit override: the first red bar closing below the prior bar's
	// low ends the trade ahead of the ladder.
	if i.hasPrev && rec.IsRed() && rec.Close < i.prevBar.Low {
		i.flatten(ctx, i.sellableQty(), ReasonRedBarExit)
		return
	}

	i.advanceLadder(ctx, rec, mood)

	// Stop check last, against the already-tightened level. Intrabar lows
	// count: the stop is assumed marketable.
	if rec.Low <= i.stop {
		i.flatten(ctx, i.sellableQty(), ReasonStop)
	}
}

// advanceLadder applies milestone stops, the scale-out, and the trailing
// stop. Every adjustment goes through raiseStop, so a looser computed value
// can never widen the held stop.
func (i *Instance) advanceLadder(ctx context.Context, rec feed.FeatureRecord, mood regime.Mood) {
	if i.stopDist <= 0 {
		return
	}
	r := (rec.Close - i.avgEntry) / i.stopDist

	if r >= 1 {
		i.raiseStop(i.avgEntry - 0.1*i.stopDist)
	}
	if r >= 2 {
		i.raiseStop(i.avgEntry + i.cfg.Entry.TickSize)
	}
	if r >= 3 && !i.scaledOut {
		i.scaledOut = true
		if qty := math.Floor(i.sellableQty() * i.cfg.Exit.ScaleOutFrac); qty >= 1 {
			i.reduce(ctx, qty, "scale_out")
		}
	}
	if r >= 5 && i.cfg.Exit.SkimEnabled && !i.skimmed {
		i.skimmed = true
		if qty := math.Floor(i.sellableQty() * i.cfg.Exit.SkimFrac); qty >= 1 {
			i.reduce(ctx, qty, "skim")
		}
	}

	// Continuous trail: the slower of the fast EMA band and the prior
	// two-bar swing low.
	trail := 0.0
	if rec.EMA9 > 0 {
		trail = rec.EMA9 * (1 - i.cfg.Exit.EMATrailSlack)
	}
	if rec.SwingLow > 0 && (trail == 0 || rec.SwingLow < trail) {
		trail = rec.SwingLow
	}
	if trail > 0 {
		i.raiseStop(trail)
	}

	// Deep-in-profit tightening rides the VWAP band while the tape is hot.
	if r >= i.cfg.Exit.TightenAtR && mood == regime.Hot && rec.VWAP > 0 {
		i.raiseStop(rec.VWAP * (1 - i.cfg.Exit.TightTrailSlack))
	}
}

// raiseStop tightens the stop. Values at or below the held stop are
// discarded; the stop never loosens within one entry episode.
func (i *Instance) raiseStop(px float64) {
	if px > i.stop {
		i.stop = px
	}
}

// flatten sells the full remaining quantity at market and cancels any buy
// remainder. Idempotent: a second call while the exit rests does nothing. A
// rejected sell leaves exitSent clear so a later tick reissues the exit
// instead of abandoning the position.
func (i *Instance) flatten(ctx context.Context, qty float64, reason string) {
	if i.exitSent || qty <= 0 {
		return
	}
	i.cancelBuys(ctx)
	if !i.reduce(ctx, qty, reason) {
		return
	}
	i.exitSent = true
	if i.closeReason == "" {
		i.closeReason = reason
	}
}

// reduce submits a market sell for part of the position. Reports whether the
// order was accepted.
func (i *Instance) reduce(ctx context.Context, qty float64, reason string) bool {
	ticket, err := i.deps.Orders.Submit(ctx, exec.OrderIntent{
		Symbol: i.alert.Symbol,
		Side:   exec.Sell,
		Kind:   exec.Market,
		Qty:    qty,
		Reason: reason,
	})
	if err != nil {
		log.Printf("lifecycle: %s %s sell rejected: %v", i.alert.Symbol, reason, err)
		return false
	}
	i.exitTickets = append(i.exitTickets, ticket)
	if i.deps.Bus != nil {
		i.deps.Bus.Publish(events.EventExit, map[string]any{
			"symbol": i.alert.Symbol,
			"qty":    qty,
			"reason": reason,
		})
	}
	return true
}

// sellableQty is the held quantity not already spoken for by a resting sell.
func (i *Instance) sellableQty() float64 {
	pending := 0.0
	for _, t := range i.exitTickets {
		if !t.Terminal() {
			pending += t.Remaining()
		}
	}
	return math.Max(i.posQty-pending, 0)
}

func (i *Instance) liveSells() bool {
	for _, t := range i.exitTickets {
		if !t.Terminal() {
			return true
		}
	}
	return false
}

func (i *Instance) cancelBuys(ctx context.Context) {
	i.deps.Orders.CancelTicket(ctx, i.entryTicket)
	i.deps.Orders.CancelTicket(ctx, i.addOnTicket)
}

// syncForced mirrors the execution controller's panic-flat verdict: once any
// of the instance's tickets is forced, automated management halts for the
// rest of the session.
func (i *Instance) syncForced() {
	if i.forced {
		return
	}
	if i.entryTicket != nil && i.entryTicket.Forced {
		i.forced = true
	}
	if i.addOnTicket != nil && i.addOnTicket.Forced {
		i.forced = true
	}
	for _, t := range i.exitTickets {
		if t.Forced {
			i.forced = true
		}
	}
	if i.forced {
		log.Printf("lifecycle: %s forced flat, automated management halted", i.alert.Symbol)
	}
}
