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
	"momentum-core/internal/risk"
)

// tickArmed waits for the breakout. On a trigger the instance asks the risk
// controller for sizing and, if approved, submits a marketable limit for the
// first tranche. A veto retires the instance without trading.
func (i *Instance) tickArmed(ctx context.Context, rec feed.FeatureRecord, mood regime.Mood, now time.Time) {
	if !i.shouldEnter(rec) {
		return
	}

	limitPx := rec.Close + i.cfg.Entry.TickSize
	stopDist := i.initialStopDistance(limitPx, rec)

	sz, err := i.deps.Risk.Authorize(risk.AuthRequest{
		Symbol:       i.alert.Symbol,
		Price:        limitPx,
		StopDistance: stopDist,
		FloatShares:  i.alert.FloatShares,
		Armed:        true,
		SizeFraction: i.cfg.Entry.FirstFillPct,
	}, mood)
	if err != nil {
		i.purge(ctx, ReasonRiskVeto, now)
		return
	}

	ticket, err := i.deps.Orders.Submit(ctx, exec.OrderIntent{
		Symbol: i.alert.Symbol,
		Side:   exec.Buy,
		Kind:   exec.Limit,
		Price:  limitPx,
		Qty:    sz.Quantity,
		Reason: "entry",
	})
	if err != nil {
		i.deps.Risk.Release(i.alert.Symbol)
		i.purge(ctx, ReasonRejected, now)
		return
	}

	i.entryTicket = ticket
	i.entryPx = limitPx
	i.stopDist = stopDist
	i.stop = limitPx - stopDist
	i.riskUnit = sz.RiskUnit
	i.moodAtEntry = mood
	// The trigger bar qualifies the add-on when it closes green above VWAP.
	i.entryBarAdd = i.cfg.Entry.AllowAddOn && !rec.IsRed() && rec.Close > rec.VWAP

	i.transition(StateEntry, now)
	log.Printf("lifecycle: %s entry %.0f @ %.2f stop=%.2f (1R=$%.2f)",
		i.alert.Symbol, sz.Quantity, limitPx, i.stop, sz.RiskUnit)
	if i.deps.Bus != nil {
		i.deps.Bus.Publish(events.EventEntry, map[string]any{
			"symbol": i.alert.Symbol,
			"price":  limitPx,
			"qty":    sz.Quantity,
		})
	}
}

// shouldEnter is the breakout predicate: price through the break level plus
// one increment, bullish MACD histogram, rising volume, tradable spread.
func (i *Instance) shouldEnter(rec feed.FeatureRecord) bool {
	if rec.Close < i.breakLevel+i.cfg.Entry.TickSize {
		return false
	}
	if rec.MACDHist < 0 {
		return false
	}
	if i.hasPrev && rec.Volume < i.prevBar.Volume {
		return false
	}
	if rec.SpreadPct > i.cfg.Entry.MaxSpreadPct {
		return false
	}
	return true
}

// initialStopDistance places the stop at the farther of the percent/absolute/
// ATR floor below entry and the anchored VWAP band.
func (i *Instance) initialStopDistance(px float64, rec feed.FeatureRecord) float64 {
	dist := math.Max(px*i.cfg.Exit.StopMinPct, i.cfg.Exit.StopMinAbs)
	dist = math.Max(dist, i.cfg.Exit.StopATRMult*rec.ATR)
	stop := px - dist
	if rec.VWAP > 0 {
		if v := rec.VWAP * (1 - i.cfg.Exit.VWAPStopSlack); v < stop {
			stop = v
		}
	}
	return px - stop
}

// maybeAddOn submits the second tranche on the first ENTRY tick when the
// trigger bar qualified and the first tranche has started filling. The
// add-on is its own intent, independently risk-checked; a veto skips it
// without disturbing the open position.
func (i *Instance) maybeAddOn(ctx context.Context, rec feed.FeatureRecord, mood regime.Mood) {
	if i.addOnDone || !i.entryBarAdd || i.posQty <= 0 || i.forced {
		return
	}
	i.addOnDone = true

	sz, err := i.deps.Risk.Authorize(risk.AuthRequest{
		Symbol:       i.alert.Symbol,
		Price:        rec.Close + i.cfg.Entry.TickSize,
		StopDistance: i.stopDist,
		FloatShares:  i.alert.FloatShares,
		Armed:        false,
		SizeFraction: 1 - i.cfg.Entry.FirstFillPct,
	}, mood)
	if err != nil {
		log.Printf("lifecycle: %s add-on vetoed: %v", i.alert.Symbol, err)
		return
	}

	ticket, err := i.deps.Orders.Submit(ctx, exec.OrderIntent{
		Symbol: i.alert.Symbol,
		Side:   exec.Buy,
		Kind:   exec.Limit,
		Price:  rec.Close + i.cfg.Entry.TickSize,
		Qty:    sz.Quantity,
		Reason: "add_on",
	})
	if err != nil {
		return
	}
	i.addOnTicket = ticket
	i.riskUnit += sz.RiskUnit
}
