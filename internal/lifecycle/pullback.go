package lifecycle

import (
	"log"
	"time"

	"momentum-core/internal/events"
	"momentum-core/internal/feed"
	"momentum-core/internal/regime"
)

// tickWatch evaluates the micro-pullback while the instance is in WATCH.
// The pattern is a short red-bar retrace below the spike high that holds
// volume, VWAP, and leg-depth constraints; when every condition holds on a
// red-bar close the instance arms with break-level = high of that bar.
func (i *Instance) tickWatch(rec feed.FeatureRecord, params regime.Params, now time.Time) {
	// A new high before any red bar extends the breakout leg.
	if i.redBars == 0 && rec.High > i.spikeHigh {
		i.spikeHigh = rec.High
		if rec.Volume > i.spikeVol {
			i.spikeVol = rec.Volume
		}
	}

	if !rec.IsRed() {
		// A green bar ends the pullback attempt; tracking resets so a fresh
		// leg and retrace can form before the watch timeout.
		i.resetPullback()
		return
	}

	i.redBars++
	i.lastRedTop = rec.High

	// Per-bar volume gate: a heavy pullback bar poisons the whole pattern.
	if rec.Volume > i.cfg.Watch.MaxPullVolRatio*i.spikeVol || rec.Volume > i.cfg.Watch.MaxPullVolShares {
		i.pullVolOK = false
	}

	if !i.pullbackValid(rec, params) {
		return
	}

	i.breakLevel = i.lastRedTop
	i.transition(StateArmed, now)
	log.Printf("lifecycle: %s armed, break=%.2f after %d red bars", i.alert.Symbol, i.breakLevel, i.redBars)
	if i.deps.Bus != nil {
		i.deps.Bus.Publish(events.EventArmed, map[string]any{
			"symbol": i.alert.Symbol,
			"break":  i.breakLevel,
		})
	}
}

// pullbackValid checks the five conjunctive conditions on a red-bar close.
func (i *Instance) pullbackValid(rec feed.FeatureRecord, params regime.Params) bool {
	leg := i.spikeHigh - i.spikeBase
	if leg <= 0 {
		return false
	}

	// (1) red-bar count, with a third bar tolerated only while the close
	// holds the upper half of the leg.
	if i.redBars > i.cfg.Watch.MaxRedBars {
		deepest := i.spikeHigh - i.cfg.Watch.MaxLegRetrace*leg
		if i.redBars > i.cfg.Watch.MaxRedBars+1 || rec.Close < deepest {
			i.resetPullback()
			return false
		}
	}

	// (2) retrace depth: inside the percent band below the spike high, or
	// shallow relative to the leg. HOT regimes tighten the band, COLD widens.
	retrace := (i.spikeHigh - rec.Close) / i.spikeHigh * 100
	maxRetrace := i.cfg.Watch.MaxRetracePct
	if params.PullbackScale > 0 {
		maxRetrace *= params.PullbackScale
	}
	inBand := retrace >= i.cfg.Watch.MinRetracePct && retrace <= maxRetrace
	shallowLeg := i.spikeHigh-rec.Close <= i.cfg.Watch.MaxLegRetrace*leg
	if !inBand && !shallowLeg {
		return false
	}
	if retrace < i.cfg.Watch.MinRetracePct {
		// No meaningful pullback yet; keep watching.
		return false
	}

	// (3) pullback volume stayed light on every red bar.
	if !i.pullVolOK {
		return false
	}

	// (4) close holds the anchored VWAP.
	if rec.VWAP > 0 && rec.Close < rec.VWAP*(1-i.cfg.Watch.VWAPSlackPct/100) {
		return false
	}

	// (5) close holds the lower portion of the breakout leg above its base.
	if rec.Close < i.spikeBase+(i.cfg.Watch.MinAboveBasePct/100)*leg {
		return false
	}

	return true
}

func (i *Instance) resetPullback() {
	i.redBars = 0
	i.pullVolOK = true
	i.lastRedTop = 0
}
