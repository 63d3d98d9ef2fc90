package exec

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"momentum-core/internal/clock"
	"momentum-core/internal/events"
	"momentum-core/pkg/config"
)

// Ticket is the controller's view of one order's life. Owned exclusively by
// the controller from submit to terminal state; callers read, never mutate.
type Ticket struct {
	ID     string
	Intent OrderIntent
	Ref    OrderRef

	Ack       AckState
	FilledQty float64
	AvgPrice  float64
	Retries   int

	// Forced marks a ticket resolved through the panic-flat path; the
	// owning instance must halt automated management for the session.
	Forced bool

	noRetry     bool
	submittedAt time.Time
}

// Terminal reports whether the ticket reached a final state.
func (t *Ticket) Terminal() bool { return t.Ack.Terminal() }

// Remaining is the unfilled quantity.
func (t *Ticket) Remaining() float64 { return t.Intent.Qty - t.FilledQty }

// Controller drives orders against the brokerage: submit, poll, cancel-
// replace on ack timeout, and panic-flat when the retry budget is spent.
// Timeouts are deadlines checked each pump, never blocking sleeps.
type Controller struct {
	broker   Brokerage
	bus      *events.Bus
	clk      clock.Clock
	cfg      config.ExecConfig
	tickSize float64

	mu      sync.Mutex
	tickets map[string]*Ticket
	live    []*Ticket
	pending []Fill // fills observed outside Pump, delivered on the next Pump
}

func NewController(broker Brokerage, bus *events.Bus, clk clock.Clock, cfg config.ExecConfig, tickSize float64) *Controller {
	if tickSize <= 0 {
		tickSize = 0.01
	}
	return &Controller{
		broker:   broker,
		bus:      bus,
		clk:      clk,
		cfg:      cfg,
		tickSize: tickSize,
		tickets:  make(map[string]*Ticket),
	}
}

// Submit sends an intent to the broker and starts tracking it. A broker
// rejection is terminal for the intent; the caller decides what that means
// for its instance.
func (c *Controller) Submit(ctx context.Context, intent OrderIntent) (*Ticket, error) {
	t := &Ticket{
		ID:          uuid.NewString(),
		Intent:      intent,
		Ack:         Pending,
		noRetry:     intent.Kind == Market,
		submittedAt: c.clk.Now(),
	}

	ref, err := c.broker.SubmitOrder(ctx, intent)
	if err != nil {
		t.Ack = Rejected
		log.Printf("executor: submit %s %s rejected: %v", intent.Side, intent.Symbol, err)
		if c.bus != nil {
			c.bus.Publish(events.EventOrderRejected, t)
		}
		c.track(t)
		return t, fmt.Errorf("submit order: %w", err)
	}
	t.Ref = ref

	c.track(t)
	if c.bus != nil {
		c.bus.Publish(events.EventOrderSubmitted, t)
	}
	log.Printf("executor: submitted %s %s %s qty=%.0f px=%.2f (%s)",
		intent.Kind, intent.Side, intent.Symbol, intent.Qty, intent.Price, intent.Reason)
	return t, nil
}

// Pump advances every live order once: polls broker status, applies fill
// deltas, and runs the timeout ladder. Returns newly observed fills for the
// ledger. Called exactly once per engine tick.
func (c *Controller) Pump(ctx context.Context) []Fill {
	now := c.clk.Now()

	c.mu.Lock()
	live := make([]*Ticket, len(c.live))
	copy(live, c.live)
	fills := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, t := range live {
		if t.Terminal() {
			continue
		}

		state, err := c.broker.OrderStatus(ctx, t.Ref)
		if err != nil {
			// Ambiguous acknowledgement: no state change this tick; the
			// deadline keeps counting so a dead broker still panics out.
			log.Printf("executor: poll %s error: %v", t.Ref, err)
		} else {
			fills = append(fills, c.apply(t, state, now)...)
		}

		if t.Terminal() || t.noRetry {
			continue
		}
		if now.Sub(t.submittedAt) < c.cfg.AckTimeout {
			continue
		}

		if t.Retries < c.cfg.MaxRetries {
			c.cancelReplace(ctx, t, now)
		} else {
			c.panicFlat(ctx, t, now)
		}
	}

	c.mu.Lock()
	kept := c.live[:0]
	for _, t := range c.live {
		if !t.Terminal() {
			kept = append(kept, t)
		}
	}
	c.live = kept
	c.mu.Unlock()

	return fills
}

// apply merges a polled state into the ticket and extracts fill deltas.
func (c *Controller) apply(t *Ticket, state OrderState, now time.Time) []Fill {
	var fills []Fill
	if delta := state.FilledQty - t.FilledQty; delta > 0 {
		fills = append(fills, Fill{
			TicketID: t.ID,
			Symbol:   t.Intent.Symbol,
			Side:     t.Intent.Side,
			Qty:      delta,
			Price:    state.AvgPrice,
			Reason:   t.Intent.Reason,
			At:       now,
		})
		t.FilledQty = state.FilledQty
		t.AvgPrice = state.AvgPrice
	}

	switch state.Ack {
	case Filled:
		t.Ack = Filled
		if c.bus != nil {
			c.bus.Publish(events.EventOrderFilled, t)
		}
	case Cancelled:
		t.Ack = Cancelled
		if c.bus != nil {
			c.bus.Publish(events.EventOrderCancelled, t)
		}
	case Rejected:
		t.Ack = Rejected
		if c.bus != nil {
			c.bus.Publish(events.EventOrderRejected, t)
		}
	case PartiallyFilled:
		t.Ack = PartiallyFilled
	}
	return fills
}

// cancelReplace cancels the resting order and resubmits the remainder at a
// price nudged through the spread.
func (c *Controller) cancelReplace(ctx context.Context, t *Ticket, now time.Time) {
	if err := c.broker.Cancel(ctx, t.Ref); err != nil {
		log.Printf("executor: cancel %s error: %v", t.Ref, err)
	}

	adj := float64(c.cfg.ReplaceTicks) * c.tickSize
	intent := t.Intent
	intent.Qty = t.Remaining()
	if intent.Kind == Limit {
		if intent.Side == Buy {
			intent.Price += adj
		} else {
			intent.Price -= adj
		}
	}

	ref, err := c.broker.SubmitOrder(ctx, intent)
	if err != nil {
		t.Ack = Rejected
		log.Printf("executor: replace %s rejected: %v", intent.Symbol, err)
		if c.bus != nil {
			c.bus.Publish(events.EventOrderRejected, t)
		}
		return
	}

	t.Ref = ref
	t.Intent.Price = intent.Price
	t.Retries++
	t.submittedAt = now
	log.Printf("executor: cancel-replace %s attempt %d/%d px=%.2f",
		intent.Symbol, t.Retries, c.cfg.MaxRetries, intent.Price)
}

// panicFlat resolves an order that outlived its retry budget: cancel, then
// flatten whatever exposure it produced with a single market order. The
// ticket is terminal afterwards and never retried. Idempotent.
func (c *Controller) panicFlat(ctx context.Context, t *Ticket, now time.Time) {
	if t.Forced {
		return
	}
	t.Forced = true

	if err := c.broker.Cancel(ctx, t.Ref); err != nil {
		log.Printf("executor: panic cancel %s error: %v", t.Ref, err)
	}
	t.Ack = Cancelled

	var flatten OrderIntent
	switch t.Intent.Side {
	case Buy:
		// Unwind whatever got bought.
		if t.FilledQty <= 0 {
			log.Printf("executor: panic-flat %s, no exposure to unwind", t.Intent.Symbol)
			if c.bus != nil {
				c.bus.Publish(events.EventPanicFlat, t)
			}
			return
		}
		flatten = OrderIntent{
			Symbol: t.Intent.Symbol,
			Side:   Sell,
			Kind:   Market,
			Qty:    t.FilledQty,
			Reason: "panic_flat",
		}
	case Sell:
		// The exit did not complete; dump the remainder at market.
		flatten = OrderIntent{
			Symbol: t.Intent.Symbol,
			Side:   Sell,
			Kind:   Market,
			Qty:    t.Remaining(),
			Reason: "panic_flat",
		}
	}

	pt := &Ticket{
		ID:          uuid.NewString(),
		Intent:      flatten,
		Ack:         Pending,
		Forced:      true,
		noRetry:     true,
		submittedAt: now,
	}
	ref, err := c.broker.SubmitOrder(ctx, flatten)
	if err != nil {
		// Market flattening is assumed to succeed; a broker error here is
		// logged loudly and left to the session-end reconciliation.
		log.Printf("executor: PANIC FLAT SUBMIT FAILED %s: %v", flatten.Symbol, err)
		pt.Ack = Rejected
	}
	pt.Ref = ref
	c.track(pt)

	log.Printf("executor: panic-flat %s qty=%.0f after %d retries", flatten.Symbol, flatten.Qty, t.Retries)
	if c.bus != nil {
		c.bus.Publish(events.EventPanicFlat, t)
	}
}

// CancelTicket cancels a live order, used by purge paths. Safe to call on
// terminal tickets. A fill can land between the last pump and the cancel, so
// the broker is polled once more before the ticket is marked terminal; any
// late fill is handed to the next Pump.
func (c *Controller) CancelTicket(ctx context.Context, t *Ticket) {
	if t == nil || t.Terminal() {
		return
	}
	if state, err := c.broker.OrderStatus(ctx, t.Ref); err == nil {
		if fills := c.apply(t, state, c.clk.Now()); len(fills) > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, fills...)
			c.mu.Unlock()
		}
		if t.Terminal() {
			return
		}
	}
	if err := c.broker.Cancel(ctx, t.Ref); err != nil {
		log.Printf("executor: cancel %s error: %v", t.Ref, err)
		return
	}
	t.Ack = Cancelled
	if c.bus != nil {
		c.bus.Publish(events.EventOrderCancelled, t)
	}
}

func (c *Controller) track(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets[t.ID] = t
	if !t.Terminal() {
		c.live = append(c.live, t)
	}
}

// LiveCount returns the number of orders still in flight.
func (c *Controller) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
