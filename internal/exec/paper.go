package exec

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"momentum-core/internal/clock"
)

// PaperBroker simulates a brokerage for dry runs and replay: configurable
// acknowledgement latency, slippage, and partial fills give the retry and
// panic-flat ladders realistic behavior without touching a live venue.
type PaperBroker struct {
	FillDelay    time.Duration
	SlippageBps  float64
	PartialRatio float64 // first visible fill fraction for limit orders; 0 disables

	clk     clock.Clock
	limiter *rate.Limiter
	rng     *rand.Rand

	mu      sync.Mutex
	orders  map[OrderRef]*paperOrder
	stalled map[string]bool
}

type paperOrder struct {
	intent      OrderIntent
	submittedAt time.Time
	state       OrderState
}

func NewPaperBroker(clk clock.Clock, seed int64) *PaperBroker {
	return &PaperBroker{
		FillDelay:   0,
		SlippageBps: 2,
		clk:         clk,
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		rng:         rand.New(rand.NewSource(seed)),
		orders:      make(map[OrderRef]*paperOrder),
		stalled:     make(map[string]bool),
	}
}

// StallSymbol makes orders for a symbol hang unacknowledged, exercising the
// cancel-replace and panic-flat paths.
func (b *PaperBroker) StallSymbol(symbol string, stalled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalled[symbol] = stalled
}

func (b *PaperBroker) SubmitOrder(ctx context.Context, intent OrderIntent) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !b.limiter.Allow() {
		return "", fmt.Errorf("paper broker: order rate exceeded")
	}
	if intent.Qty <= 0 {
		return "", fmt.Errorf("paper broker: non-positive qty %.2f", intent.Qty)
	}

	ref := OrderRef(uuid.NewString())
	b.mu.Lock()
	b.orders[ref] = &paperOrder{
		intent:      intent,
		submittedAt: b.clk.Now(),
		state:       OrderState{Ref: ref, Ack: Pending},
	}
	b.mu.Unlock()
	return ref, nil
}

func (b *PaperBroker) OrderStatus(ctx context.Context, ref OrderRef) (OrderState, error) {
	if err := ctx.Err(); err != nil {
		return OrderState{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[ref]
	if !ok {
		return OrderState{}, ErrUnknownOrder
	}
	if o.state.Ack.Terminal() || b.stalled[o.intent.Symbol] {
		return o.state, nil
	}
	if b.clk.Now().Sub(o.submittedAt) < b.FillDelay {
		return o.state, nil
	}

	// Fill price: intent price adjusted by slippage noise. Market orders
	// use the intent price as the reference mark.
	px := o.intent.Price
	if px <= 0 {
		px = 1
	}
	slip := b.rng.Float64() * b.SlippageBps / 10_000
	if o.intent.Side == Buy {
		px *= 1 + slip
	} else {
		px *= 1 - slip
	}

	switch {
	case o.intent.Kind == Market:
		o.state.FilledQty = o.intent.Qty
		o.state.AvgPrice = px
		o.state.Ack = Filled
	case b.PartialRatio > 0 && o.state.FilledQty == 0:
		o.state.FilledQty = o.intent.Qty * b.PartialRatio
		o.state.AvgPrice = px
		o.state.Ack = PartiallyFilled
	default:
		o.state.FilledQty = o.intent.Qty
		o.state.AvgPrice = px
		o.state.Ack = Filled
	}
	return o.state, nil
}

func (b *PaperBroker) Cancel(ctx context.Context, ref OrderRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[ref]
	if !ok {
		return ErrUnknownOrder
	}
	if o.state.Ack.Terminal() {
		return nil // idempotent
	}
	o.state.Ack = Cancelled
	return nil
}
