// Package ledger is the authoritative book of cash and positions. The core
// reads balances and position state from it and writes fills into it; the
// live implementation proxies a brokerage account, the paper implementation
// below backs dry runs and replay.
package ledger

import (
	"log"
	"strings"
	"sync"
	"time"

	"momentum-core/internal/exec"
)

// Position is a net long position in one symbol.
type Position struct {
	Symbol   string
	Qty      float64
	AvgPrice float64
	OpenedAt time.Time
}

// Ledger is the balance source consulted before every sizing decision.
type Ledger interface {
	// SettledCash is the buying power eligible for new purchases under
	// settlement rules.
	SettledCash() float64
	// Equity is settled plus unsettled cash plus open position cost basis.
	Equity() float64
	OpenPositionCount() int
	Position(symbol string) (Position, bool)
	// ApplyFill mutates the book from an executed fill and returns realized
	// PnL (non-zero only when the fill reduces a position).
	ApplyFill(fill exec.Fill) float64
}

// Paper is an in-memory ledger with T+1-style settlement: sale proceeds
// land in unsettled cash and become settled on the next day roll.
type Paper struct {
	mu        sync.Mutex
	settled   float64
	unsettled float64
	positions map[string]*Position
	day       time.Time
}

func NewPaper(startingCash float64, start time.Time) *Paper {
	return &Paper{
		settled:   startingCash,
		positions: make(map[string]*Position),
		day:       start.Truncate(24 * time.Hour),
	}
}

func (p *Paper) SettledCash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

func (p *Paper) Equity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	eq := p.settled + p.unsettled
	for _, pos := range p.positions {
		eq += pos.Qty * pos.AvgPrice
	}
	return eq
}

func (p *Paper) OpenPositionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

func (p *Paper) Position(symbol string) (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// ApplyFill books a fill. Buys consume settled cash; sells realize PnL
// against average cost and queue proceeds as unsettled.
func (p *Paper) ApplyFill(fill exec.Fill) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollDayIfNeeded(fill.At)

	sym := strings.ToUpper(fill.Symbol)
	pos := p.positions[sym]

	switch fill.Side {
	case exec.Buy:
		cost := fill.Qty * fill.Price
		p.settled -= cost
		if pos == nil {
			p.positions[sym] = &Position{Symbol: sym, Qty: fill.Qty, AvgPrice: fill.Price, OpenedAt: fill.At}
			return 0
		}
		newQty := pos.Qty + fill.Qty
		pos.AvgPrice = (pos.AvgPrice*pos.Qty + fill.Price*fill.Qty) / newQty
		pos.Qty = newQty
		return 0

	case exec.Sell:
		if pos == nil {
			log.Printf("ledger: sell fill for flat symbol %s ignored", sym)
			return 0
		}
		qty := min(fill.Qty, pos.Qty)
		realized := (fill.Price - pos.AvgPrice) * qty
		p.unsettled += qty * fill.Price
		pos.Qty -= qty
		if pos.Qty <= 0 {
			delete(p.positions, sym)
		}
		return realized
	}
	return 0
}

func (p *Paper) rollDayIfNeeded(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if day.After(p.day) {
		p.settled += p.unsettled
		p.unsettled = 0
		p.day = day
	}
}
