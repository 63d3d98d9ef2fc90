package risk

import "fmt"

// Veto is the explicit refusal to commit capital. It is an error so callers
// cannot ignore it, and carries the reason for the trade record.
type Veto struct {
	Reason string
}

func (v *Veto) Error() string { return "risk veto: " + v.Reason }

// Veto reasons, in check priority order.
const (
	VetoDailyLoss   = "daily_loss_limit"
	VetoWeeklyLoss  = "weekly_loss_limit"
	VetoPositionCap = "position_cap"
	VetoColdRegime  = "cold_regime"
	VetoZeroSize    = "zero_size"
)

// AuthRequest describes one capital-committing intent.
type AuthRequest struct {
	Symbol       string
	Price        float64
	StopDistance float64 // entry minus initial stop, per share
	FloatShares  float64
	Armed        bool    // instance still waiting for its breakout
	SizeFraction float64 // fraction of full size (half-size first fill, add-on)
}

// Sizing is an approved decision: how many shares, and the dollar value of
// one R for the trade.
type Sizing struct {
	Quantity float64
	RiskUnit float64
}

// Budget is the process-wide risk state. Single writer: the Controller.
type Budget struct {
	StartOfDayEquity  float64
	StartOfWeekEquity float64
	RealizedToday     float64
	RealizedWeek      float64
	ReservedSlots     int
}

func (b Budget) String() string {
	return fmt.Sprintf("day=%.2f week=%.2f reserved=%d", b.RealizedToday, b.RealizedWeek, b.ReservedSlots)
}
