package exec

import (
	"errors"
	"time"
)

var (
	ErrUnknownOrder = errors.New("order not found")
	ErrTerminal     = errors.New("order already terminal")
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Kind of an order.
type Kind string

const (
	Limit  Kind = "LIMIT"
	Market Kind = "MARKET"
)

// AckState is the broker-confirmed lifecycle state of one order.
type AckState string

const (
	Pending         AckState = "PENDING"
	PartiallyFilled AckState = "PARTIALLY_FILLED"
	Filled          AckState = "FILLED"
	Cancelled       AckState = "CANCELLED"
	Rejected        AckState = "REJECTED"
)

// Terminal reports whether no further transitions are possible.
func (s AckState) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected:
		return true
	default:
		return false
	}
}

// OrderIntent is a request to commit (or release) exposure. Intents are
// produced by the entry trigger and the exit ladder and are owned by the
// execution controller once submitted.
type OrderIntent struct {
	Symbol string
	Side   Side
	Kind   Kind
	Price  float64 // limit price; ignored for market orders
	Qty    float64
	Reason string // entry, add_on, scale_out, stop, trail, flat, panic_flat
}

// OrderRef identifies an order at the broker.
type OrderRef string

// OrderState is the broker's view of one order, returned by polling.
type OrderState struct {
	Ref       OrderRef
	Ack       AckState
	FilledQty float64
	AvgPrice  float64
}

// Fill is a newly observed execution delta, routed to the ledger.
type Fill struct {
	TicketID string
	Symbol   string
	Side     Side
	Qty      float64
	Price    float64
	Reason   string
	At       time.Time
}
