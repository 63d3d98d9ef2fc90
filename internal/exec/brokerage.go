package exec

import "context"

// Brokerage is the sole mutation path to real-world exposure. The core
// never assumes a fill happened without an explicit Filled or
// PartiallyFilled status from OrderStatus.
type Brokerage interface {
	SubmitOrder(ctx context.Context, intent OrderIntent) (OrderRef, error)
	OrderStatus(ctx context.Context, ref OrderRef) (OrderState, error)
	Cancel(ctx context.Context, ref OrderRef) error
}
