package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventAlert          Event = "scanner.alert"
	EventArmed          Event = "lifecycle.armed"
	EventEntry          Event = "lifecycle.entry"
	EventExit           Event = "lifecycle.exit"
	EventClosed         Event = "lifecycle.closed"
	EventRiskVeto       Event = "risk.veto"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventOrderCancelled Event = "order.cancelled"
	EventPanicFlat      Event = "order.panic_flat"
	EventRegimeChange   Event = "regime.change"
)
