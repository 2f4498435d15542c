package domain

// AlertKind classifies an operator-facing alert. The notifier's event filter
// and the channel senders key their behavior off the kind, so free-form
// strings are not accepted.
type AlertKind string

const (
	// AlertHealthWarning fires when a position drops into the at-risk band.
	AlertHealthWarning AlertKind = "health-warning"
	// AlertLiquidation fires when a liquidation settles on chain.
	AlertLiquidation AlertKind = "liquidation"
	// AlertError fires when a job exhausts its attempt budget.
	AlertError AlertKind = "error"
)
