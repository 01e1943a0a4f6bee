package txselector

const (
	// ErrUnresolvedLink error message returned if a tx spends the output of
	// a pending tx that is not in the rollup
	ErrUnresolvedLink = "Tx not selected because its backward link points to a pending tx that is not in the rollup"
	// ErrUnresolvedLinkCode error code
	ErrUnresolvedLinkCode int = 18
	// ErrUnresolvedLinkType error type
	ErrUnresolvedLinkType string = "ErrUnresolvedLink"

	// ErrBudgetExhausted error message returned if a tx doesn't fit the
	// remaining resources of the rollup
	ErrBudgetExhausted = "Tx not selected because the rollup has no room left for it"
	// ErrBudgetExhaustedCode error code
	ErrBudgetExhaustedCode int = 19
	// ErrBudgetExhaustedType error type
	ErrBudgetExhaustedType string = "ErrBudgetExhausted"

	// ErrUnknownBridge error message returned if a defi deposit targets a
	// bridge call that is not configured
	ErrUnknownBridge = "Tx not selected because its bridge call is not configured"
	// ErrUnknownBridgeCode error code
	ErrUnknownBridgeCode int = 20
	// ErrUnknownBridgeType error type
	ErrUnknownBridgeType string = "ErrUnknownBridge"
)
