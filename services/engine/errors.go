package engine

import "errors"

var (
	// ErrInvalidStop means the stop price coincides with the entry price, so
	// the trade defines no risk and cannot be sized. The offending signal is
	// discarded; the run continues.
	ErrInvalidStop = errors.New("invalid stop: zero distance to entry")

	// ErrRiskCapExceeded is a rejection, not a failure: opening the position
	// would push total open risk past the account cap. The signal is dropped,
	// never queued, and the rejection is counted.
	ErrRiskCapExceeded = errors.New("risk cap exceeded")

	// ErrInvalidPartials means a partial-exit ladder whose fractions sum to
	// more than one, or a rung with a non-positive fraction or R-multiple.
	ErrInvalidPartials = errors.New("invalid partial-exit ladder")

	// ErrDuplicateStrategy is returned when two strategies register under the
	// same name; the name keys the open-position table.
	ErrDuplicateStrategy = errors.New("strategy already registered")

	// ErrNoStrategies is returned when Run is called with nothing registered.
	ErrNoStrategies = errors.New("no strategies registered")
)
