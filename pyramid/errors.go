package pyramid

import "errors"

var (
	// ErrBudgetExceeded signals that a layer cannot fit in the remaining
	// budget. Encode treats it as the end of the layer sequence.
	ErrBudgetExceeded = errors.New("layer exceeds remaining budget")

	// ErrBudgetTooSmall is returned when even the base layer does not fit.
	ErrBudgetTooSmall = errors.New("budget too small for base layer")

	// ErrNoLayers is returned when a directory holds no decodable layer.
	ErrNoLayers = errors.New("no pyramid layers")
)
