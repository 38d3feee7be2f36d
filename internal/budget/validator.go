package budget

// Validator checks the shape of a requested privacy cost before any store
// access. It is pure: validation is independent of the remaining budget.
type Validator struct {
	minCost float64
	maxCost float64
}

// NewValidator creates a Validator with the given bounds. A non-positive
// maxCost falls back to DefaultMaxCost. minCost is an optional floor; zero
// means any positive cost passes the lower bound.
func NewValidator(minCost, maxCost float64) *Validator {
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	return &Validator{minCost: minCost, maxCost: maxCost}
}

// Validate returns nil when cost lies inside the configured bounds, or an
// *InvalidCostError otherwise.
func (v *Validator) Validate(cost float64) error {
	if cost <= 0 || cost > v.maxCost || (v.minCost > 0 && cost < v.minCost) {
		return &InvalidCostError{Cost: cost, Min: v.minCost, Max: v.maxCost}
	}
	return nil
}

// MaxCost returns the configured per-query cost ceiling.
func (v *Validator) MaxCost() float64 { return v.maxCost }
