package calc

import (
	"fmt"
)

// maxPurchasePoints bounds a single top-up; anything larger is a client bug.
const maxPurchasePoints int64 = 1_000_000

// ValidatePurchasePoints checks that a purchase amount is one the
// calculator could have produced.
func ValidatePurchasePoints(points int64) error {
	if points <= 0 {
		return fmt.Errorf("invalid purchase amount: must be positive")
	}
	if points%ExactStep != 0 {
		return fmt.Errorf("invalid purchase amount: must be a multiple of %d points", ExactStep)
	}
	if points > maxPurchasePoints {
		return fmt.Errorf("invalid purchase amount: too large")
	}
	return nil
}

// ValidateRequired checks the required-points input of an options request.
func ValidateRequired(required int64) error {
	if required < 0 {
		return fmt.Errorf("invalid required amount: cannot be negative")
	}
	if required > maxPurchasePoints {
		return fmt.Errorf("invalid required amount: too large")
	}
	return nil
}
