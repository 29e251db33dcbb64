package calc

import (
	"github.com/shopspring/decimal"
)

// Point purchases come in two shapes: a fee-free top-up in steps of 50
// points (never below the configured minimum), and an exact top-up in
// steps of 10 points that carries a processing fee.
const (
	RecommendedStep int64 = 50
	ExactStep       int64 = 10
)

const (
	OptionRecommended = "recommended"
	OptionExact       = "exact"
)

// FeeParams are the purchase economics, normally read from the fee_config
// row and falling back to configured defaults when that read fails.
type FeeParams struct {
	Rate            decimal.Decimal // processing fee rate on the base cost
	FixedFee        decimal.Decimal // flat processing fee component, EUR
	PointPrice      decimal.Decimal // EUR per point
	MinimumPurchase int64           // fee-free purchases start here
}

// PurchaseOption is one way to cover a point shortfall.
type PurchaseOption struct {
	Kind   string
	Points int64
	Cost   decimal.Decimal // base cost: points * price
	Fee    decimal.Decimal
	Total  decimal.Decimal // cost + fee
}

// Deficit is the shortfall a purchase has to cover.
func Deficit(balance, required int64) int64 {
	return required - balance
}

// RoundUpTo rounds n up to the nearest positive multiple of step.
func RoundUpTo(n, step int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + step - 1) / step * step
}

// PurchaseOptions computes the purchase options for a point deficit:
//
//   - recommended: ceil(max(minimumPurchase, deficit)/50)*50 points, fee-free
//   - exact: ceil(deficit/10)*10 points with a processing fee, offered only
//     while the deficit sits under the minimum and the point amount is
//     strictly below the recommended one
//
// A deficit of zero or less needs no purchase and yields no options.
func PurchaseOptions(deficit int64, p FeeParams) []PurchaseOption {
	if deficit <= 0 {
		return nil
	}

	need := deficit
	if p.MinimumPurchase > need {
		need = p.MinimumPurchase
	}

	recommended := PurchaseOption{
		Kind:   OptionRecommended,
		Points: RoundUpTo(need, RecommendedStep),
		Fee:    decimal.Zero,
	}
	recommended.Cost = baseCost(recommended.Points, p.PointPrice)
	recommended.Total = recommended.Cost

	options := []PurchaseOption{recommended}

	exactPoints := RoundUpTo(deficit, ExactStep)
	if deficit < p.MinimumPurchase && exactPoints < recommended.Points {
		exact := PurchaseOption{
			Kind:   OptionExact,
			Points: exactPoints,
		}
		exact.Cost = baseCost(exact.Points, p.PointPrice)
		exact.Fee = ProcessingFee(exact.Cost, p)
		exact.Total = exact.Cost.Add(exact.Fee)
		options = append(options, exact)
	}

	return options
}

// PriceFor prices an arbitrary purchase of points. Multiples of 50 at or
// above the minimum are the fee-free shape; everything else is an exact
// top-up and pays the processing fee.
func PriceFor(points int64, p FeeParams) (cost, fee, total decimal.Decimal) {
	cost = baseCost(points, p.PointPrice)
	if points >= p.MinimumPurchase && points%RecommendedStep == 0 {
		fee = decimal.Zero
	} else {
		fee = ProcessingFee(cost, p)
	}
	total = cost.Add(fee)
	return cost, fee, total
}

// ProcessingFee is rate*cost + fixedFee, rounded to cents.
func ProcessingFee(cost decimal.Decimal, p FeeParams) decimal.Decimal {
	return p.Rate.Mul(cost).Add(p.FixedFee).Round(2)
}

func baseCost(points int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(points)).Round(2)
}
