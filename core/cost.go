package core

import (
	"fmt"
	"math"
)

// nanosPerDollar is the number of Cost units in one US dollar.
const nanosPerDollar = 1_000_000_000

// Cost is an amount of money expressed in nano-dollars. Integer units keep
// budget arithmetic exact: 0.01 USD is 10_000_000 and never drifts when
// summed. Nano precision represents per-token rates down to $0.001 per
// million tokens; an int64 still holds more than nine billion dollars.
type Cost int64

// Dollars converts a dollar amount into Cost, rounding to the nearest nano-dollar.
func Dollars(d float64) Cost {
	return Cost(math.Round(d * nanosPerDollar))
}

// Dollars returns the amount as floating point dollars for display and JSON.
func (c Cost) Dollars() float64 {
	return float64(c) / nanosPerDollar
}

// String implements fmt.Stringer.
func (c Cost) String() string {
	return fmt.Sprintf("$%.9f", c.Dollars())
}

// Rate converts a per-unit dollar rate into Cost. Unlike Dollars it rejects
// a non-zero rate that is too small to represent, which would otherwise
// price every unit at zero.
func Rate(d float64) (Cost, error) {
	c := Dollars(d)
	if d != 0 && c == 0 {
		return 0, fmt.Errorf("rate %g is below the smallest representable amount of $%.9f", d, 1.0/nanosPerDollar)
	}
	return c, nil
}

// Usage captures spend for a run or a single call. It is used both as a
// running counter and as a delta.
type Usage struct {
	Cost   Cost `json:"cost" bson:"cost"`
	Tokens int  `json:"tokens" bson:"tokens"`
}

// Add returns the sum of u and d.
func (u Usage) Add(d Usage) Usage {
	return Usage{Cost: u.Cost + d.Cost, Tokens: u.Tokens + d.Tokens}
}

// IsZero reports whether no spend has been recorded.
func (u Usage) IsZero() bool { return u.Cost == 0 && u.Tokens == 0 }
