package domain

import "fmt"

// Cents is a money amount in minor currency units (two decimals).
// All pricing arithmetic stays integral; rounding happens only at the
// percentage splits (deposit, commission), round-half-up.
type Cents int64

// Percent returns p% of the amount, rounded half-up.
// Amounts in this engine are never negative.
func (c Cents) Percent(p int) Cents {
	v := int64(c) * int64(p)
	return Cents((v + 50) / 100)
}

func (c Cents) String() string {
	return fmt.Sprintf("%d.%02d", int64(c)/100, int64(c)%100)
}
