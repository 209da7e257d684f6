package domain

import (
	"fmt"
	"math"
)

// maxQuoteTotal bounds a priced total so the percentage splits that
// follow stay inside int64.
const maxQuoteTotal = math.MaxInt64 / 101

type PeriodUnit string

const (
	PeriodDay      PeriodUnit = "day"
	PeriodWeek     PeriodUnit = "week"
	PeriodMonth    PeriodUnit = "month"
	PeriodQuarter  PeriodUnit = "quarter"
	PeriodSemester PeriodUnit = "semester"
	PeriodYear     PeriodUnit = "year"
)

func (u PeriodUnit) Valid() bool {
	switch u {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodQuarter, PeriodSemester, PeriodYear:
		return true
	}
	return false
}

// Days is the nominal length of one unit, used to compute the end of a
// rental period when a contract is activated or extended.
func (u PeriodUnit) Days() int {
	switch u {
	case PeriodDay:
		return 1
	case PeriodWeek:
		return 7
	case PeriodMonth:
		return 30
	case PeriodQuarter:
		return 90
	case PeriodSemester:
		return 180
	case PeriodYear:
		return 365
	}
	return 0
}

// PriceTable maps a period unit to a per-m²-per-unit rate.
// An absent or non-positive entry means the tier is not offered.
type PriceTable map[PeriodUnit]Cents

func (pt PriceTable) HasAnyTier() bool {
	for _, rate := range pt {
		if rate > 0 {
			return true
		}
	}
	return false
}

// Breakdown is a fully priced quote. It is re-derived at contract time
// and must match the figures captured at reservation time exactly.
type Breakdown struct {
	Rate           Cents      `json:"rate"`
	AreaM2         int64      `json:"area_m2"`
	Unit           PeriodUnit `json:"unit"`
	Periods        int64      `json:"periods"`
	DepositPercent int        `json:"deposit_percent"`
	Total          Cents      `json:"total"`
	Deposit        Cents      `json:"deposit"`
	Remaining      Cents      `json:"remaining"`
}

// Quote prices a rental request against a space's price table.
// total = rate × area × periods; deposit = total × depositPercent / 100
// rounded half-up; remaining = total − deposit. Pure and deterministic:
// the same inputs always produce the same breakdown.
func Quote(pt PriceTable, areaM2 int64, unit PeriodUnit, periods int64, depositPercent int) (Breakdown, error) {
	if areaM2 <= 0 {
		return Breakdown{}, fmt.Errorf("%w: area must be positive", ErrValidation)
	}
	if periods <= 0 {
		return Breakdown{}, fmt.Errorf("%w: period count must be positive", ErrValidation)
	}
	if !unit.Valid() {
		return Breakdown{}, fmt.Errorf("%w: unknown period unit %q", ErrValidation, unit)
	}
	if depositPercent < 0 || depositPercent > 100 {
		return Breakdown{}, fmt.Errorf("%w: deposit percent out of range", ErrValidation)
	}
	rate, ok := pt[unit]
	if !ok || rate <= 0 {
		return Breakdown{}, ErrUnavailablePeriod
	}
	// area and periods are known positive here, so the quotient checks
	// catch any wraparound.
	perPeriod := int64(rate) * areaM2
	if perPeriod/areaM2 != int64(rate) {
		return Breakdown{}, fmt.Errorf("%w: amount overflows", ErrValidation)
	}
	grand := perPeriod * periods
	if grand/periods != perPeriod || grand > maxQuoteTotal {
		return Breakdown{}, fmt.Errorf("%w: amount overflows", ErrValidation)
	}
	total := Cents(grand)
	deposit := total.Percent(depositPercent)
	return Breakdown{
		Rate:           rate,
		AreaM2:         areaM2,
		Unit:           unit,
		Periods:        periods,
		DepositPercent: depositPercent,
		Total:          total,
		Deposit:        deposit,
		Remaining:      total - deposit,
	}, nil
}
