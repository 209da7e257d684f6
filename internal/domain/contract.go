package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ContractStatus string

const (
	ContractDraft             ContractStatus = "draft"
	ContractPendingSignatures ContractStatus = "pending_signatures"
	ContractSigned            ContractStatus = "signed"
	ContractActive            ContractStatus = "active"
	ContractExtended          ContractStatus = "extended"
	ContractCompleted         ContractStatus = "completed"
)

type Contract struct {
	ID            int64
	ReservationID int64
	Number        string
	Total         Cents
	// CommissionPercent is snapshotted at signature time, not at
	// reservation creation; the commission amount follows the total.
	CommissionPercent int
	Commission        Cents
	GuestSignedAt     *time.Time
	HostSignedAt      *time.Time
	Status            ContractStatus
	EndsAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewContract opens the signing protocol for a reservation.
func NewContract(res *Reservation) *Contract {
	return &Contract{
		ReservationID: res.ID,
		Number:        newContractNumber(time.Now().UTC()),
		Total:         res.Quote.Total,
		Status:        ContractPendingSignatures,
	}
}

func newContractNumber(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("CT-%d-%s", now.Year(), strings.ToUpper(suffix))
}

func (c *Contract) SignedBy(role Role) bool {
	switch role {
	case RoleGuest:
		return c.GuestSignedAt != nil
	case RoleHost:
		return c.HostSignedAt != nil
	}
	return false
}

// Sign records one party's signature. Order-independent: either party
// may sign first; the contract reaches signed only once both have.
// Returns true when this signature was the second one.
func (c *Contract) Sign(role Role, at time.Time) (bool, error) {
	if c.Status != ContractPendingSignatures {
		return false, fmt.Errorf("%w: contract is %s", ErrInvalidTransition, c.Status)
	}
	switch role {
	case RoleGuest:
		if c.GuestSignedAt != nil {
			return false, fmt.Errorf("%w: guest already signed", ErrInvalidTransition)
		}
		c.GuestSignedAt = &at
	case RoleHost:
		if c.HostSignedAt != nil {
			return false, fmt.Errorf("%w: host already signed", ErrInvalidTransition)
		}
		c.HostSignedAt = &at
	default:
		return false, fmt.Errorf("%w: role %s cannot sign", ErrInvalidTransition, role)
	}
	if c.GuestSignedAt != nil && c.HostSignedAt != nil {
		c.Status = ContractSigned
		return true, nil
	}
	return false, nil
}

// Seal captures the commission snapshot when the second signature
// lands, then the contract can be activated.
func (c *Contract) Seal(commissionPercent int) error {
	if c.Status != ContractSigned {
		return fmt.Errorf("%w: contract is %s", ErrInvalidTransition, c.Status)
	}
	c.CommissionPercent = commissionPercent
	c.Commission = c.Total.Percent(commissionPercent)
	return nil
}

func (c *Contract) Activate(endsAt time.Time) error {
	if c.Status != ContractSigned && c.Status != ContractExtended {
		return fmt.Errorf("%w: contract is %s", ErrInvalidTransition, c.Status)
	}
	c.Status = ContractActive
	c.EndsAt = &endsAt
	return nil
}

// Extend appends a newly priced period to the same contract. No
// re-signature is required, but the recorded total and commission are
// updated using the rate snapshotted at signature time.
func (c *Contract) Extend(added Breakdown) error {
	if c.Status != ContractSigned && c.Status != ContractActive {
		return fmt.Errorf("%w: contract is %s", ErrInvalidTransition, c.Status)
	}
	c.Total += added.Total
	c.Commission = c.Total.Percent(c.CommissionPercent)
	c.Status = ContractExtended
	if c.EndsAt != nil {
		e := c.EndsAt.AddDate(0, 0, added.Unit.Days()*int(added.Periods))
		c.EndsAt = &e
	}
	return nil
}

func (c *Contract) Complete() error {
	if c.Status != ContractActive {
		return fmt.Errorf("%w: contract is %s", ErrInvalidTransition, c.Status)
	}
	c.Status = ContractCompleted
	return nil
}

// ContractPeriod is one charged period on a contract: the original term
// plus one row per extension.
type ContractPeriod struct {
	ID         int64
	ContractID int64
	Unit       PeriodUnit
	Periods    int64
	Amount     Cents
	PaymentID  int64
	CreatedAt  time.Time
}
