package domain

import (
	"fmt"
	"time"
)

type PaymentKind string

const (
	PaymentDeposit   PaymentKind = "deposit"
	PaymentExtension PaymentKind = "extension"
)

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Payment is an append-only escrow record. Its status is monotonic:
// pending → held → {released | refunded}, never backward; an abandoned
// pending payment voids straight to refunded. Release and refund are
// terminal; the payout/commission split is computed once at release
// time and is then immutable.
type Payment struct {
	ID            int64
	ReservationID int64
	ContractID    *int64
	Kind          PaymentKind
	Amount        Cents
	Method        string
	Status        EscrowStatus
	// IdempotencyKey makes retried captures safe: the same key always
	// maps to the same payment record.
	IdempotencyKey string
	ProviderRef    string
	Payout         Cents
	Commission     Cents
	CreatedAt      time.Time
	HeldAt         *time.Time
	ReleasedAt     *time.Time
	RefundedAt     *time.Time
}

func (p *Payment) Terminal() bool {
	return p.Status == EscrowReleased || p.Status == EscrowRefunded
}

func (p *Payment) MarkHeld(at time.Time) error {
	if p.Status != EscrowPending {
		return fmt.Errorf("%w: payment is %s", ErrInvalidTransition, p.Status)
	}
	p.Status = EscrowHeld
	p.HeldAt = &at
	return nil
}

// Release splits the held amount into a host payout and a platform
// commission credit using the commission rate in effect at contract
// signature time.
func (p *Payment) Release(commissionPercent int, at time.Time) error {
	if p.Status != EscrowHeld {
		return fmt.Errorf("%w: payment is %s", ErrNotHeld, p.Status)
	}
	p.Commission = p.Amount.Percent(commissionPercent)
	p.Payout = p.Amount - p.Commission
	p.Status = EscrowReleased
	p.ReleasedAt = &at
	return nil
}

// Refund voids the full held amount back to the original method.
// Partial refunds are not modeled.
func (p *Payment) Refund(at time.Time) error {
	if p.Status != EscrowHeld {
		return fmt.Errorf("%w: payment is %s", ErrNotHeld, p.Status)
	}
	p.Status = EscrowRefunded
	p.RefundedAt = &at
	return nil
}

// Void closes a pending payment whose capture never happened. The row
// lands in refunded so a late retry of the same idempotency key finds a
// settled record instead of driving a capture.
func (p *Payment) Void(at time.Time) error {
	if p.Status != EscrowPending {
		return fmt.Errorf("%w: payment is %s", ErrInvalidTransition, p.Status)
	}
	p.Status = EscrowRefunded
	p.RefundedAt = &at
	return nil
}
