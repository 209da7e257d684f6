package domain

import (
	"fmt"
	"time"
)

type ReservationStatus string

const (
	ReservationPendingPayment  ReservationStatus = "pending_payment"
	ReservationDepositHeld     ReservationStatus = "deposit_held"
	ReservationContractPending ReservationStatus = "contract_pending"
	ReservationActive          ReservationStatus = "active"
	ReservationCompleted       ReservationStatus = "completed"
	ReservationCancelled       ReservationStatus = "cancelled"
	ReservationRefunded        ReservationStatus = "refunded"
)

// Adjacency of the reservation state machine. A transition outside this
// table is reported as ErrInvalidTransition, never silently ignored.
var reservationEdges = map[ReservationStatus][]ReservationStatus{
	ReservationPendingPayment:  {ReservationDepositHeld, ReservationCancelled},
	ReservationDepositHeld:     {ReservationContractPending, ReservationCancelled, ReservationRefunded},
	ReservationContractPending: {ReservationActive},
	ReservationActive:          {ReservationCompleted},
}

type Reservation struct {
	ID        int64
	SpaceID   int64
	GuestID   int64
	Quote     Breakdown
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewReservation validates the request against the space and re-derives
// the quote server-side. The caller's breakdown is compared against the
// fresh one; any drift is a PriceMismatch.
func NewReservation(sp Space, guestID int64, requested Breakdown) (*Reservation, error) {
	if requested.AreaM2 > sp.AvailableAreaM2 {
		return nil, fmt.Errorf("%w: requested %d m², available %d m²", ErrCapacityExceeded, requested.AreaM2, sp.AvailableAreaM2)
	}
	fresh, err := Quote(sp.Prices, requested.AreaM2, requested.Unit, requested.Periods, requested.DepositPercent)
	if err != nil {
		return nil, err
	}
	if fresh != requested {
		return nil, ErrPriceMismatch
	}
	return &Reservation{
		SpaceID: sp.ID,
		GuestID: guestID,
		Quote:   fresh,
		Status:  ReservationPendingPayment,
	}, nil
}

func (r *Reservation) transition(to ReservationStatus) error {
	for _, next := range reservationEdges[r.Status] {
		if next == to {
			r.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: reservation %s -> %s", ErrInvalidTransition, r.Status, to)
}

// MarkDepositHeld fires on a successful authorize+capture.
func (r *Reservation) MarkDepositHeld() error {
	return r.transition(ReservationDepositHeld)
}

// Cancel is the guest-initiated cancellation. It is accepted strictly
// while the deposit is held and before any contract has been signed,
// and always yields a full refund of the deposit.
func (r *Reservation) Cancel(by Principal) error {
	if by.Role != RoleGuest || by.ID != r.GuestID {
		return fmt.Errorf("%w: only the reserving guest may cancel", ErrInvalidTransition)
	}
	if r.Status != ReservationDepositHeld {
		return fmt.Errorf("%w: reservation %s cannot be cancelled", ErrInvalidTransition, r.Status)
	}
	return r.transition(ReservationRefunded)
}

// Abandon expires a reservation whose deposit was never captured. Its
// requested area stops counting against the space's capacity.
func (r *Reservation) Abandon() error {
	if r.Status != ReservationPendingPayment {
		return fmt.Errorf("%w: reservation %s cannot be abandoned", ErrInvalidTransition, r.Status)
	}
	return r.transition(ReservationCancelled)
}

// EnterContract moves the reservation under the signing protocol.
func (r *Reservation) EnterContract() error {
	return r.transition(ReservationContractPending)
}

// Activate fires when the associated contract reaches signed.
func (r *Reservation) Activate() error {
	return r.transition(ReservationActive)
}

// Complete is the administrative close once the rental period elapses.
func (r *Reservation) Complete() error {
	return r.transition(ReservationCompleted)
}
