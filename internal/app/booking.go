package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"space_broker/internal/adapters/observability"
	"space_broker/internal/domain"
)

// BookingService owns the renter-facing reservation lifecycle: quoting,
// creation with deposit custody, and pre-signature cancellation.
type BookingService struct {
	store    domain.Store
	provider domain.PaymentProvider
	cache    domain.Cache
}

func NewBookingService(store domain.Store, provider domain.PaymentProvider, cache domain.Cache) *BookingService {
	return &BookingService{store: store, provider: provider, cache: cache}
}

// Quote prices a request with no side effects. The deposit percentage
// is read from platform settings at quote time and carried inside the
// breakdown so contract-time re-derivation uses the same snapshot.
func (s *BookingService) Quote(ctx context.Context, spaceID, areaM2 int64, unit domain.PeriodUnit, periods int64) (domain.Breakdown, error) {
	sp, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return domain.Breakdown{}, err
	}
	depositPct, err := s.store.SettingInt(ctx, domain.SettingDepositPercent)
	if err != nil {
		return domain.Breakdown{}, err
	}
	return domain.Quote(sp.Prices, areaM2, unit, periods, depositPct)
}

type CreateReservationInput struct {
	SpaceID        int64
	Quote          domain.Breakdown
	Method         string
	IdempotencyKey string
}

// CreateReservation re-validates the quote, re-checks capacity under
// the space row lock, creates the reservation atomically with its
// deposit payment, then authorizes and captures the deposit. The
// client-supplied idempotency key makes retries safe: re-submitting the
// same quote never double-charges.
func (s *BookingService) CreateReservation(ctx context.Context, guest domain.Principal, in CreateReservationInput) (*domain.Reservation, error) {
	if guest.Role != domain.RoleGuest {
		return nil, fmt.Errorf("%w: only guests create reservations", domain.ErrValidation)
	}
	if in.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	if in.Method == "" {
		return nil, fmt.Errorf("%w: payment method is required", domain.ErrValidation)
	}

	// A retry lands here: the key maps to the earlier payment record.
	// Only the guest who owns that record may resume it; a foreign or
	// reused key never resolves to someone else's reservation.
	if prior, err := s.store.GetPaymentByKey(ctx, in.IdempotencyKey); err == nil {
		res, err := s.store.GetReservation(ctx, prior.ReservationID)
		if err != nil {
			return nil, err
		}
		if res.GuestID != guest.ID || prior.Kind != domain.PaymentDeposit {
			return nil, fmt.Errorf("%w: idempotency key is already in use", domain.ErrValidation)
		}
		if prior.Status != domain.EscrowPending {
			return res, nil // already settled, nothing to redo
		}
		return s.captureDeposit(ctx, res, prior)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var (
		res     *domain.Reservation
		deposit *domain.Payment
	)
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		sp, err := tx.GetSpaceForUpdate(ctx, in.SpaceID)
		if err != nil {
			return err
		}
		held, err := tx.HeldAreaM2(ctx, sp.ID)
		if err != nil {
			return err
		}
		if held+in.Quote.AreaM2 > sp.AvailableAreaM2 {
			return fmt.Errorf("%w: %d m² already held of %d m²", domain.ErrCapacityExceeded, held, sp.AvailableAreaM2)
		}
		res, err = domain.NewReservation(sp, guest.ID, in.Quote)
		if err != nil {
			return err
		}
		if err := tx.CreateReservation(ctx, res); err != nil {
			return err
		}
		deposit = &domain.Payment{
			ReservationID:  res.ID,
			Kind:           domain.PaymentDeposit,
			Amount:         res.Quote.Deposit,
			Method:         in.Method,
			Status:         domain.EscrowPending,
			IdempotencyKey: in.IdempotencyKey,
		}
		return tx.CreatePayment(ctx, deposit)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicatePayment) {
			// Lost a race against our own retry; serve the winner's record.
			return s.CreateReservation(ctx, guest, in)
		}
		return nil, err
	}

	return s.captureDeposit(ctx, res, deposit)
}

// captureDeposit drives authorize+capture and flips the reservation to
// deposit_held. A capability failure leaves the reservation in
// pending_payment; the caller retries with the same idempotency key.
func (s *BookingService) captureDeposit(ctx context.Context, res *domain.Reservation, deposit *domain.Payment) (*domain.Reservation, error) {
	ref, err := s.provider.Authorize(ctx, domain.ChargeRequest{
		IdempotencyKey: deposit.IdempotencyKey,
		Amount:         deposit.Amount,
		Method:         deposit.Method,
	})
	if err != nil {
		observability.ObserveTransition("reservation", string(domain.ReservationDepositHeld), false)
		return nil, err
	}
	if err := s.provider.Capture(ctx, ref); err != nil {
		observability.ObserveTransition("reservation", string(domain.ReservationDepositHeld), false)
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		locked, err := tx.GetReservationForUpdate(ctx, res.ID)
		if err != nil {
			return err
		}
		pay, err := tx.GetPaymentForUpdate(ctx, deposit.ID)
		if err != nil {
			return err
		}
		if pay.Status != domain.EscrowPending {
			// Reconciled by a concurrent retry already.
			*res = *locked
			return nil
		}
		if err := locked.MarkDepositHeld(); err != nil {
			return err
		}
		if err := pay.MarkHeld(now); err != nil {
			return err
		}
		pay.ProviderRef = ref
		if err := tx.SavePayment(ctx, pay); err != nil {
			return err
		}
		if err := tx.SaveReservation(ctx, locked); err != nil {
			return err
		}
		*res = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveEscrow("held")
	observability.ObserveTransition("reservation", string(res.Status), true)
	s.invalidateReservation(ctx, res.ID)
	return res, nil
}

// CancelReservation is accepted strictly while the reservation is in
// deposit_held. The held deposit is refunded in full.
func (s *BookingService) CancelReservation(ctx context.Context, by domain.Principal, reservationID int64) (*domain.Reservation, error) {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	deposit, err := s.heldDeposit(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	// Guard before touching money so an ineligible cancel never calls
	// the capability.
	probe := *res
	if err := probe.Cancel(by); err != nil {
		observability.ObserveTransition("reservation", string(domain.ReservationRefunded), false)
		return nil, err
	}

	if err := s.provider.Refund(ctx, deposit.ProviderRef); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		locked, err := tx.GetReservationForUpdate(ctx, res.ID)
		if err != nil {
			return err
		}
		pay, err := tx.GetPaymentForUpdate(ctx, deposit.ID)
		if err != nil {
			return err
		}
		if pay.Status == domain.EscrowRefunded {
			*res = *locked
			return nil // retried cancel, already done
		}
		if err := locked.Cancel(by); err != nil {
			return err
		}
		if err := pay.Refund(now); err != nil {
			return err
		}
		if err := tx.SavePayment(ctx, pay); err != nil {
			return err
		}
		if err := tx.SaveReservation(ctx, locked); err != nil {
			return err
		}
		*res = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveEscrow("refunded")
	observability.ObserveTransition("reservation", string(res.Status), true)
	s.invalidateReservation(ctx, res.ID)
	return res, nil
}

// AbandonPending expires a reservation stuck in pending_payment,
// voiding its uncaptured deposit. The held area frees up and a late
// retry of the original idempotency key finds the settled record
// instead of charging the guest. Driven by the sweeper.
func (s *BookingService) AbandonPending(ctx context.Context, reservationID int64) error {
	now := time.Now().UTC()
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		res, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := res.Abandon(); err != nil {
			return err
		}
		pays, err := tx.ListPaymentsByReservation(ctx, res.ID)
		if err != nil {
			return err
		}
		for i := range pays {
			if pays[i].Status != domain.EscrowPending {
				continue
			}
			p, err := tx.GetPaymentForUpdate(ctx, pays[i].ID)
			if err != nil {
				return err
			}
			if err := p.Void(now); err != nil {
				return err
			}
			if err := tx.SavePayment(ctx, p); err != nil {
				return err
			}
		}
		return tx.SaveReservation(ctx, res)
	})
	if err != nil {
		return err
	}
	observability.ObserveTransition("reservation", string(domain.ReservationCancelled), true)
	s.invalidateReservation(ctx, reservationID)
	return nil
}

func (s *BookingService) heldDeposit(ctx context.Context, reservationID int64) (*domain.Payment, error) {
	pays, err := s.store.ListPaymentsByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	for i := range pays {
		if pays[i].Kind == domain.PaymentDeposit && pays[i].Status == domain.EscrowHeld {
			return &pays[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no held deposit", domain.ErrNotHeld)
}

func (s *BookingService) invalidateReservation(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, fmt.Sprintf("reservation:%d", id))
}
