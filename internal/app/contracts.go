package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"space_broker/internal/adapters/observability"
	"space_broker/internal/domain"
)

// ContractService owns the dual-signature signing protocol and the
// escrow release that follows it.
type ContractService struct {
	store    domain.Store
	provider domain.PaymentProvider
	otp      domain.OtpIssuer
	cache    domain.Cache
}

func NewContractService(store domain.Store, provider domain.PaymentProvider, otp domain.OtpIssuer, cache domain.Cache) *ContractService {
	return &ContractService{store: store, provider: provider, otp: otp, cache: cache}
}

// parties resolves who may act on a contract: the reserving guest and
// the space's host.
func (s *ContractService) parties(ctx context.Context, store domain.Store, reservationID int64) (*domain.Reservation, domain.Space, error) {
	res, err := store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, domain.Space{}, err
	}
	sp, err := store.GetSpace(ctx, res.SpaceID)
	if err != nil {
		return nil, domain.Space{}, err
	}
	return res, sp, nil
}

func partyOf(by domain.Principal, res *domain.Reservation, sp domain.Space) (domain.Role, error) {
	switch {
	case by.Role == domain.RoleGuest && by.ID == res.GuestID:
		return domain.RoleGuest, nil
	case by.Role == domain.RoleHost && by.ID == sp.HostID:
		return domain.RoleHost, nil
	}
	return "", fmt.Errorf("%w: caller is not a party to this contract", domain.ErrInvalidTransition)
}

// Initiate opens the signing protocol for a reservation in
// deposit_held. The quote is re-derived from the current price table;
// any drift from the reservation's captured breakdown fails with
// PriceMismatch rather than silently repricing.
func (s *ContractService) Initiate(ctx context.Context, by domain.Principal, reservationID int64) (*domain.Contract, error) {
	var contract *domain.Contract
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		res, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		sp, err := tx.GetSpace(ctx, res.SpaceID)
		if err != nil {
			return err
		}
		if _, err := partyOf(by, res, sp); err != nil {
			return err
		}
		fresh, err := domain.Quote(sp.Prices, res.Quote.AreaM2, res.Quote.Unit, res.Quote.Periods, res.Quote.DepositPercent)
		if err != nil {
			return err
		}
		if fresh != res.Quote {
			return domain.ErrPriceMismatch
		}
		if err := res.EnterContract(); err != nil {
			return err
		}
		contract = domain.NewContract(res)
		if err := tx.CreateContract(ctx, contract); err != nil {
			return err
		}
		deposit, err := depositOf(ctx, tx, res.ID)
		if err != nil {
			return err
		}
		period := &domain.ContractPeriod{
			ContractID: contract.ID,
			Unit:       res.Quote.Unit,
			Periods:    res.Quote.Periods,
			Amount:     res.Quote.Total,
			PaymentID:  deposit.ID,
		}
		if err := tx.AddContractPeriod(ctx, period); err != nil {
			return err
		}
		return tx.SaveReservation(ctx, res)
	})
	if err != nil {
		observability.ObserveTransition("contract", string(domain.ContractPendingSignatures), false)
		return nil, err
	}
	observability.ObserveTransition("contract", string(contract.Status), true)
	s.invalidate(ctx, contract.ID, reservationID)
	return contract, nil
}

// GenerateOtp issues a fresh single-use code for the calling party.
func (s *ContractService) GenerateOtp(ctx context.Context, by domain.Principal, contractID int64) (string, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return "", err
	}
	if c.Status != domain.ContractPendingSignatures {
		return "", fmt.Errorf("%w: contract is %s", domain.ErrInvalidTransition, c.Status)
	}
	res, sp, err := s.parties(ctx, s.store, c.ReservationID)
	if err != nil {
		return "", err
	}
	party, err := partyOf(by, res, sp)
	if err != nil {
		return "", err
	}
	return s.otp.Issue(ctx, c.ID, party)
}

// Sign consumes a one-time code and records one party's signature.
// Hosts must have accepted the anti-bypass clause at account level.
// When the second signature lands the commission rate is snapshotted,
// the deposit escrow releases, and the reservation goes active.
func (s *ContractService) Sign(ctx context.Context, by domain.Principal, contractID int64, code string) (*domain.Contract, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	res, sp, err := s.parties(ctx, s.store, c.ReservationID)
	if err != nil {
		return nil, err
	}
	party, err := partyOf(by, res, sp)
	if err != nil {
		return nil, err
	}
	if party == domain.RoleHost {
		acct, err := s.store.GetAccount(ctx, by.ID)
		if err != nil {
			return nil, err
		}
		if !acct.AcceptedAntiBypass() {
			return nil, fmt.Errorf("%w: host has not accepted the anti-bypass clause", domain.ErrComplianceGateClosed)
		}
	}

	// Hard-fail on a bad code; no automatic retry, the party must
	// generate a fresh one.
	if err := s.otp.Consume(ctx, c.ID, party, code); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var sealed bool
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		locked, err := tx.GetContractForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		both, err := locked.Sign(party, now)
		if err != nil {
			return err
		}
		if both {
			// Commission snapshot belongs to the signature moment.
			commissionPct, err := tx.SettingInt(ctx, domain.SettingCommissionPercent)
			if err != nil {
				return err
			}
			if err := locked.Seal(commissionPct); err != nil {
				return err
			}
			resv, err := tx.GetReservationForUpdate(ctx, locked.ReservationID)
			if err != nil {
				return err
			}
			deposit, err := depositOf(ctx, tx, resv.ID)
			if err != nil {
				return err
			}
			pay, err := tx.GetPaymentForUpdate(ctx, deposit.ID)
			if err != nil {
				return err
			}
			if err := pay.Release(commissionPct, now); err != nil {
				return err
			}
			pay.ContractID = &locked.ID
			if err := tx.SavePayment(ctx, pay); err != nil {
				return err
			}
			if err := resv.Activate(); err != nil {
				return err
			}
			if err := tx.SaveReservation(ctx, resv); err != nil {
				return err
			}
			ends := now.AddDate(0, 0, resv.Quote.Unit.Days()*int(resv.Quote.Periods))
			if err := locked.Activate(ends); err != nil {
				return err
			}
			sealed = true
		}
		if err := tx.SaveContract(ctx, locked); err != nil {
			return err
		}
		*c = *locked
		return nil
	})
	if err != nil {
		observability.ObserveTransition("contract", string(domain.ContractSigned), false)
		return nil, err
	}
	if sealed {
		observability.ObserveEscrow("released")
		observability.ObserveTransition("reservation", string(domain.ReservationActive), true)
	}
	observability.ObserveTransition("contract", string(c.Status), true)
	s.invalidate(ctx, c.ID, c.ReservationID)
	return c, nil
}

type ExtendInput struct {
	Unit           domain.PeriodUnit
	Periods        int64
	Method         string
	IdempotencyKey string
}

// Extend appends a newly priced period to a signed contract. The
// incremental amount is charged and held in escrow exactly like the
// original deposit; no re-signature is required.
func (s *ContractService) Extend(ctx context.Context, by domain.Principal, contractID int64, in ExtendInput) (*domain.Contract, error) {
	if in.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	if in.Method == "" {
		return nil, fmt.Errorf("%w: payment method is required", domain.ErrValidation)
	}

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	res, sp, err := s.parties(ctx, s.store, c.ReservationID)
	if err != nil {
		return nil, err
	}
	if _, err := partyOf(by, res, sp); err != nil {
		return nil, err
	}
	if c.Status != domain.ContractSigned && c.Status != domain.ContractActive {
		return nil, fmt.Errorf("%w: contract is %s", domain.ErrInvalidTransition, c.Status)
	}

	// Price the increment; an extension is charged in full, no deposit
	// split.
	added, err := domain.Quote(sp.Prices, res.Quote.AreaM2, in.Unit, in.Periods, 0)
	if err != nil {
		return nil, err
	}

	// Idempotent retry: the key finds the earlier extension payment,
	// which must be this contract's own. A key that resolves to an
	// unrelated payment never drives this contract's escrow.
	pay, err := s.store.GetPaymentByKey(ctx, in.IdempotencyKey)
	if errors.Is(err, domain.ErrNotFound) {
		pay = &domain.Payment{
			ReservationID:  res.ID,
			ContractID:     &c.ID,
			Kind:           domain.PaymentExtension,
			Amount:         added.Total,
			Method:         in.Method,
			Status:         domain.EscrowPending,
			IdempotencyKey: in.IdempotencyKey,
		}
		if err := s.store.InTx(ctx, func(tx domain.Store) error {
			return tx.CreatePayment(ctx, pay)
		}); err != nil && !errors.Is(err, domain.ErrDuplicatePayment) {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if pay.Kind != domain.PaymentExtension || pay.ContractID == nil || *pay.ContractID != c.ID {
		return nil, fmt.Errorf("%w: idempotency key is already in use", domain.ErrValidation)
	} else if pay.Status != domain.EscrowPending {
		return s.store.GetContract(ctx, contractID) // already applied
	}

	ref, err := s.provider.Authorize(ctx, domain.ChargeRequest{
		IdempotencyKey: in.IdempotencyKey,
		Amount:         added.Total,
		Method:         in.Method,
	})
	if err != nil {
		return nil, err
	}
	if err := s.provider.Capture(ctx, ref); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		locked, err := tx.GetContractForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, pay.ID)
		if err != nil {
			return err
		}
		if p.Status != domain.EscrowPending {
			*c = *locked
			return nil
		}
		if err := p.MarkHeld(now); err != nil {
			return err
		}
		p.ProviderRef = ref
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		if err := locked.Extend(added); err != nil {
			return err
		}
		period := &domain.ContractPeriod{
			ContractID: locked.ID,
			Unit:       in.Unit,
			Periods:    in.Periods,
			Amount:     added.Total,
			PaymentID:  p.ID,
		}
		if err := tx.AddContractPeriod(ctx, period); err != nil {
			return err
		}
		// An extension settles straight back to active.
		if locked.EndsAt != nil {
			if err := locked.Activate(*locked.EndsAt); err != nil {
				return err
			}
		}
		if err := tx.SaveContract(ctx, locked); err != nil {
			return err
		}
		*c = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveEscrow("held")
	observability.ObserveTransition("contract", string(c.Status), true)
	s.invalidate(ctx, c.ID, c.ReservationID)
	return c, nil
}

// CloseElapsed completes an active contract whose rental period has
// elapsed, releasing any still-held extension payments with the
// contract's commission snapshot. Driven by the sweeper.
func (s *ContractService) CloseElapsed(ctx context.Context, contractID int64, now time.Time) error {
	var reservationID int64
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		c, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			return err
		}
		if c.Status != domain.ContractActive || c.EndsAt == nil || c.EndsAt.After(now) {
			return fmt.Errorf("%w: contract %d is not ready to close", domain.ErrInvalidTransition, contractID)
		}
		if err := c.Complete(); err != nil {
			return err
		}
		res, err := tx.GetReservationForUpdate(ctx, c.ReservationID)
		if err != nil {
			return err
		}
		if err := res.Complete(); err != nil {
			return err
		}
		pays, err := tx.ListPaymentsByReservation(ctx, res.ID)
		if err != nil {
			return err
		}
		for i := range pays {
			if pays[i].Status != domain.EscrowHeld {
				continue
			}
			p, err := tx.GetPaymentForUpdate(ctx, pays[i].ID)
			if err != nil {
				return err
			}
			if err := p.Release(c.CommissionPercent, now); err != nil {
				return err
			}
			if err := tx.SavePayment(ctx, p); err != nil {
				return err
			}
			observability.ObserveEscrow("released")
		}
		if err := tx.SaveReservation(ctx, res); err != nil {
			return err
		}
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		reservationID = res.ID
		return nil
	})
	if err != nil {
		return err
	}
	observability.ObserveTransition("contract", string(domain.ContractCompleted), true)
	s.invalidate(ctx, contractID, reservationID)
	return nil
}

// AcceptAccountCompliance records a host's one-time acceptance of the
// anti-bypass clause.
func (s *ContractService) AcceptAccountCompliance(ctx context.Context, by domain.Principal) error {
	if by.Role != domain.RoleHost {
		return fmt.Errorf("%w: account-level acceptance is host-only", domain.ErrValidation)
	}
	return s.store.SaveAccountCompliance(ctx, by.ID, time.Now().UTC())
}

func depositOf(ctx context.Context, store domain.Store, reservationID int64) (*domain.Payment, error) {
	pays, err := store.ListPaymentsByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	for i := range pays {
		if pays[i].Kind == domain.PaymentDeposit {
			return &pays[i], nil
		}
	}
	return nil, fmt.Errorf("%w: deposit payment", domain.ErrNotFound)
}

func (s *ContractService) invalidate(ctx context.Context, contractID, reservationID int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, fmt.Sprintf("contract:%d", contractID))
	_ = s.cache.Del(ctx, fmt.Sprintf("reservation:%d", reservationID))
}
