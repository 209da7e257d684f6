package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"space_broker/internal/adapters/observability"
	"space_broker/internal/domain"
)

// AppointmentService owns visit scheduling between the two parties. All
// transitions are role-gated in the domain; this layer adds aggregate
// locking and cache invalidation.
type AppointmentService struct {
	store domain.Store
	cache domain.Cache
}

func NewAppointmentService(store domain.Store, cache domain.Cache) *AppointmentService {
	return &AppointmentService{store: store, cache: cache}
}

// Request creates the visit appointment for a reservation. One per
// reservation; a second request surfaces the existing one.
func (s *AppointmentService) Request(ctx context.Context, by domain.Principal, reservationID int64, at time.Time) (*domain.Appointment, error) {
	if by.Role != domain.RoleGuest {
		return nil, fmt.Errorf("%w: visits are requested by the guest", domain.ErrValidation)
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: visit date is required", domain.ErrValidation)
	}
	var appt *domain.Appointment
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		res, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.GuestID != by.ID {
			return fmt.Errorf("%w: reservation belongs to another guest", domain.ErrValidation)
		}
		sp, err := tx.GetSpace(ctx, res.SpaceID)
		if err != nil {
			return err
		}
		appt, err = domain.NewAppointment(res, sp.HostID, at)
		if err != nil {
			return err
		}
		return tx.CreateAppointment(ctx, appt)
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveTransition("appointment", string(appt.Status), true)
	return appt, nil
}

// mutate loads the appointment under its row lock, applies one domain
// transition, and persists the result.
func (s *AppointmentService) mutate(ctx context.Context, id int64, to domain.AppointmentStatus, fn func(*domain.Appointment) error) (*domain.Appointment, error) {
	var appt *domain.Appointment
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		var err error
		appt, err = tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(appt); err != nil {
			return err
		}
		return tx.SaveAppointment(ctx, appt)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrComplianceGateClosed) {
			observability.ObserveTransition("appointment", string(to), false)
		}
		return nil, err
	}
	observability.ObserveTransition("appointment", string(appt.Status), true)
	s.invalidate(ctx, id)
	return appt, nil
}

func (s *AppointmentService) AcceptCompliance(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	return s.mutate(ctx, id, "", func(a *domain.Appointment) error { return a.AcceptCompliance(by) })
}

func (s *AppointmentService) Accept(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	return s.mutate(ctx, id, domain.AppointmentAceptada, func(a *domain.Appointment) error { return a.Accept(by) })
}

func (s *AppointmentService) Reject(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	return s.mutate(ctx, id, domain.AppointmentRechazada, func(a *domain.Appointment) error { return a.Reject(by) })
}

func (s *AppointmentService) ProposeReschedule(ctx context.Context, by domain.Principal, id int64, p domain.RescheduleProposal) (*domain.Appointment, error) {
	return s.mutate(ctx, id, domain.AppointmentReprogramada, func(a *domain.Appointment) error { return a.ProposeReschedule(by, p) })
}

func (s *AppointmentService) AcceptReschedule(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	return s.mutate(ctx, id, domain.AppointmentAceptada, func(a *domain.Appointment) error { return a.AcceptReschedule(by) })
}

func (s *AppointmentService) MarkCompleted(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	return s.mutate(ctx, id, domain.AppointmentRealizada, func(a *domain.Appointment) error { return a.MarkCompleted(by) })
}

func (s *AppointmentService) MarkNoShow(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	return s.mutate(ctx, id, domain.AppointmentNoAsistida, func(a *domain.Appointment) error { return a.MarkNoShow(by) })
}

func (s *AppointmentService) invalidate(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, fmt.Sprintf("appointment:%d", id))
}
