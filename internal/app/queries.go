package app

import (
	"context"
	"fmt"
	"time"

	"space_broker/internal/domain"
)

// QueryService serves the read projections. Pure queries over committed
// state; detail reads go through the cache-aside redis layer and are
// invalidated by the command services on every transition.
type QueryService struct {
	store    domain.Store
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewQueryService(store domain.Store, cache domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{store: store, cache: cache, cacheTTL: ttl}
}

// scope narrows a list query to what the caller may see. Admins
// observe everything.
func scope(by domain.Principal, status *string, limit int) domain.ListQuery {
	q := domain.ListQuery{Status: status, Limit: limit}
	switch by.Role {
	case domain.RoleGuest:
		q.GuestID = &by.ID
	case domain.RoleHost:
		q.HostID = &by.ID
	}
	return q
}

func (s *QueryService) GetReservation(ctx context.Context, by domain.Principal, id int64) (*domain.Reservation, error) {
	key := fmt.Sprintf("reservation:%d", id)
	var res domain.Reservation
	ok, _ := s.cache.Get(ctx, key, &res)
	if !ok {
		r, err := s.store.GetReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		res = *r
		_ = s.cache.Set(ctx, key, res, int(s.cacheTTL.Seconds()))
	}
	if err := s.mayViewReservation(ctx, by, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *QueryService) mayViewReservation(ctx context.Context, by domain.Principal, res *domain.Reservation) error {
	switch by.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleGuest:
		if res.GuestID == by.ID {
			return nil
		}
	case domain.RoleHost:
		sp, err := s.store.GetSpace(ctx, res.SpaceID)
		if err != nil {
			return err
		}
		if sp.HostID == by.ID {
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *QueryService) ListReservations(ctx context.Context, by domain.Principal, status *string, limit int) ([]domain.Reservation, error) {
	return s.store.ListReservations(ctx, scope(by, status, limit))
}

// ContractView is the contract detail projection: the contract plus its
// charged periods.
type ContractView struct {
	Contract domain.Contract         `json:"contract"`
	Periods  []domain.ContractPeriod `json:"periods"`
}

func (s *QueryService) GetContract(ctx context.Context, by domain.Principal, id int64) (*ContractView, error) {
	key := fmt.Sprintf("contract:%d", id)
	var view ContractView
	ok, _ := s.cache.Get(ctx, key, &view)
	if !ok {
		c, err := s.store.GetContract(ctx, id)
		if err != nil {
			return nil, err
		}
		periods, err := s.store.ListContractPeriods(ctx, id)
		if err != nil {
			return nil, err
		}
		view = ContractView{Contract: *c, Periods: periods}
		_ = s.cache.Set(ctx, key, view, int(s.cacheTTL.Seconds()))
	}
	res, err := s.store.GetReservation(ctx, view.Contract.ReservationID)
	if err != nil {
		return nil, err
	}
	if err := s.mayViewReservation(ctx, by, res); err != nil {
		return nil, err
	}
	return &view, nil
}

// GetContractByReservation resolves a reservation's contract and serves
// the same detail projection as GetContract.
func (s *QueryService) GetContractByReservation(ctx context.Context, by domain.Principal, reservationID int64) (*ContractView, error) {
	c, err := s.store.GetContractByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return s.GetContract(ctx, by, c.ID)
}

func (s *QueryService) ListContracts(ctx context.Context, by domain.Principal, status *string, limit int) ([]domain.Contract, error) {
	return s.store.ListContracts(ctx, scope(by, status, limit))
}

func (s *QueryService) GetAppointment(ctx context.Context, by domain.Principal, id int64) (*domain.Appointment, error) {
	key := fmt.Sprintf("appointment:%d", id)
	var appt domain.Appointment
	ok, _ := s.cache.Get(ctx, key, &appt)
	if !ok {
		a, err := s.store.GetAppointment(ctx, id)
		if err != nil {
			return nil, err
		}
		appt = *a
		_ = s.cache.Set(ctx, key, appt, int(s.cacheTTL.Seconds()))
	}
	allowed := by.Role == domain.RoleAdmin ||
		(by.Role == domain.RoleGuest && appt.GuestID == by.ID) ||
		(by.Role == domain.RoleHost && appt.HostID == by.ID)
	if !allowed {
		return nil, domain.ErrNotFound
	}
	return &appt, nil
}

func (s *QueryService) ListAppointments(ctx context.Context, by domain.Principal, status *string, limit int) ([]domain.Appointment, error) {
	return s.store.ListAppointments(ctx, scope(by, status, limit))
}

func (s *QueryService) ListPayments(ctx context.Context, by domain.Principal, reservationID int64) ([]domain.Payment, error) {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if err := s.mayViewReservation(ctx, by, res); err != nil {
		return nil, err
	}
	return s.store.ListPaymentsByReservation(ctx, reservationID)
}
