package app_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"space_broker/internal/domain"
)

// ---- in-memory store ----

// fakeData is the unlocked backing state. fakeStore wraps it with a
// mutex so InTx serializes the way the mysql row locks do.
type fakeData struct {
	spaces       map[int64]domain.Space
	accounts     map[int64]domain.Account
	settings     map[string]int
	reservations map[int64]*domain.Reservation
	payments     map[int64]*domain.Payment
	contracts    map[int64]*domain.Contract
	periods      []domain.ContractPeriod
	appointments map[int64]*domain.Appointment
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{fakeData: fakeData{
		spaces:       map[int64]domain.Space{},
		accounts:     map[int64]domain.Account{},
		settings:     map[string]int{domain.SettingDepositPercent: 20, domain.SettingCommissionPercent: 10},
		reservations: map[int64]*domain.Reservation{},
		payments:     map[int64]*domain.Payment{},
		contracts:    map[int64]*domain.Contract{},
		appointments: map[int64]*domain.Appointment{},
	}}
}

func (f *fakeData) id() int64 { f.nextID++; return f.nextID }

func (f *fakeData) InTx(ctx context.Context, fn func(domain.Store) error) error {
	return fn(f)
}

func (f *fakeData) GetSpace(ctx context.Context, id int64) (domain.Space, error) {
	sp, ok := f.spaces[id]
	if !ok {
		return domain.Space{}, fmt.Errorf("%w: space %d", domain.ErrNotFound, id)
	}
	return sp, nil
}

func (f *fakeData) GetSpaceForUpdate(ctx context.Context, id int64) (domain.Space, error) {
	return f.GetSpace(ctx, id)
}

func (f *fakeData) HeldAreaM2(ctx context.Context, spaceID int64) (int64, error) {
	var held int64
	for _, r := range f.reservations {
		if r.SpaceID != spaceID {
			continue
		}
		switch r.Status {
		case domain.ReservationCompleted, domain.ReservationCancelled, domain.ReservationRefunded:
		default:
			held += r.Quote.AreaM2
		}
	}
	return held, nil
}

func (f *fakeData) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %d", domain.ErrNotFound, id)
	}
	return a, nil
}

func (f *fakeData) SaveAccountCompliance(ctx context.Context, id int64, at time.Time) error {
	a := f.accounts[id]
	a.ID = id
	a.AntiBypassAcceptedAt = &at
	f.accounts[id] = a
	return nil
}

func (f *fakeData) SettingInt(ctx context.Context, key string) (int, error) {
	v, ok := f.settings[key]
	if !ok {
		return 0, fmt.Errorf("%w: setting %s", domain.ErrNotFound, key)
	}
	return v, nil
}

func (f *fakeData) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	r.ID = f.id()
	cp := *r
	f.reservations[r.ID] = &cp
	return nil
}

func (f *fakeData) GetReservation(ctx context.Context, id int64) (*domain.Reservation, error) {
	r, ok := f.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %d", domain.ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeData) GetReservationForUpdate(ctx context.Context, id int64) (*domain.Reservation, error) {
	return f.GetReservation(ctx, id)
}

func (f *fakeData) SaveReservation(ctx context.Context, r *domain.Reservation) error {
	cp := *r
	f.reservations[r.ID] = &cp
	return nil
}

func (f *fakeData) ListReservations(ctx context.Context, q domain.ListQuery) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range f.reservations {
		if q.GuestID != nil && r.GuestID != *q.GuestID {
			continue
		}
		if q.Status != nil && string(r.Status) != *q.Status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeData) ListStalePendingReservations(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	var out []int64
	for _, r := range f.reservations {
		if r.Status == domain.ReservationPendingPayment && !r.UpdatedAt.After(before) {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (f *fakeData) CreatePayment(ctx context.Context, p *domain.Payment) error {
	for _, prior := range f.payments {
		if prior.IdempotencyKey == p.IdempotencyKey {
			return domain.ErrDuplicatePayment
		}
	}
	p.ID = f.id()
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeData) GetPaymentByKey(ctx context.Context, key string) (*domain.Payment, error) {
	for _, p := range f.payments {
		if p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: payment key %s", domain.ErrNotFound, key)
}

func (f *fakeData) GetPaymentForUpdate(ctx context.Context, id int64) (*domain.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", domain.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeData) SavePayment(ctx context.Context, p *domain.Payment) error {
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeData) ListPaymentsByReservation(ctx context.Context, reservationID int64) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range f.payments {
		if p.ReservationID == reservationID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeData) CreateContract(ctx context.Context, c *domain.Contract) error {
	c.ID = f.id()
	cp := *c
	f.contracts[c.ID] = &cp
	return nil
}

func (f *fakeData) GetContract(ctx context.Context, id int64) (*domain.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contract %d", domain.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeData) GetContractForUpdate(ctx context.Context, id int64) (*domain.Contract, error) {
	return f.GetContract(ctx, id)
}

func (f *fakeData) GetContractByReservation(ctx context.Context, reservationID int64) (*domain.Contract, error) {
	for _, c := range f.contracts {
		if c.ReservationID == reservationID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: contract for reservation %d", domain.ErrNotFound, reservationID)
}

func (f *fakeData) SaveContract(ctx context.Context, c *domain.Contract) error {
	cp := *c
	f.contracts[c.ID] = &cp
	return nil
}

func (f *fakeData) AddContractPeriod(ctx context.Context, p *domain.ContractPeriod) error {
	p.ID = f.id()
	f.periods = append(f.periods, *p)
	return nil
}

func (f *fakeData) ListContractPeriods(ctx context.Context, contractID int64) ([]domain.ContractPeriod, error) {
	var out []domain.ContractPeriod
	for _, p := range f.periods {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) ListContracts(ctx context.Context, q domain.ListQuery) ([]domain.Contract, error) {
	var out []domain.Contract
	for _, c := range f.contracts {
		if q.Status != nil && string(c.Status) != *q.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeData) ListElapsedActiveContracts(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var out []int64
	for _, c := range f.contracts {
		if c.Status == domain.ContractActive && c.EndsAt != nil && !c.EndsAt.After(now) {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

func (f *fakeData) CreateAppointment(ctx context.Context, a *domain.Appointment) error {
	a.ID = f.id()
	cp := *a
	f.appointments[a.ID] = &cp
	return nil
}

func (f *fakeData) GetAppointment(ctx context.Context, id int64) (*domain.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %d", domain.ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeData) GetAppointmentForUpdate(ctx context.Context, id int64) (*domain.Appointment, error) {
	return f.GetAppointment(ctx, id)
}

func (f *fakeData) SaveAppointment(ctx context.Context, a *domain.Appointment) error {
	cp := *a
	f.appointments[a.ID] = &cp
	return nil
}

func (f *fakeData) ListAppointments(ctx context.Context, q domain.ListQuery) ([]domain.Appointment, error) {
	var out []domain.Appointment
	for _, a := range f.appointments {
		if q.GuestID != nil && a.GuestID != *q.GuestID {
			continue
		}
		if q.HostID != nil && a.HostID != *q.HostID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// fakeStore serializes transactions with one mutex, which is how the
// mysql repo behaves for contended aggregates. Reads the services issue
// outside a transaction go through the same lock.
type fakeStore struct {
	mu sync.Mutex
	fakeData
}

func (f *fakeStore) InTx(ctx context.Context, fn func(domain.Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(&f.fakeData)
}

func (f *fakeStore) GetPaymentByKey(ctx context.Context, key string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakeData.GetPaymentByKey(ctx, key)
}

func (f *fakeStore) GetReservation(ctx context.Context, id int64) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakeData.GetReservation(ctx, id)
}

func (f *fakeStore) GetContract(ctx context.Context, id int64) (*domain.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakeData.GetContract(ctx, id)
}

func (f *fakeStore) ListPaymentsByReservation(ctx context.Context, id int64) ([]domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakeData.ListPaymentsByReservation(ctx, id)
}

// ---- payment provider ----

type fakeProvider struct {
	mu           sync.Mutex
	authorizes   []domain.ChargeRequest
	captures     []string
	refunds      []string
	authorizeErr error
	captureErr   error
	refundErr    error
}

func (p *fakeProvider) Authorize(ctx context.Context, req domain.ChargeRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authorizeErr != nil {
		return "", p.authorizeErr
	}
	p.authorizes = append(p.authorizes, req)
	return fmt.Sprintf("ch_%s", req.IdempotencyKey), nil
}

func (p *fakeProvider) Capture(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return p.captureErr
	}
	p.captures = append(p.captures, ref)
	return nil
}

func (p *fakeProvider) Refund(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return p.refundErr
	}
	p.refunds = append(p.refunds, ref)
	return nil
}

// ---- otp issuer ----

type fakeOtp struct {
	codes map[string]string // "contractID/party" -> code
}

func (o *fakeOtp) key(contractID int64, party domain.Role) string {
	return fmt.Sprintf("%d/%s", contractID, party)
}

func (o *fakeOtp) Issue(ctx context.Context, contractID int64, party domain.Role) (string, error) {
	if o.codes == nil {
		o.codes = map[string]string{}
	}
	code := fmt.Sprintf("%06d", len(o.codes)+100001)
	o.codes[o.key(contractID, party)] = code
	return code, nil
}

func (o *fakeOtp) Consume(ctx context.Context, contractID int64, party domain.Role, code string) error {
	k := o.key(contractID, party)
	stored, ok := o.codes[k]
	if !ok || stored != code {
		return domain.ErrInvalidOtp
	}
	delete(o.codes, k) // single use
	return nil
}

// ---- cache ----

type fakeCache struct {
	mu    sync.Mutex
	store map[string]any
	dels  []string
}

func (c *fakeCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	if !ok {
		return false, nil
	}
	switch d := dst.(type) {
	case *domain.Reservation:
		*d = v.(domain.Reservation)
	case *domain.Appointment:
		*d = v.(domain.Appointment)
	default:
		return false, nil
	}
	return true, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, v any, ttlSec int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = map[string]any{}
	}
	c.store[key] = v
	return nil
}

func (c *fakeCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	c.dels = append(c.dels, key)
	return nil
}

// ---- seed helpers ----

const (
	guestID = int64(77)
	hostID  = int64(10)
)

var (
	guest = domain.Principal{ID: guestID, Role: domain.RoleGuest}
	host  = domain.Principal{ID: hostID, Role: domain.RoleHost}
)

func seedSpace(st *fakeStore) domain.Space {
	sp := domain.Space{
		ID:              1,
		HostID:          hostID,
		Name:            "Trastero Centro",
		TotalAreaM2:     100,
		AvailableAreaM2: 50,
		Prices:          domain.PriceTable{domain.PeriodMonth: 5000, domain.PeriodWeek: 1500},
	}
	st.spaces[sp.ID] = sp
	st.accounts[hostID] = domain.Account{ID: hostID, Role: domain.RoleHost}
	st.accounts[guestID] = domain.Account{ID: guestID, Role: domain.RoleGuest}
	return sp
}

func mustQuote(pt domain.PriceTable, area int64, unit domain.PeriodUnit, periods int64, pct int) domain.Breakdown {
	b, err := domain.Quote(pt, area, unit, periods, pct)
	if err != nil {
		panic(err)
	}
	return b
}
