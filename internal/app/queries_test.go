package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"space_broker/internal/app"
	"space_broker/internal/domain"
)

func queryFixture(t *testing.T) (*fakeStore, *fakeCache, *app.QueryService, *domain.Reservation) {
	t.Helper()
	st := newFakeStore()
	sp := seedSpace(st)
	cache := &fakeCache{}
	booking := app.NewBookingService(st, &fakeProvider{}, cache)
	q := app.NewQueryService(st, cache, time.Minute)

	res, err := booking.CreateReservation(context.Background(), guest, app.CreateReservationInput{
		SpaceID: sp.ID,
		Quote:   mustQuote(sp.Prices, 10, domain.PeriodMonth, 2, 20),
		Method:  "card", IdempotencyKey: "query-1",
	})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	return st, cache, q, res
}

func TestGetReservation_CacheMissThenHit(t *testing.T) {
	st, _, q, res := queryFixture(t)
	ctx := context.Background()

	got, err := q.GetReservation(ctx, guest, res.ID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.ID != res.ID || got.Status != domain.ReservationDepositHeld {
		t.Fatalf("unexpected reservation: %+v", got)
	}

	// mutate the store; a second read must come from cache
	stored := st.reservations[res.ID]
	stored.Status = domain.ReservationCancelled

	got2, err := q.GetReservation(ctx, guest, res.ID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got2.Status != domain.ReservationDepositHeld {
		t.Fatalf("expected cached status, got %s", got2.Status)
	}
}

func TestGetReservation_Visibility(t *testing.T) {
	_, _, q, res := queryFixture(t)
	ctx := context.Background()

	// owner, the space's host and admins see it
	if _, err := q.GetReservation(ctx, guest, res.ID); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := q.GetReservation(ctx, host, res.ID); err != nil {
		t.Fatalf("host: %v", err)
	}
	if _, err := q.GetReservation(ctx, domain.Principal{ID: 1, Role: domain.RoleAdmin}, res.ID); err != nil {
		t.Fatalf("admin: %v", err)
	}

	// strangers get not-found, never a permission hint
	other := domain.Principal{ID: 555, Role: domain.RoleGuest}
	if _, err := q.GetReservation(ctx, other, res.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger: err = %v", err)
	}
	otherHost := domain.Principal{ID: 556, Role: domain.RoleHost}
	if _, err := q.GetReservation(ctx, otherHost, res.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign host: err = %v", err)
	}
}

func TestListReservations_Scoped(t *testing.T) {
	st, _, q, res := queryFixture(t)
	ctx := context.Background()

	// a reservation belonging to someone else
	otherRes := *st.reservations[res.ID]
	otherRes.ID = 9000
	otherRes.GuestID = 555
	st.reservations[otherRes.ID] = &otherRes

	mine, err := q.ListReservations(ctx, guest, nil, 10)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(mine) != 1 || mine[0].GuestID != guestID {
		t.Fatalf("scoped list: %+v", mine)
	}

	all, err := q.ListReservations(ctx, domain.Principal{ID: 1, Role: domain.RoleAdmin}, nil, 10)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin list = %d items", len(all))
	}
}

func TestListPayments_OwnerOnly(t *testing.T) {
	_, _, q, res := queryFixture(t)
	ctx := context.Background()

	pays, err := q.ListPayments(ctx, guest, res.ID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(pays) != 1 || pays[0].Kind != domain.PaymentDeposit {
		t.Fatalf("payments: %+v", pays)
	}

	other := domain.Principal{ID: 555, Role: domain.RoleGuest}
	if _, err := q.ListPayments(ctx, other, res.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger: err = %v", err)
	}
}

func TestGetContract_View(t *testing.T) {
	st := newFakeStore()
	sp := seedSpace(st)
	cache := &fakeCache{}
	booking := app.NewBookingService(st, &fakeProvider{}, cache)
	contracts := app.NewContractService(st, &fakeProvider{}, &fakeOtp{}, cache)
	q := app.NewQueryService(st, cache, time.Minute)
	ctx := context.Background()

	res, err := booking.CreateReservation(ctx, guest, app.CreateReservationInput{
		SpaceID: sp.ID,
		Quote:   mustQuote(sp.Prices, 10, domain.PeriodMonth, 2, 20),
		Method:  "card", IdempotencyKey: "view-1",
	})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	c, err := contracts.Initiate(ctx, guest, res.ID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	view, err := q.GetContract(ctx, guest, c.ID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if view.Contract.ID != c.ID || len(view.Periods) != 1 {
		t.Fatalf("view: %+v", view)
	}

	other := domain.Principal{ID: 555, Role: domain.RoleGuest}
	if _, err := q.GetContract(ctx, other, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger: err = %v", err)
	}

	// the reservation resolves to the same view
	byRes, err := q.GetContractByReservation(ctx, guest, res.ID)
	if err != nil {
		t.Fatalf("by reservation: %v", err)
	}
	if byRes.Contract.ID != c.ID {
		t.Fatalf("by reservation resolved contract %d, want %d", byRes.Contract.ID, c.ID)
	}
	if _, err := q.GetContractByReservation(ctx, other, res.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger by reservation: err = %v", err)
	}
	if _, err := q.GetContractByReservation(ctx, guest, 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no contract: err = %v", err)
	}
}

func TestGetAppointment_Visibility(t *testing.T) {
	st := newFakeStore()
	sp := seedSpace(st)
	cache := &fakeCache{}
	booking := app.NewBookingService(st, &fakeProvider{}, cache)
	appts := app.NewAppointmentService(st, cache)
	q := app.NewQueryService(st, cache, time.Minute)
	ctx := context.Background()

	res, _ := booking.CreateReservation(ctx, guest, app.CreateReservationInput{
		SpaceID: sp.ID,
		Quote:   mustQuote(sp.Prices, 10, domain.PeriodMonth, 2, 20),
		Method:  "card", IdempotencyKey: "appt-view",
	})
	appt, err := appts.Request(ctx, guest, res.ID, time.Now().UTC().AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := q.GetAppointment(ctx, guest, appt.ID); err != nil {
		t.Fatalf("guest: %v", err)
	}
	if _, err := q.GetAppointment(ctx, host, appt.ID); err != nil {
		t.Fatalf("host: %v", err)
	}
	other := domain.Principal{ID: 555, Role: domain.RoleGuest}
	if _, err := q.GetAppointment(ctx, other, appt.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger: err = %v", err)
	}
}
