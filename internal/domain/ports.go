package domain

import (
	"context"
	"time"
)

// Store is the persistence port for the lifecycle engine. All state
// changes to one reservation aggregate (and its contract, payments and
// appointment) happen inside InTx; the mysql implementation backs the
// *ForUpdate getters with row locks so transitions on one aggregate
// are serialized without a global lock.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	// Spaces
	GetSpace(ctx context.Context, id int64) (Space, error)
	GetSpaceForUpdate(ctx context.Context, id int64) (Space, error)
	// HeldAreaM2 sums the requested area of all non-terminal
	// reservations on a space.
	HeldAreaM2(ctx context.Context, spaceID int64) (int64, error)

	// Accounts & platform settings
	GetAccount(ctx context.Context, id int64) (Account, error)
	SaveAccountCompliance(ctx context.Context, id int64, at time.Time) error
	SettingInt(ctx context.Context, key string) (int, error)

	// Reservations
	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id int64) (*Reservation, error)
	GetReservationForUpdate(ctx context.Context, id int64) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	ListReservations(ctx context.Context, q ListQuery) ([]Reservation, error)
	// ListStalePendingReservations finds pending_payment reservations
	// untouched since before the cutoff, for the sweeper to abandon.
	ListStalePendingReservations(ctx context.Context, before time.Time, limit int) ([]int64, error)

	// Payments
	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*Payment, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error)
	SavePayment(ctx context.Context, p *Payment) error
	ListPaymentsByReservation(ctx context.Context, reservationID int64) ([]Payment, error)

	// Contracts
	CreateContract(ctx context.Context, c *Contract) error
	GetContract(ctx context.Context, id int64) (*Contract, error)
	GetContractForUpdate(ctx context.Context, id int64) (*Contract, error)
	GetContractByReservation(ctx context.Context, reservationID int64) (*Contract, error)
	SaveContract(ctx context.Context, c *Contract) error
	AddContractPeriod(ctx context.Context, p *ContractPeriod) error
	ListContractPeriods(ctx context.Context, contractID int64) ([]ContractPeriod, error)
	ListContracts(ctx context.Context, q ListQuery) ([]Contract, error)
	ListElapsedActiveContracts(ctx context.Context, now time.Time, limit int) ([]int64, error)

	// Appointments
	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id int64) (*Appointment, error)
	SaveAppointment(ctx context.Context, a *Appointment) error
	ListAppointments(ctx context.Context, q ListQuery) ([]Appointment, error)
}

// ListQuery scopes projections to one side of the marketplace.
type ListQuery struct {
	GuestID *int64
	HostID  *int64
	Status  *string
	Limit   int
}

// ChargeRequest is one authorize+capture attempt against the payment
// capability. Retries reuse the same idempotency key.
type ChargeRequest struct {
	IdempotencyKey string
	Amount         Cents
	Method         string
}

// PaymentProvider is the pluggable payment capability. The engine never
// auto-retries financial calls; failures surface as
// ErrPaymentCapability and the caller retries with the same key.
type PaymentProvider interface {
	Authorize(ctx context.Context, req ChargeRequest) (ref string, err error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
}

// OtpIssuer issues and consumes single-use signing codes. Consume must
// atomically invalidate the code; an expired, reused or mismatched code
// is ErrInvalidOtp.
type OtpIssuer interface {
	Issue(ctx context.Context, contractID int64, party Role) (string, error)
	Consume(ctx context.Context, contractID int64, party Role, code string) error
}

// Cache backs the read projections.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// Platform setting keys. Deposit percent is read at quote time,
// commission percent at signature time — never cached across
// operations.
const (
	SettingDepositPercent    = "deposit_percent"
	SettingCommissionPercent = "commission_percent"
)
