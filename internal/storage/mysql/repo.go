package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"space_broker/internal/domain"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query method
// works inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	db *sql.DB
	q  dbtx
}

func New(db *sql.DB) *Repo { return &Repo{db: db, q: db} }

// InTx runs fn against a transaction-bound repo. Nested calls reuse the
// open transaction, so command services can compose freely.
func (r *Repo) InTx(ctx context.Context, fn func(domain.Store) error) error {
	if _, nested := r.q.(*sql.Tx); nested {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Repo{db: r.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ---------------------------------------------------------------------------
// Spaces
// ---------------------------------------------------------------------------

func (r *Repo) scanSpace(row *sql.Row) (domain.Space, error) {
	var sp domain.Space
	var city, address sql.NullString
	var pricesJSON []byte
	err := row.Scan(&sp.ID, &sp.HostID, &sp.Name, &city, &address,
		&sp.TotalAreaM2, &sp.AvailableAreaM2, &pricesJSON, &sp.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Space{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Space{}, err
	}
	if city.Valid {
		c := city.String
		sp.City = &c
	}
	if address.Valid {
		a := address.String
		sp.Address = &a
	}
	if err := json.Unmarshal(pricesJSON, &sp.Prices); err != nil {
		return domain.Space{}, fmt.Errorf("decode price table: %w", err)
	}
	return sp, nil
}

func (r *Repo) GetSpace(ctx context.Context, id int64) (domain.Space, error) {
	return r.scanSpace(r.q.QueryRowContext(ctx, getSpaceSQL, id))
}

func (r *Repo) GetSpaceForUpdate(ctx context.Context, id int64) (domain.Space, error) {
	return r.scanSpace(r.q.QueryRowContext(ctx, getSpaceForUpdateSQL, id))
}

func (r *Repo) HeldAreaM2(ctx context.Context, spaceID int64) (int64, error) {
	var sum int64
	err := r.q.QueryRowContext(ctx, heldAreaSQL, spaceID).Scan(&sum)
	return sum, err
}

// ---------------------------------------------------------------------------
// Accounts & settings
// ---------------------------------------------------------------------------

func (r *Repo) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	var a domain.Account
	var accepted sql.NullTime
	err := r.q.QueryRowContext(ctx, getAccountSQL, id).Scan(&a.ID, &a.Role, &accepted)
	if err == sql.ErrNoRows {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	a.AntiBypassAcceptedAt = timePtr(accepted)
	return a, nil
}

func (r *Repo) SaveAccountCompliance(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx, saveAccountComplianceSQL, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The account may already carry the acceptance; only a missing
		// row is an error.
		if _, err := r.GetAccount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) SettingInt(ctx context.Context, key string) (int, error) {
	var v string
	err := r.q.QueryRowContext(ctx, getSettingSQL, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: setting %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not numeric: %w", key, err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

func (r *Repo) CreateReservation(ctx context.Context, res *domain.Reservation) error {
	out, err := r.q.ExecContext(ctx, insertReservationSQL,
		res.SpaceID, res.GuestID,
		res.Quote.AreaM2, res.Quote.Unit, res.Quote.Periods, res.Quote.DepositPercent,
		res.Quote.Rate, res.Quote.Total, res.Quote.Deposit, res.Quote.Remaining,
		res.Status,
	)
	if err != nil {
		return err
	}
	res.ID, err = out.LastInsertId()
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.SpaceID, &res.GuestID,
		&res.Quote.AreaM2, &res.Quote.Unit, &res.Quote.Periods, &res.Quote.DepositPercent,
		&res.Quote.Rate, &res.Quote.Total, &res.Quote.Deposit, &res.Quote.Remaining,
		&res.Status, &res.CreatedAt, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Repo) GetReservation(ctx context.Context, id int64) (*domain.Reservation, error) {
	return scanReservation(r.q.QueryRowContext(ctx, getReservationSQL, id))
}

func (r *Repo) GetReservationForUpdate(ctx context.Context, id int64) (*domain.Reservation, error) {
	return scanReservation(r.q.QueryRowContext(ctx, getReservationForUpdateSQL, id))
}

func (r *Repo) SaveReservation(ctx context.Context, res *domain.Reservation) error {
	_, err := r.q.ExecContext(ctx, saveReservationSQL, res.Status, res.ID)
	return err
}

func (r *Repo) ListReservations(ctx context.Context, q domain.ListQuery) ([]domain.Reservation, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT r.id, r.space_id, r.guest_id, r.area_m2, r.unit, r.periods, r.deposit_percent,
r.rate_cents, r.total_cents, r.deposit_cents, r.remaining_cents, r.status, r.created_at, r.updated_at
FROM reservations r`)
	var (
		where []string
		args  []any
	)
	if q.HostID != nil {
		sb.WriteString(` JOIN spaces s ON s.id = r.space_id`)
		where = append(where, "s.host_id = ?")
		args = append(args, *q.HostID)
	}
	if q.GuestID != nil {
		where = append(where, "r.guest_id = ?")
		args = append(args, *q.GuestID)
	}
	if q.Status != nil {
		where = append(where, "r.status = ?")
		args = append(args, *q.Status)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY r.id DESC LIMIT ?")
	args = append(args, limitOrDefault(q.Limit))

	rows, err := r.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (r *Repo) ListStalePendingReservations(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, listStalePendingReservationsSQL, before, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func limitOrDefault(n int) int {
	if n <= 0 || n > 200 {
		return 50
	}
	return n
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

func (r *Repo) CreatePayment(ctx context.Context, p *domain.Payment) error {
	var contractID any
	if p.ContractID != nil {
		contractID = *p.ContractID
	}
	out, err := r.q.ExecContext(ctx, insertPaymentSQL,
		p.ReservationID, contractID, p.Kind, p.Amount, p.Method, p.Status,
		p.IdempotencyKey, p.ProviderRef, p.Payout, p.Commission,
		nullTime(p.HeldAt), nullTime(p.ReleasedAt), nullTime(p.RefundedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return domain.ErrDuplicatePayment
		}
		return err
	}
	p.ID, err = out.LastInsertId()
	return err
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var contractID sql.NullInt64
	var heldAt, releasedAt, refundedAt sql.NullTime
	err := row.Scan(&p.ID, &p.ReservationID, &contractID, &p.Kind, &p.Amount, &p.Method,
		&p.Status, &p.IdempotencyKey, &p.ProviderRef, &p.Payout, &p.Commission,
		&p.CreatedAt, &heldAt, &releasedAt, &refundedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if contractID.Valid {
		id := contractID.Int64
		p.ContractID = &id
	}
	p.HeldAt = timePtr(heldAt)
	p.ReleasedAt = timePtr(releasedAt)
	p.RefundedAt = timePtr(refundedAt)
	return &p, nil
}

func (r *Repo) GetPaymentByKey(ctx context.Context, key string) (*domain.Payment, error) {
	return scanPayment(r.q.QueryRowContext(ctx, getPaymentByKeySQL, key))
}

func (r *Repo) GetPaymentForUpdate(ctx context.Context, id int64) (*domain.Payment, error) {
	return scanPayment(r.q.QueryRowContext(ctx, getPaymentForUpdateSQL, id))
}

func (r *Repo) SavePayment(ctx context.Context, p *domain.Payment) error {
	var contractID any
	if p.ContractID != nil {
		contractID = *p.ContractID
	}
	_, err := r.q.ExecContext(ctx, savePaymentSQL,
		contractID, p.Status, p.ProviderRef, p.Payout, p.Commission,
		nullTime(p.HeldAt), nullTime(p.ReleasedAt), nullTime(p.RefundedAt), p.ID)
	return err
}

func (r *Repo) ListPaymentsByReservation(ctx context.Context, reservationID int64) ([]domain.Payment, error) {
	rows, err := r.q.QueryContext(ctx, listPaymentsByReservationSQL, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Contracts
// ---------------------------------------------------------------------------

func (r *Repo) CreateContract(ctx context.Context, c *domain.Contract) error {
	out, err := r.q.ExecContext(ctx, insertContractSQL,
		c.ReservationID, c.Number, c.Total, c.CommissionPercent, c.Commission,
		c.Status, nullTime(c.EndsAt))
	if err != nil {
		return err
	}
	c.ID, err = out.LastInsertId()
	return err
}

func scanContract(row rowScanner) (*domain.Contract, error) {
	var c domain.Contract
	var guestSigned, hostSigned, endsAt sql.NullTime
	err := row.Scan(&c.ID, &c.ReservationID, &c.Number, &c.Total,
		&c.CommissionPercent, &c.Commission,
		&guestSigned, &hostSigned, &c.Status, &endsAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.GuestSignedAt = timePtr(guestSigned)
	c.HostSignedAt = timePtr(hostSigned)
	c.EndsAt = timePtr(endsAt)
	return &c, nil
}

func (r *Repo) GetContract(ctx context.Context, id int64) (*domain.Contract, error) {
	return scanContract(r.q.QueryRowContext(ctx, getContractSQL, id))
}

func (r *Repo) GetContractForUpdate(ctx context.Context, id int64) (*domain.Contract, error) {
	return scanContract(r.q.QueryRowContext(ctx, getContractForUpdateSQL, id))
}

func (r *Repo) GetContractByReservation(ctx context.Context, reservationID int64) (*domain.Contract, error) {
	return scanContract(r.q.QueryRowContext(ctx, getContractByReservationSQL, reservationID))
}

func (r *Repo) SaveContract(ctx context.Context, c *domain.Contract) error {
	_, err := r.q.ExecContext(ctx, saveContractSQL,
		c.Total, c.CommissionPercent, c.Commission,
		nullTime(c.GuestSignedAt), nullTime(c.HostSignedAt),
		c.Status, nullTime(c.EndsAt), c.ID)
	return err
}

func (r *Repo) AddContractPeriod(ctx context.Context, p *domain.ContractPeriod) error {
	out, err := r.q.ExecContext(ctx, insertContractPeriodSQL,
		p.ContractID, p.Unit, p.Periods, p.Amount, p.PaymentID)
	if err != nil {
		return err
	}
	p.ID, err = out.LastInsertId()
	return err
}

func (r *Repo) ListContractPeriods(ctx context.Context, contractID int64) ([]domain.ContractPeriod, error) {
	rows, err := r.q.QueryContext(ctx, listContractPeriodsSQL, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContractPeriod
	for rows.Next() {
		var p domain.ContractPeriod
		if err := rows.Scan(&p.ID, &p.ContractID, &p.Unit, &p.Periods, &p.Amount, &p.PaymentID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) ListContracts(ctx context.Context, q domain.ListQuery) ([]domain.Contract, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT c.id, c.reservation_id, c.number, c.total_cents, c.commission_percent, c.commission_cents,
c.guest_signed_at, c.host_signed_at, c.status, c.ends_at, c.created_at, c.updated_at
FROM contracts c
JOIN reservations r ON r.id = c.reservation_id`)
	var (
		where []string
		args  []any
	)
	if q.HostID != nil {
		sb.WriteString(` JOIN spaces s ON s.id = r.space_id`)
		where = append(where, "s.host_id = ?")
		args = append(args, *q.HostID)
	}
	if q.GuestID != nil {
		where = append(where, "r.guest_id = ?")
		args = append(args, *q.GuestID)
	}
	if q.Status != nil {
		where = append(where, "c.status = ?")
		args = append(args, *q.Status)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY c.id DESC LIMIT ?")
	args = append(args, limitOrDefault(q.Limit))

	rows, err := r.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repo) ListElapsedActiveContracts(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, listElapsedActiveContractsSQL, now, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Appointments
// ---------------------------------------------------------------------------

func proposalJSON(p *domain.RescheduleProposal) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Repo) CreateAppointment(ctx context.Context, a *domain.Appointment) error {
	prop, err := proposalJSON(a.Proposal)
	if err != nil {
		return err
	}
	out, err := r.q.ExecContext(ctx, insertAppointmentSQL,
		a.ReservationID, a.SpaceID, a.GuestID, a.HostID,
		a.ScheduledAt, a.Status, prop, a.GuestAcceptedAntiBypass)
	if err != nil {
		return err
	}
	a.ID, err = out.LastInsertId()
	return err
}

func scanAppointment(row rowScanner) (*domain.Appointment, error) {
	var a domain.Appointment
	var prop []byte
	err := row.Scan(&a.ID, &a.ReservationID, &a.SpaceID, &a.GuestID, &a.HostID,
		&a.ScheduledAt, &a.Status, &prop, &a.GuestAcceptedAntiBypass,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(prop) > 0 {
		var p domain.RescheduleProposal
		if err := json.Unmarshal(prop, &p); err != nil {
			return nil, fmt.Errorf("decode reschedule proposal: %w", err)
		}
		a.Proposal = &p
	}
	return &a, nil
}

func (r *Repo) GetAppointment(ctx context.Context, id int64) (*domain.Appointment, error) {
	return scanAppointment(r.q.QueryRowContext(ctx, getAppointmentSQL, id))
}

func (r *Repo) GetAppointmentForUpdate(ctx context.Context, id int64) (*domain.Appointment, error) {
	return scanAppointment(r.q.QueryRowContext(ctx, getAppointmentForUpdateSQL, id))
}

func (r *Repo) SaveAppointment(ctx context.Context, a *domain.Appointment) error {
	prop, err := proposalJSON(a.Proposal)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, saveAppointmentSQL,
		a.ScheduledAt, a.Status, prop, a.GuestAcceptedAntiBypass, a.ID)
	return err
}

func (r *Repo) ListAppointments(ctx context.Context, q domain.ListQuery) ([]domain.Appointment, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT ` + appointmentColumns + ` FROM appointments`)
	var (
		where []string
		args  []any
	)
	if q.HostID != nil {
		where = append(where, "host_id = ?")
		args = append(args, *q.HostID)
	}
	if q.GuestID != nil {
		where = append(where, "guest_id = ?")
		args = append(args, *q.GuestID)
	}
	if q.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *q.Status)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, limitOrDefault(q.Limit))

	rows, err := r.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
