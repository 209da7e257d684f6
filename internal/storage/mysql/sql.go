package mysql

// -----------------------------------------------------------------------------
// SPACES
// -----------------------------------------------------------------------------

const getSpaceSQL = `
SELECT id, host_id, name, city, address, total_area_m2, available_area_m2, prices, created_at
FROM spaces
WHERE id = ?
`

// Row lock on the space serializes capacity checks against concurrent
// reservation creation on the same space.
const getSpaceForUpdateSQL = getSpaceSQL + ` FOR UPDATE`

// Non-terminal reservations count against the space's capacity.
const heldAreaSQL = `
SELECT COALESCE(SUM(area_m2), 0)
FROM reservations
WHERE space_id = ?
  AND status IN ('pending_payment', 'deposit_held', 'contract_pending', 'active')
`

// -----------------------------------------------------------------------------
// ACCOUNTS & SETTINGS
// -----------------------------------------------------------------------------

const getAccountSQL = `
SELECT id, role, anti_bypass_accepted_at
FROM accounts
WHERE id = ?
`

const saveAccountComplianceSQL = `
UPDATE accounts
SET anti_bypass_accepted_at = COALESCE(anti_bypass_accepted_at, ?)
WHERE id = ?
`

const getSettingSQL = `
SELECT v FROM platform_settings WHERE k = ?
`

// -----------------------------------------------------------------------------
// RESERVATIONS
// -----------------------------------------------------------------------------

const insertReservationSQL = `
INSERT INTO reservations
  (space_id, guest_id, area_m2, unit, periods, deposit_percent,
   rate_cents, total_cents, deposit_cents, remaining_cents, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const getReservationSQL = `
SELECT id, space_id, guest_id, area_m2, unit, periods, deposit_percent,
       rate_cents, total_cents, deposit_cents, remaining_cents, status,
       created_at, updated_at
FROM reservations
WHERE id = ?
`

const getReservationForUpdateSQL = getReservationSQL + ` FOR UPDATE`

const saveReservationSQL = `
UPDATE reservations SET status = ? WHERE id = ?
`

const listStalePendingReservationsSQL = `
SELECT id
FROM reservations
WHERE status = 'pending_payment' AND updated_at <= ?
ORDER BY id
LIMIT ?
`

// -----------------------------------------------------------------------------
// PAYMENTS
// -----------------------------------------------------------------------------

const insertPaymentSQL = `
INSERT INTO payments
  (reservation_id, contract_id, kind, amount_cents, method, status,
   idempotency_key, provider_ref, payout_cents, commission_cents,
   held_at, released_at, refunded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const paymentColumns = `
id, reservation_id, contract_id, kind, amount_cents, method, status,
idempotency_key, provider_ref, payout_cents, commission_cents,
created_at, held_at, released_at, refunded_at
`

const getPaymentByKeySQL = `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = ?`

const getPaymentForUpdateSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = ? FOR UPDATE`

const listPaymentsByReservationSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE reservation_id = ? ORDER BY id`

const savePaymentSQL = `
UPDATE payments
SET contract_id = ?, status = ?, provider_ref = ?, payout_cents = ?, commission_cents = ?,
    held_at = ?, released_at = ?, refunded_at = ?
WHERE id = ?
`

// -----------------------------------------------------------------------------
// CONTRACTS
// -----------------------------------------------------------------------------

const insertContractSQL = `
INSERT INTO contracts
  (reservation_id, number, total_cents, commission_percent, commission_cents, status, ends_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

const contractColumns = `
id, reservation_id, number, total_cents, commission_percent, commission_cents,
guest_signed_at, host_signed_at, status, ends_at, created_at, updated_at
`

const getContractSQL = `SELECT ` + contractColumns + ` FROM contracts WHERE id = ?`

const getContractForUpdateSQL = getContractSQL + ` FOR UPDATE`

const getContractByReservationSQL = `SELECT ` + contractColumns + ` FROM contracts WHERE reservation_id = ?`

const saveContractSQL = `
UPDATE contracts
SET total_cents = ?, commission_percent = ?, commission_cents = ?,
    guest_signed_at = ?, host_signed_at = ?, status = ?, ends_at = ?
WHERE id = ?
`

const insertContractPeriodSQL = `
INSERT INTO contract_periods (contract_id, unit, periods, amount_cents, payment_id)
VALUES (?, ?, ?, ?, ?)
`

const listContractPeriodsSQL = `
SELECT id, contract_id, unit, periods, amount_cents, payment_id, created_at
FROM contract_periods
WHERE contract_id = ?
ORDER BY id
`

const listElapsedActiveContractsSQL = `
SELECT id
FROM contracts
WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at <= ?
ORDER BY ends_at
LIMIT ?
`

// -----------------------------------------------------------------------------
// APPOINTMENTS
// -----------------------------------------------------------------------------

const insertAppointmentSQL = `
INSERT INTO appointments
  (reservation_id, space_id, guest_id, host_id, scheduled_at, status, proposal, guest_accepted_anti_bypass)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const appointmentColumns = `
id, reservation_id, space_id, guest_id, host_id, scheduled_at, status,
proposal, guest_accepted_anti_bypass, created_at, updated_at
`

const getAppointmentSQL = `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = ?`

const getAppointmentForUpdateSQL = getAppointmentSQL + ` FOR UPDATE`

const saveAppointmentSQL = `
UPDATE appointments
SET scheduled_at = ?, status = ?, proposal = ?, guest_accepted_anti_bypass = ?
WHERE id = ?
`
