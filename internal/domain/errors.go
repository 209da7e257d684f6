package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrUnavailablePeriod    = errors.New("period not offered for this space")
	ErrPriceMismatch        = errors.New("price mismatch")
	ErrComplianceGateClosed = errors.New("compliance gate closed")
	ErrInvalidOtp           = errors.New("invalid or expired otp")
	ErrNotHeld              = errors.New("payment not held")
	ErrPaymentCapability    = errors.New("payment capability failure")
	ErrDuplicatePayment     = errors.New("duplicate idempotency key")
)
