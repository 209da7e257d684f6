package domain

import (
	"fmt"
	"time"
)

// Appointment statuses keep the platform's market wording.
type AppointmentStatus string

const (
	AppointmentSolicitada   AppointmentStatus = "solicitada"
	AppointmentAceptada     AppointmentStatus = "aceptada"
	AppointmentReprogramada AppointmentStatus = "reprogramada"
	AppointmentRechazada    AppointmentStatus = "rechazada"
	AppointmentRealizada    AppointmentStatus = "realizada"
	AppointmentNoAsistida   AppointmentStatus = "no_asistida"
)

func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentRechazada || s == AppointmentRealizada || s == AppointmentNoAsistida
}

// RescheduleProposal is a host counter-offer. It does not overwrite the
// original schedule until the guest explicitly accepts it.
type RescheduleProposal struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type Appointment struct {
	ID            int64
	ReservationID int64
	SpaceID       int64
	GuestID       int64
	HostID        int64
	ScheduledAt   time.Time
	Status        AppointmentStatus
	Proposal      *RescheduleProposal
	// GuestAcceptedAntiBypass is per-appointment: it is re-asked even
	// if the guest accepted the clause elsewhere, because it gates
	// disclosure of a direct visit context.
	GuestAcceptedAntiBypass bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func NewAppointment(res *Reservation, hostID int64, at time.Time) (*Appointment, error) {
	if res.Status != ReservationDepositHeld {
		return nil, fmt.Errorf("%w: reservation is %s", ErrInvalidTransition, res.Status)
	}
	return &Appointment{
		ReservationID: res.ID,
		SpaceID:       res.SpaceID,
		GuestID:       res.GuestID,
		HostID:        hostID,
		ScheduledAt:   at,
		Status:        AppointmentSolicitada,
	}, nil
}

func (a *Appointment) guard(by Principal, want Role, owner int64) error {
	if by.Role != want || by.ID != owner {
		return fmt.Errorf("%w: action reserved to the appointment's %s", ErrInvalidTransition, want)
	}
	return nil
}

// AcceptCompliance records the guest's per-appointment acceptance of
// the anti-bypass clause.
func (a *Appointment) AcceptCompliance(by Principal) error {
	if err := a.guard(by, RoleGuest, a.GuestID); err != nil {
		return err
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	a.GuestAcceptedAntiBypass = true
	return nil
}

// complianceOpen gates every flow that leads toward an in-person visit.
func (a *Appointment) complianceOpen() error {
	if !a.GuestAcceptedAntiBypass {
		return fmt.Errorf("%w: guest has not accepted the anti-bypass clause for this visit", ErrComplianceGateClosed)
	}
	return nil
}

// Accept is host-only, from solicitada.
func (a *Appointment) Accept(by Principal) error {
	if err := a.guard(by, RoleHost, a.HostID); err != nil {
		return err
	}
	if a.Status != AppointmentSolicitada {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	if err := a.complianceOpen(); err != nil {
		return err
	}
	a.Status = AppointmentAceptada
	return nil
}

// Reject is host-only, from solicitada. Rejection does not disclose a
// visit context, so it is not gated on the compliance flag.
func (a *Appointment) Reject(by Principal) error {
	if err := a.guard(by, RoleHost, a.HostID); err != nil {
		return err
	}
	if a.Status != AppointmentSolicitada {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	a.Status = AppointmentRechazada
	return nil
}

// ProposeReschedule is the host counter-offer from solicitada.
func (a *Appointment) ProposeReschedule(by Principal, p RescheduleProposal) error {
	if err := a.guard(by, RoleHost, a.HostID); err != nil {
		return err
	}
	if a.Status != AppointmentSolicitada {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	if err := a.complianceOpen(); err != nil {
		return err
	}
	if p.At.IsZero() {
		return fmt.Errorf("%w: proposed date is required", ErrValidation)
	}
	a.Proposal = &p
	a.Status = AppointmentReprogramada
	return nil
}

// AcceptReschedule is the only guest-initiated forward transition
// besides the compliance acceptance. The proposed date becomes the
// effective schedule.
func (a *Appointment) AcceptReschedule(by Principal) error {
	if err := a.guard(by, RoleGuest, a.GuestID); err != nil {
		return err
	}
	if a.Status != AppointmentReprogramada || a.Proposal == nil {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	if err := a.complianceOpen(); err != nil {
		return err
	}
	a.ScheduledAt = a.Proposal.At
	a.Proposal = nil
	a.Status = AppointmentAceptada
	return nil
}

// MarkCompleted is host-only, from aceptada.
func (a *Appointment) MarkCompleted(by Principal) error {
	if err := a.guard(by, RoleHost, a.HostID); err != nil {
		return err
	}
	if a.Status != AppointmentAceptada {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	a.Status = AppointmentRealizada
	return nil
}

// MarkNoShow is host-only, from aceptada.
func (a *Appointment) MarkNoShow(by Principal) error {
	if err := a.guard(by, RoleHost, a.HostID); err != nil {
		return err
	}
	if a.Status != AppointmentAceptada {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	a.Status = AppointmentNoAsistida
	return nil
}
