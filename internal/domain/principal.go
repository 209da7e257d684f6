package domain

import "time"

type Role string

const (
	RoleGuest Role = "guest"
	RoleHost  Role = "host"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleGuest || r == RoleHost || r == RoleAdmin
}

// Principal is the authenticated caller, produced by the upstream auth
// layer. The engine only ever consumes its id and role.
type Principal struct {
	ID   int64
	Role Role
}

// Account carries the per-account state the engine owns: a host's
// one-time acceptance of the anti-bypass clause.
type Account struct {
	ID                   int64
	Role                 Role
	AntiBypassAcceptedAt *time.Time
}

func (a Account) AcceptedAntiBypass() bool { return a.AntiBypassAcceptedAt != nil }
