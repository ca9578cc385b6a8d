// Package scanner models live scanner pods: the authoritative row the
// Scanner Registry reconciles against observed cluster state, and that the
// Task Scheduler and Resource Autoscaler read and mutate each tick.
package scanner

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Scanner row.
type Status string

const (
	StatusEnable   Status = "enable"
	StatusDisable  Status = "disable"
	StatusWaiting  Status = "waiting"
	StatusDeleting Status = "deleting"
	StatusDeleted  Status = "deleted"
)

// AllStatuses lists every lifecycle state, for callers that need to report
// a value (even zero) for each one rather than only for statuses with rows.
var AllStatuses = []Status{StatusEnable, StatusDisable, StatusWaiting, StatusDeleting, StatusDeleted}

// Type distinguishes the two scanner families named in the spec.
type Type string

const (
	TypeHost Type = "host"
	TypeWeb  Type = "web"
)

// Scanner is one observed scanner pod and its declared capacity.
//
// Invariants: exactly one row per live scanner pod (identified by Name).
// Only StatusEnable scanners receive new dispatches. StatusWaiting implies
// MaxConcurrency == 0. StatusDeleted is absorbing. ExceptNum >= MaxConcurrency,
// with MaxConcurrency > 0, forces a transition to StatusDeleting.
type Scanner struct {
	ID              uuid.UUID
	Name            string
	Engine          string
	Type            Type
	NodeName        string
	IP              string
	Port            int
	ReportFileType  string
	MaxConcurrency  int
	ExceptNum       int
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdentityMatches reports whether obs (an observed pod) still agrees with
// the row's recorded identity fields, per registry rule 2.
func (s Scanner) IdentityMatches(ip, engine string, port int, reportFileType string) bool {
	return s.IP == ip && s.Engine == engine && s.Port == port && s.ReportFileType == reportFileType
}

// IsForciblyDrained reports whether the scanner's exception counter has
// reached its capacity, per registry rule 7.
func (s Scanner) IsForciblyDrained() bool {
	return s.MaxConcurrency > 0 && s.ExceptNum >= s.MaxConcurrency
}
