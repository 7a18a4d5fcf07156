package encounter

import (
	"fmt"
	"time"
)

// Status is a canonical encounter status. Legacy names are accepted only
// through ParseStatus.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusConfirmed          Status = "confirmed"
	StatusCheckedIn          Status = "checked_in"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusBilled             Status = "billed"
	StatusCancelledByPatient Status = "cancelled_by_patient"
	StatusCancelledByClinic  Status = "cancelled_by_clinic"
	StatusNoShow             Status = "no_show"
)

// DefaultLateThreshold is how long a confirmed visit may wait past its
// scheduled start before it is considered late.
const DefaultLateThreshold = 15 * time.Minute

// Color is a gantt color index. ColorNone is used for archived encounters.
type Color int

const (
	ColorNone       Color = 0
	ColorCancelled  Color = 1
	ColorLate       Color = 2
	ColorConfirmed  Color = 4
	ColorCheckedIn  Color = 6
	ColorDraft      Color = 7
	ColorCompleted  Color = 8
	ColorInProgress Color = 9
	ColorBilled     Color = 10
)

type statusInfo struct {
	display       string
	color         Color
	next          []Status
	needsPatients bool
}

var statusTable = map[Status]statusInfo{
	StatusDraft: {
		display: "Draft",
		color:   ColorDraft,
		next:    []Status{StatusConfirmed},
	},
	StatusConfirmed: {
		display: "Confirmed",
		color:   ColorConfirmed,
		next:    []Status{StatusCheckedIn, StatusCancelledByPatient, StatusCancelledByClinic, StatusNoShow},
	},
	StatusCheckedIn: {
		display:       "Checked In",
		color:         ColorCheckedIn,
		next:          []Status{StatusInProgress, StatusCancelledByPatient, StatusCancelledByClinic, StatusNoShow},
		needsPatients: true,
	},
	StatusInProgress: {
		display:       "In Progress",
		color:         ColorInProgress,
		next:          []Status{StatusCompleted},
		needsPatients: true,
	},
	StatusCompleted: {
		display:       "Completed",
		color:         ColorCompleted,
		next:          []Status{StatusBilled},
		needsPatients: true,
	},
	StatusBilled: {
		display:       "Billed",
		color:         ColorBilled,
		needsPatients: true,
	},
	StatusCancelledByPatient: {display: "Cancelled (Patient)", color: ColorCancelled},
	StatusCancelledByClinic:  {display: "Cancelled (Clinic)", color: ColorCancelled},
	StatusNoShow:             {display: "No Show", color: ColorCancelled},
}

// legacyAliases maps historical status names onto the canonical set.
var legacyAliases = map[string]Status{
	"booked":    StatusConfirmed,
	"scheduled": StatusConfirmed,
	"request":   StatusDraft,
	"attended":  StatusCheckedIn,
}

// ParseStatus resolves a canonical or legacy status name.
func ParseStatus(s string) (Status, error) {
	if _, ok := statusTable[Status(s)]; ok {
		return Status(s), nil
	}
	if st, ok := legacyAliases[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether s is a canonical status.
func (s Status) Valid() bool {
	_, ok := statusTable[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	info, ok := statusTable[s]
	return ok && len(info.next) == 0
}

// RequiresPatients reports whether an encounter must have at least one
// patient to be in status s.
func (s Status) RequiresPatients() bool {
	return statusTable[s].needsPatients
}

// DisplayText returns the human label for s.
func (s Status) DisplayText() string {
	if info, ok := statusTable[s]; ok {
		return info.display
	}
	return string(s)
}

// Registry owns the transition table and the derived facts built on it.
// Construct one with NewRegistry and pass it to the components that need it.
type Registry struct {
	billable      map[Status]bool
	lateThreshold time.Duration
}

type RegistryOption func(*Registry)

// WithBillable replaces the set of statuses whose encounters accept charges.
func WithBillable(statuses ...Status) RegistryOption {
	return func(r *Registry) {
		r.billable = make(map[Status]bool, len(statuses))
		for _, s := range statuses {
			r.billable[s] = true
		}
	}
}

// WithLateThreshold overrides DefaultLateThreshold.
func WithLateThreshold(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.lateThreshold = d
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		billable:      map[Status]bool{StatusCompleted: true, StatusBilled: true},
		lateThreshold: DefaultLateThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanTransition reports whether current -> next is an edge of the table.
func (r *Registry) CanTransition(current, next Status) bool {
	for _, s := range statusTable[current].next {
		if s == next {
			return true
		}
	}
	return false
}

// Validate returns ErrInvalidTransition for any pair CanTransition rejects.
func (r *Registry) Validate(current, next Status) error {
	if !r.CanTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// Next lists the statuses reachable from current in table order.
func (r *Registry) Next(current Status) []Status {
	out := make([]Status, len(statusTable[current].next))
	copy(out, statusTable[current].next)
	return out
}

func (r *Registry) IsBillable(s Status) bool {
	return r.billable[s]
}

func (r *Registry) LateThreshold() time.Duration {
	return r.lateThreshold
}

// IsLate reports whether a confirmed visit has waited longer than the
// threshold past its scheduled start. Every other status is never late.
func (r *Registry) IsLate(s Status, start, now time.Time) bool {
	if s != StatusConfirmed {
		return false
	}
	return now.Sub(start) > r.lateThreshold
}

// Color derives the gantt color for an encounter.
func (r *Registry) Color(s Status, active bool, start, now time.Time) Color {
	if !active {
		return ColorNone
	}
	if r.IsLate(s, start, now) {
		return ColorLate
	}
	return statusTable[s].color
}

// Facts is the derived, presentation-free view of an encounter's status.
type Facts struct {
	Status      Status   `json:"status"`
	DisplayText string   `json:"display_text"`
	Color       Color    `json:"color"`
	Late        bool     `json:"late"`
	Billable    bool     `json:"billable"`
	Terminal    bool     `json:"terminal"`
	Next        []Status `json:"next"`
}

func (r *Registry) Facts(enc *Encounter, now time.Time) Facts {
	return Facts{
		Status:      enc.Status,
		DisplayText: enc.Status.DisplayText(),
		Color:       r.Color(enc.Status, enc.Active, enc.Start, now),
		Late:        r.IsLate(enc.Status, enc.Start, now),
		Billable:    r.IsBillable(enc.Status),
		Terminal:    enc.Status.Terminal(),
		Next:        r.Next(enc.Status),
	}
}
