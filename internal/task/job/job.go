// Package job defines the closed set of units of work the scheduler runs and
// the per-execution scope they resolve collaborators from.
//
// A Job carries identifiers only. Everything live (connections, clients) is
// handed in through *Scope at execution time, so an entry can always be
// rebuilt from persisted state after a restart.
package job

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("job: unknown kind")
	ErrUnavailable = errors.New("job: collaborator unavailable")
)

// Job is sealed: only the variants in this package implement it.
type Job interface {
	// Execute runs the job. It must not retain sc after returning.
	Execute(ctx context.Context, sc *Scope) error
	// Key returns a stable entry id, or "" when the job has no domain identity.
	Key() string
	Kind() string

	sealed()
}

// Reminder fires one persisted reminder row.
type Reminder struct {
	ReminderID int64
}

// Refresh is a recurring driver run. A Manual run has no domain key, so it
// never replaces the armed tick, and it does not re-arm.
type Refresh struct {
	Driver RefreshKind
	Manual bool
}

// NotificationPost posts the notice for an appointment.
type NotificationPost struct {
	AppointmentID int64
}

// NotificationRetract deletes the notice for an appointment.
type NotificationRetract struct {
	AppointmentID int64
}

type RefreshKind string

const (
	RefreshCalendar  RefreshKind = "calendar"
	RefreshRanks     RefreshKind = "ranks"
	RefreshLogImport RefreshKind = "logimport"
)

// RefreshKinds lists every driver kind in boot order.
func RefreshKinds() []RefreshKind {
	return []RefreshKind{RefreshCalendar, RefreshRanks, RefreshLogImport}
}

func (k RefreshKind) Valid() bool {
	switch k {
	case RefreshCalendar, RefreshRanks, RefreshLogImport:
		return true
	}
	return false
}

func ParseRefreshKind(s string) (RefreshKind, error) {
	k := RefreshKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

var (
	_ Job = Reminder{}
	_ Job = Refresh{}
	_ Job = NotificationPost{}
	_ Job = NotificationRetract{}
)

func (Reminder) sealed()            {}
func (Refresh) sealed()             {}
func (NotificationPost) sealed()    {}
func (NotificationRetract) sealed() {}

func (j Reminder) Key() string { return fmt.Sprintf("reminder:%d", j.ReminderID) }
func (j Refresh) Key() string {
	if j.Manual {
		return ""
	}
	return "refresh:" + string(j.Driver)
}
func (j NotificationPost) Key() string    { return fmt.Sprintf("appointment:%d:post", j.AppointmentID) }
func (j NotificationRetract) Key() string { return fmt.Sprintf("appointment:%d:retract", j.AppointmentID) }

func (Reminder) Kind() string            { return "reminder" }
func (j Refresh) Kind() string           { return "refresh." + string(j.Driver) }
func (NotificationPost) Kind() string    { return "notification.post" }
func (NotificationRetract) Kind() string { return "notification.retract" }

// Describe renders a job for logs and the /jobs command.
func Describe(j Job) string {
	switch v := j.(type) {
	case Reminder:
		return fmt.Sprintf("reminder #%d", v.ReminderID)
	case Refresh:
		if v.Manual {
			return fmt.Sprintf("%s refresh (manual)", v.Driver)
		}
		return fmt.Sprintf("%s refresh", v.Driver)
	case NotificationPost:
		return fmt.Sprintf("post notice for appointment #%d", v.AppointmentID)
	case NotificationRetract:
		return fmt.Sprintf("retract notice for appointment #%d", v.AppointmentID)
	case nil:
		return "<nil>"
	default:
		panic(fmt.Sprintf("job: unhandled variant %T", j))
	}
}
