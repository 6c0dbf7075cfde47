package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures the SQLite store.
type Config struct {
	Path         string
	BusyTimeout  time.Duration // 0 means 5s
	MaxOpenConns int           // 0 means 4
}

// ChatRef locates a chat (and optional forum thread).
type ChatRef struct {
	ChatID   int64
	ThreadID int
}

// Reminder is a one-time reminder row. IsExecuted only moves false to true.
type Reminder struct {
	ID         int64
	DueAt      time.Time
	Chat       ChatRef
	UserID     int64
	Username   string
	Message    string
	IsExecuted bool
	CreatedAt  time.Time
	ExecutedAt time.Time
}

// Appointment is a calendar entry. NotifyAt and RetractAt are zero until the
// calendar driver derives them.
type Appointment struct {
	ID          int64
	Title       string
	StartsAt    time.Time
	Chat        ChatRef
	CreatedBy   int64
	NotifyAt    time.Time
	RetractAt   time.Time
	MessageID   int
	IsPosted    bool
	IsRetracted bool
}

type MemberRank struct {
	Member     string
	Attendance int
	Rank       int
	ComputedAt time.Time
}

type AttendanceCount struct {
	Member string
	Count  int
}

// LogReport is one externally sourced activity log together with the members
// that attended it.
type LogReport struct {
	ReportID  string    `json:"id"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
	Attendees []string  `json:"attendees"`
}
