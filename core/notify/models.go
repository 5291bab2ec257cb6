package notify

import (
	"time"
)

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// DeliveryKey is the idempotency key of the delivery log: one notification per household per day.
type DeliveryKey struct {
	StudentID    string
	ParentUserID string
	DateKey      string
}

// Delivery is one row of the absence notification log.
// A sent row is terminal; pending and failed rows may be claimed again.
type Delivery struct {
	ID                string         `json:"id"`
	SchoolID          string         `json:"school_id"`
	ClassID           string         `json:"class_id"`
	StudentID         string         `json:"student_id"`
	ParentUserID      string         `json:"parent_user_id"`
	DateKey           string         `json:"date"`
	Phone             string         `json:"phone"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	Attempts          int            `json:"attempts"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at,omitempty"` // UTC
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (d Delivery) Key() DeliveryKey {
	return DeliveryKey{StudentID: d.StudentID, ParentUserID: d.ParentUserID, DateKey: d.DateKey}
}

type DeliveryFilter struct {
	SchoolID string
	DateKey  string
	Status   DeliveryStatus // empty: any
}

// SweepResult sums up one dispatch sweep.
type SweepResult struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Classes        int           `json:"classes"`
	ClassesSkipped int           `json:"classes_skipped"`
	ClassErrors    int           `json:"class_errors"`
	Sent           int           `json:"sent"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Failures       []Failure     `json:"failures,omitempty"`
}

// Failure is a send that did not go through during a sweep.
type Failure struct {
	SchoolID     string `json:"school_id"`
	StudentID    string `json:"student_id"`
	ParentUserID string `json:"parent_user_id"`
	DateKey      string `json:"date"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
}
