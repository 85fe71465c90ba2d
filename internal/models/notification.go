package models

import (
	"encoding/json"
	"time"
)

type NotificationSeverity string

const (
	NotificationSeverityInfo    NotificationSeverity = "info"
	NotificationSeverityWarning NotificationSeverity = "warning"
	NotificationSeverityError   NotificationSeverity = "error"
)

type NotificationEvent string

const (
	NotificationEventRunStarted   NotificationEvent = "run_started"
	NotificationEventRunSucceeded NotificationEvent = "run_succeeded"
	NotificationEventRunFailed    NotificationEvent = "run_failed"
)

type Notification struct {
	ID        string               `json:"id"`
	RunID     string               `json:"run_id,omitempty"`
	EventType NotificationEvent    `json:"event_type"`
	Severity  NotificationSeverity `json:"severity"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Metadata  json.RawMessage      `json:"metadata,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}
