package models

import "time"

type NotificationKind string

const (
	NotificationIssue  NotificationKind = "Issue"
	NotificationNotice NotificationKind = "Notification"
)

type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWarning  Severity = "Warning"
)

// Notification is a persisted message for a user's notification feed.
// Security breaches are filed as Kind=Issue, Severity=Critical against the
// admin account.
type Notification struct {
	ID       string
	UserID   string
	Kind     NotificationKind
	Severity Severity
	Date     time.Time
	Marked   bool
	Title    string
	Detail   string
	// Notify flags entries created while the recipient was online, so the
	// event stream pushes them immediately.
	Notify bool
}
