package feedback

import "time"

// Ticket statuses. resolved and dismissed are terminal.
const (
	StatusOpen      = "open"
	StatusInReview  = "in_review"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
)

// Ticket is a user-filed feedback or moderation request worked by
// staff.
type Ticket struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	StaffNote string    `json:"staff_note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusEvent is published on the feedback channel for staff
// dashboards.
type StatusEvent struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

// ValidStatus reports whether s is a known ticket status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInReview, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// Terminal reports whether a ticket in this status is closed for
// further transitions.
func Terminal(s string) bool {
	return s == StatusResolved || s == StatusDismissed
}
