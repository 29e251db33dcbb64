package delegation

import "time"

// Delegation statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Delegation lets one user (the delegator) authorize another (the
// delegatee) to post on their behalf. It starts pending with a
// pairing code and becomes active when someone claims the code.
type Delegation struct {
	ID          string    `json:"id"`
	DelegatorID string    `json:"delegator_id"`
	DelegateeID *string   `json:"delegatee_id,omitempty"`
	Code        string    `json:"code"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LookupResult is what a code lookup shows before claiming: the
// delegation plus who is asking for help.
type LookupResult struct {
	Delegation
	DelegatorName string `json:"delegator_name"`
}

// Event is published on the delegator's channel when a pairing
// changes state.
type Event struct {
	DelegationID string `json:"delegation_id"`
	Status       string `json:"status"`
}
