package account

import "time"

// Status is the reconciled channel health of one account
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// StatusFromCode maps the upstream numeric channel status. Only 1 is active.
func StatusFromCode(code int) Status {
	if code == 1 {
		return StatusActive
	}
	return StatusDisabled
}

// StatusRecord is the persisted state of one account, keyed by file stem
type StatusRecord struct {
	Name           string     `json:"account_name"`
	CurrentStatus  Status     `json:"current_status"`
	FilePath       string     `json:"file_path"`
	UsedQuota      int64      `json:"used_quota"`
	IsActivated    bool       `json:"is_activated"`
	ActivationDate *time.Time `json:"activation_date,omitempty"`
	LastUpdated    time.Time  `json:"last_updated"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HistoryRecord is one observed status change
type HistoryRecord struct {
	ID         int64     `json:"id"`
	Name       string    `json:"account_name"`
	OldStatus  Status    `json:"old_status"`
	NewStatus  Status    `json:"new_status"`
	ChangeTime time.Time `json:"change_time"`
	UsedQuota  int64     `json:"used_quota"`
}

// Observation is one account's state as reported by the routing service
type Observation struct {
	Name        string
	Status      Status
	UsedQuota   int64
	IsActivated bool
	At          time.Time
}

// Transition is the outcome of applying an Observation. OldStatus is empty
// on the first sighting of an account.
type Transition struct {
	Name      string `json:"account_name"`
	OldStatus Status `json:"old_status,omitempty"`
	NewStatus Status `json:"new_status"`
	Changed   bool   `json:"changed"`
}
