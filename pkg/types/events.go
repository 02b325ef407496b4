package types

import "time"

// Event types published on the broker.
const (
	EventAlert            = "alert"
	EventBlockStateChange = "block_state_changed"
	EventWhitelistChange  = "whitelist_changed"
)

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Address   string    `json:"address"`

	// Alert fields.
	Reason     string     `json:"reason,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	IncidentID int64      `json:"incident_id,omitempty"`

	// State-change fields.
	NewState  BlockState `json:"new_state,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Cause     string     `json:"cause,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

// IncidentQuery selects incidents for listing.
type IncidentQuery struct {
	Address string
	Since   time.Time
	Limit   int
}
