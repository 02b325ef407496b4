package types

import "time"

type BlockState string

const (
	StateUnblocked BlockState = "unblocked"
	StateBlocked   BlockState = "blocked"
)

// BlockRecord marks an address as currently blocked. A nil ExpiresAt means
// the block is permanent.
type BlockRecord struct {
	Address   string     `json:"address"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r BlockRecord) Permanent() bool { return r.ExpiresAt == nil }

type WhitelistEntry struct {
	Address string    `json:"address"`
	AddedAt time.Time `json:"added_at"`
	Note    string    `json:"note,omitempty"`
}

// Outcome describes what a transition request actually did.
type Outcome string

const (
	OutcomeBlocked          Outcome = "blocked"
	OutcomeRefreshed        Outcome = "refreshed"
	OutcomeAlreadyBlocked   Outcome = "already_blocked"
	OutcomeUnblocked        Outcome = "unblocked"
	OutcomeAlreadyUnblocked Outcome = "already_unblocked"
	OutcomeExpired          Outcome = "expired"
)

// TransitionResult is returned by block/unblock requests.
type TransitionResult struct {
	Address string       `json:"address"`
	State   BlockState   `json:"state"`
	Outcome Outcome      `json:"outcome"`
	Changed bool         `json:"changed"`
	Record  *BlockRecord `json:"record,omitempty"`
}

// BlockStatus answers a state query for one address.
type BlockStatus struct {
	Address     string       `json:"address"`
	State       BlockState   `json:"state"`
	Whitelisted bool         `json:"whitelisted"`
	Record      *BlockRecord `json:"record,omitempty"`
}

type BlockRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration,omitempty"`
}

type WhitelistRequest struct {
	Note string `json:"note,omitempty"`
}

// WhitelistResult is returned when an address is added to the whitelist.
// Whitelisting does not lift an existing block; StillBlocked reports one.
type WhitelistResult struct {
	Entry        WhitelistEntry `json:"entry"`
	Added        bool           `json:"added"`
	StillBlocked bool           `json:"still_blocked"`
}
