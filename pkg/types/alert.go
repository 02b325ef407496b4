package types

import "time"

// Alert is one decoded, validated message from the detection process.
type Alert struct {
	Address    string    `json:"address"`
	Reason     string    `json:"reason"`
	ObservedAt time.Time `json:"observed_at"`
}

// Incident is the persisted record of one alert.
type Incident struct {
	ID         int64     `json:"id"`
	Address    string    `json:"address"`
	Reason     string    `json:"reason"`
	ObservedAt time.Time `json:"observed_at"`
	Blocked    bool      `json:"blocked"`
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

type IncidentStats struct {
	Total     int64         `json:"total"`
	Addresses int64         `json:"addresses"`
	Blocked   int64         `json:"blocked"`
	ByReason  []ReasonCount `json:"by_reason,omitempty"`
}
