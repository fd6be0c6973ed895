package models

// Reading is one numeric telemetry sample for a sensor channel.
type Reading struct {
	AccountID string  `json:"account_id"`
	Profile   string  `json:"profile,omitempty"`
	PID       int     `json:"pid"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}
