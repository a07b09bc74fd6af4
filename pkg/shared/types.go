package shared

import (
	"encoding/json"
	"time"
)

// ErrorBody is the JSON body of every failed REST response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Event is the envelope carried on the internal bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Constants
const (
	ServiceName = "tesa-overwatch"

	// Entity Status
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusStandby  = "standby"
	StatusUnknown  = "unknown"

	// Artifact kinds
	KindImage = "image"
	KindCSV   = "csv"
)
