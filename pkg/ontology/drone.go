package ontology

import (
	"time"
)

// Drone is one tracked entity in the telemetry registry.
type Drone struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	Location         Location  `json:"location"`
	PreviousLocation *Location `json:"previousLocation,omitempty"`
	Height           float64   `json:"height"`
	Speed            float64   `json:"speed"`
	Source           string    `json:"source,omitempty"`
	LastUpdate       time.Time `json:"lastUpdate"`
}

type Location struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
}

// TeamDronesSnapshot is the payload of team-drones-update and
// GET /api/offensive/drones.
type TeamDronesSnapshot struct {
	Drones    []Drone   `json:"drones"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}
