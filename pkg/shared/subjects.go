package shared

import "fmt"

// NATS Subject patterns
const (
	SubjectPrefix = "overwatch"

	// Push events relayed to websocket clients
	SubjectEvents    = "overwatch.events"
	SubjectEventsAll = "overwatch.events.>"
	SubjectEvent     = "overwatch.events.%s" // event name

	// System subjects
	SubjectSystemHealth = "overwatch.system.health"
)

// Stream names
const (
	StreamEvents = "OVERWATCH_EVENTS"
)

// Consumer names
const (
	ConsumerEventRelay = "event-relay"
)

// Push event names, as seen by browser clients
const (
	EventDroneData        = "drone-data"
	EventTeamDronesUpdate = "team-drones-update"
	EventNewDetectedImage = "new-detected-image"
)

// ReplayableEvents are re-sent to a client right after it connects.
var ReplayableEvents = []string{EventDroneData, EventTeamDronesUpdate}

// Telemetry sources
const (
	SourceUpload = "upload"
	SourceHTTP   = "http"
	SourceMQTT   = "mqtt"
	SourceFile   = "file"
)

func EventSubject(event string) string {
	return fmt.Sprintf(SubjectEvent, event)
}

// EventFromSubject is the inverse of EventSubject. It returns "" for
// subjects outside the events namespace.
func EventFromSubject(subject string) string {
	prefix := SubjectEvents + "."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return ""
	}
	return subject[len(prefix):]
}
