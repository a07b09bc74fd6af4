package telemetry

import (
	"sort"
	"sync"
	"time"

	"tesa-overwatch/pkg/ontology"
)

// Registry holds the live state of every tracked drone. Writers go through
// Router.Update; the mutex also orders the broadcasts that follow a merge.
type Registry struct {
	mu     sync.Mutex
	drones map[string]*ontology.Drone
}

func NewRegistry() *Registry {
	return &Registry{drones: make(map[string]*ontology.Drone)}
}

// Get returns a copy of the drone with the given id.
func (r *Registry) Get(id string) (ontology.Drone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drones[id]
	if !ok {
		return ontology.Drone{}, false
	}
	return copyDrone(d), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drones)
}

// Snapshot returns copies of all drones sorted by id.
func (r *Registry) Snapshot() ontology.TeamDronesSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(time.Now().UTC())
}

func (r *Registry) snapshotLocked(now time.Time) ontology.TeamDronesSnapshot {
	drones := make([]ontology.Drone, 0, len(r.drones))
	for _, d := range r.drones {
		drones = append(drones, copyDrone(d))
	}
	sort.Slice(drones, func(i, j int) bool { return drones[i].ID < drones[j].ID })
	return ontology.TeamDronesSnapshot{
		Drones:    drones,
		Count:     len(drones),
		Timestamp: now,
	}
}

func copyDrone(d *ontology.Drone) ontology.Drone {
	out := *d
	if d.PreviousLocation != nil {
		prev := *d.PreviousLocation
		out.PreviousLocation = &prev
	}
	return out
}
