// Package telemetry normalizes drone position reports from every ingestion
// surface and merges them into a single registry.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/broadcast"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/metrics"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
)

type Options struct {
	DefaultID   string
	DefaultName string
	// Now is overridden in tests.
	Now func() time.Time
}

// Router is the single normalize-and-merge path. Surfaces call Update and
// report the result; none of them validate on their own.
type Router struct {
	registry  *Registry
	publisher broadcast.Publisher
	validate  *validator.Validate
	opts      Options
	log       zerolog.Logger
}

func NewRouter(registry *Registry, publisher broadcast.Publisher, opts Options) *Router {
	if opts.DefaultID == "" {
		opts.DefaultID = "1"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		registry:  registry,
		publisher: publisher,
		validate:  validator.New(),
		opts:      opts,
		log:       logging.With("telemetry"),
	}
}

func (r *Router) Registry() *Registry {
	return r.registry
}

// Update normalizes raw, merges it into the registry and broadcasts the
// full snapshot. A rejected update returns a *shared.ValidationError and
// leaves the registry untouched.
func (r *Router) Update(ctx context.Context, raw RawUpdate, source string) (ontology.Drone, error) {
	if err := ctx.Err(); err != nil {
		return ontology.Drone{}, err
	}

	n, err := r.normalize(raw)
	if err != nil {
		metrics.TelemetryUpdates.WithLabelValues(source, "rejected").Inc()
		r.log.Warn().Err(err).Str("source", source).Msg("telemetry update rejected")
		return ontology.Drone{}, err
	}

	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()

	now := r.opts.Now().UTC()
	d, exists := r.registry.drones[n.id]
	if exists {
		prev := d.Location
		d.PreviousLocation = &prev
	} else {
		d = &ontology.Drone{ID: n.id, Name: r.defaultName(n.id)}
		r.registry.drones[n.id] = d
	}

	d.Location = n.location
	if n.hasHeight {
		d.Height = n.height
	}
	if n.hasSpeed {
		d.Speed = n.speed
	}
	if n.name != "" {
		d.Name = n.name
	}
	d.Status = shared.StatusActive
	d.Source = source
	d.LastUpdate = now

	out := copyDrone(d)
	// publish under the lock so snapshots leave in merge order
	r.publisher.Broadcast(shared.EventTeamDronesUpdate, r.registry.snapshotLocked(now))

	metrics.TelemetryUpdates.WithLabelValues(source, "accepted").Inc()
	r.log.Debug().
		Str("id", out.ID).
		Str("source", source).
		Float64("lat", out.Location.Lat).
		Float64("lng", out.Location.Lng).
		Float64("height", out.Height).
		Msg("telemetry merged")

	return out, nil
}

func (r *Router) defaultName(id string) string {
	if id == r.opts.DefaultID && r.opts.DefaultName != "" {
		return r.opts.DefaultName
	}
	return "Drone " + id
}

type normalized struct {
	id        string
	name      string
	location  ontology.Location
	height    float64
	hasHeight bool
	speed     float64
	hasSpeed  bool
}

func (r *Router) normalize(raw RawUpdate) (normalized, error) {
	var n normalized

	lat, ok, err := raw.number(latKeys)
	if err != nil {
		return n, err
	}
	if !ok {
		return n, shared.NewValidationError("lat", "is required")
	}
	lng, ok, err := raw.number(lngKeys)
	if err != nil {
		return n, err
	}
	if !ok {
		return n, shared.NewValidationError("lng", "is required")
	}

	// some trackers send the pair reversed
	if math.Abs(lat) > 90 && math.Abs(lng) <= 90 {
		lat, lng = lng, lat
	}
	n.location = ontology.Location{Lat: lat, Lng: lng}
	if err := r.validateLocation(n.location); err != nil {
		return n, err
	}

	height, ok, err := raw.number(heightKeys)
	if err != nil {
		return n, err
	}
	if ok {
		// upstream reports altitude with an inverted sign
		n.height, n.hasHeight = math.Abs(height), true
	}

	speed, ok, err := raw.number([]string{"speed"})
	if err != nil {
		return n, err
	}
	if ok {
		if speed < 0 {
			return n, shared.NewValidationError("speed", "must not be negative")
		}
		n.speed, n.hasSpeed = speed, true
	}

	n.id = raw.ID
	if n.id == "" {
		n.id = r.opts.DefaultID
	}
	n.name = raw.text("name")
	return n, nil
}

func (r *Router) validateLocation(loc ontology.Location) error {
	err := r.validate.Struct(loc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return shared.NewValidationError(strings.ToLower(fe.Field()), "%v out of range (%s=%s)", fe.Value(), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%w: %v", shared.ErrValidation, err)
}

// Check runs the normalization rules without touching the registry.
func (r *Router) Check(raw RawUpdate) error {
	_, err := r.normalize(raw)
	return err
}
