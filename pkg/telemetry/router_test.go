package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
)

type published struct {
	event   string
	payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Broadcast(event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event: event, payload: payload})
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRouter() (*Router, *recordingPublisher) {
	pub := &recordingPublisher{}
	clock := &fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRouter(NewRegistry(), pub, Options{
		DefaultID:   "1",
		DefaultName: "Team Drone 1",
		Now:         clock.now,
	})
	return r, pub
}

func update(fields map[string]any) RawUpdate {
	return NewRawUpdate(fields)
}

func TestUpdate_NormalizesStringsAndHeightSign(t *testing.T) {
	r, pub := newTestRouter()

	d, err := r.Update(context.Background(), update(map[string]any{
		"lat": "13.75", "lng": "100.50", "height": "-12.3",
	}), shared.SourceHTTP)
	require.NoError(t, err)

	assert.Equal(t, ontology.Location{Lat: 13.75, Lng: 100.5}, d.Location)
	assert.Equal(t, 12.3, d.Height)
	assert.Equal(t, shared.StatusActive, d.Status)
	assert.Equal(t, "1", d.ID)
	assert.Equal(t, "Team Drone 1", d.Name)
	assert.Nil(t, d.PreviousLocation)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, shared.EventTeamDronesUpdate, events[0].event)
	snap := events[0].payload.(ontology.TeamDronesSnapshot)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, d, snap.Drones[0])
}

func TestUpdate_Idempotent(t *testing.T) {
	r, _ := newTestRouter()
	ctx := context.Background()
	raw := update(map[string]any{"lat": 13.75, "lng": 100.5, "height": 10.0})

	first, err := r.Update(ctx, raw, shared.SourceHTTP)
	require.NoError(t, err)
	second, err := r.Update(ctx, raw, shared.SourceHTTP)
	require.NoError(t, err)

	assert.Equal(t, first.Location, second.Location)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Height, second.Height)
	assert.True(t, second.LastUpdate.After(first.LastUpdate))
	require.NotNil(t, second.PreviousLocation)
	assert.Equal(t, first.Location, *second.PreviousLocation)
	assert.Equal(t, 1, r.Registry().Len())
}

func TestUpdate_PreviousLocationTracksLastWrite(t *testing.T) {
	r, _ := newTestRouter()
	ctx := context.Background()

	_, err := r.Update(ctx, update(map[string]any{"lat": 1.0, "lng": 2.0}), shared.SourceMQTT)
	require.NoError(t, err)
	d, err := r.Update(ctx, update(map[string]any{"latitude": 3.0, "lon": 4.0}), shared.SourceMQTT)
	require.NoError(t, err)

	assert.Equal(t, ontology.Location{Lat: 3, Lng: 4}, d.Location)
	assert.Equal(t, &ontology.Location{Lat: 1, Lng: 2}, d.PreviousLocation)
	assert.Equal(t, shared.SourceMQTT, d.Source)
}

func TestUpdate_MissingHeightKeepsPrevious(t *testing.T) {
	r, _ := newTestRouter()
	ctx := context.Background()

	_, err := r.Update(ctx, update(map[string]any{"lat": 1.0, "lng": 2.0, "alt": 50.0}), shared.SourceHTTP)
	require.NoError(t, err)
	d, err := r.Update(ctx, update(map[string]any{"lat": 1.5, "lng": 2.5}), shared.SourceHTTP)
	require.NoError(t, err)
	assert.Equal(t, 50.0, d.Height)
}

func TestUpdate_SwappedPairIsCorrected(t *testing.T) {
	r, _ := newTestRouter()
	d, err := r.Update(context.Background(), update(map[string]any{"lat": 100.5, "lng": 13.75}), shared.SourceFile)
	require.NoError(t, err)
	assert.Equal(t, ontology.Location{Lat: 13.75, Lng: 100.5}, d.Location)
}

func TestUpdate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		field  string
	}{
		{"missing lat", map[string]any{"lng": 1.0}, "lat"},
		{"missing lng", map[string]any{"lat": 1.0}, "lng"},
		{"non-numeric lat", map[string]any{"lat": "north", "lng": 1.0}, "lat"},
		{"empty lng", map[string]any{"lat": 1.0, "lng": ""}, "lng"},
		{"infinite lat", map[string]any{"lat": "Inf", "lng": 1.0}, "lat"},
		{"both out of range", map[string]any{"lat": 120.0, "lng": 200.0}, "lat"},
		{"lng out of range", map[string]any{"lat": 10.0, "lng": -181.0}, "lng"},
		{"bad height", map[string]any{"lat": 1.0, "lng": 1.0, "height": "high"}, "height"},
		{"negative speed", map[string]any{"lat": 1.0, "lng": 1.0, "speed": -3.0}, "speed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, pub := newTestRouter()
			_, err := r.Update(context.Background(), update(tt.fields), shared.SourceHTTP)
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrValidation))

			var verr *shared.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			assert.Empty(t, pub.all(), "rejected updates are never broadcast")
			assert.Equal(t, 0, r.Registry().Len())
		})
	}
}

func TestUpdate_MultipleEntitiesSortedSnapshot(t *testing.T) {
	r, pub := newTestRouter()
	ctx := context.Background()

	_, err := r.Update(ctx, update(map[string]any{"id": "b", "lat": 1.0, "lng": 1.0}), shared.SourceHTTP)
	require.NoError(t, err)
	_, err = r.Update(ctx, update(map[string]any{"id": 7.0, "lat": 2.0, "lng": 2.0, "name": "Scout"}), shared.SourceHTTP)
	require.NoError(t, err)

	snap := r.Registry().Snapshot()
	require.Equal(t, 2, snap.Count)
	assert.Equal(t, "7", snap.Drones[0].ID)
	assert.Equal(t, "Scout", snap.Drones[0].Name)
	assert.Equal(t, "b", snap.Drones[1].ID)
	assert.Equal(t, "Drone b", snap.Drones[1].Name)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].payload.(ontology.TeamDronesSnapshot).Count)
	assert.Equal(t, 2, events[1].payload.(ontology.TeamDronesSnapshot).Count)
}

func TestUpdate_BroadcastsInMergeOrder(t *testing.T) {
	r, pub := newTestRouter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Update(ctx, update(map[string]any{"lat": float64(i), "lng": 1.0}), shared.SourceHTTP)
		}(i)
	}
	wg.Wait()

	events := pub.all()
	require.Len(t, events, 20)
	var last time.Time
	for _, e := range events {
		snap := e.payload.(ontology.TeamDronesSnapshot)
		assert.True(t, snap.Timestamp.After(last), "snapshots leave in merge order")
		last = snap.Timestamp
	}

	d, ok := r.Registry().Get("1")
	require.True(t, ok)
	final := events[len(events)-1].payload.(ontology.TeamDronesSnapshot)
	assert.Equal(t, d.Location, final.Drones[0].Location)
}

func TestUpdate_SnapshotIsACopy(t *testing.T) {
	r, pub := newTestRouter()
	ctx := context.Background()
	_, err := r.Update(ctx, update(map[string]any{"lat": 1.0, "lng": 1.0}), shared.SourceHTTP)
	require.NoError(t, err)
	_, err = r.Update(ctx, update(map[string]any{"lat": 2.0, "lng": 2.0}), shared.SourceHTTP)
	require.NoError(t, err)

	first := pub.all()[0].payload.(ontology.TeamDronesSnapshot)
	assert.Equal(t, 1.0, first.Drones[0].Location.Lat)
}

func TestUpdate_CanceledContext(t *testing.T) {
	r, pub := newTestRouter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Update(ctx, update(map[string]any{"lat": 1.0, "lng": 1.0}), shared.SourceHTTP)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.all())
}

func TestDecodeRawUpdate(t *testing.T) {
	raw, err := DecodeRawUpdate([]byte(`{"id":"alpha","lat":"13.75","lng":100.5}`))
	require.NoError(t, err)
	assert.Equal(t, "alpha", raw.ID)
	assert.Equal(t, "13.75", raw.Fields["lat"])

	for _, body := range []string{`not json`, `[1,2]`, `null`} {
		_, err := DecodeRawUpdate([]byte(body))
		assert.ErrorIs(t, err, shared.ErrValidation, body)
	}
}
