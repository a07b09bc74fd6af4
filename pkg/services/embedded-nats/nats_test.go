package embeddednats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesa-overwatch/pkg/shared"
)

func startBus(t *testing.T) *EmbeddedNATS {
	t.Helper()
	en, err := New(&Config{Host: "127.0.0.1", Port: -1, DataDir: t.TempDir(), MaxMemory: 16 << 20})
	require.NoError(t, err)
	require.NoError(t, en.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = en.Shutdown(ctx)
	})
	require.NoError(t, en.CreateEventStream())
	return en
}

func TestBroadcast_KeepsLastEventPerSubject(t *testing.T) {
	en := startBus(t)
	require.NoError(t, en.HealthCheck())

	en.Broadcast(shared.EventDroneData, map[string]string{"imagePath": "img_0001.jpg"})
	en.Broadcast(shared.EventDroneData, map[string]string{"imagePath": "img_0002.jpg"})
	en.Broadcast(shared.EventTeamDronesUpdate, map[string]int{"count": 3})

	select {
	case <-en.JetStream().PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		t.Fatal("publishes not acknowledged")
	}

	ev, err := en.LastEvent(shared.EventDroneData)
	require.NoError(t, err)
	assert.Equal(t, shared.EventDroneData, ev.Type)
	assert.JSONEq(t, `{"imagePath":"img_0002.jpg"}`, string(ev.Data))
	assert.NotEmpty(t, ev.ID)

	info, err := en.JetStream().StreamInfo(shared.StreamEvents)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs, "one message retained per event subject")
}

func waitAcked(t *testing.T, en *EmbeddedNATS) {
	t.Helper()
	select {
	case <-en.JetStream().PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		t.Fatal("publishes not acknowledged")
	}
}

func TestBroadcast_RetainsSnapshotLargerThanOneMegabyte(t *testing.T) {
	en := startBus(t)

	image := "data:image/jpeg;base64," + strings.Repeat("A", 1_500_000)
	en.Broadcast(shared.EventDroneData, map[string]string{"imagePath": "img_big.jpg", "image": image})
	waitAcked(t, en)

	ev, err := en.LastEvent(shared.EventDroneData)
	require.NoError(t, err)
	assert.Greater(t, len(ev.Data), 1_500_000)
	assert.Contains(t, string(ev.Data), "img_big.jpg")
}

func TestBroadcast_EnvelopeIDIsDedupID(t *testing.T) {
	en := startBus(t)

	en.Broadcast(shared.EventTeamDronesUpdate, map[string]int{"count": 1})
	waitAcked(t, en)

	raw, err := en.JetStream().GetLastMsg(shared.StreamEvents, shared.EventSubject(shared.EventTeamDronesUpdate))
	require.NoError(t, err)
	ev, err := en.LastEvent(shared.EventTeamDronesUpdate)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, raw.Header.Get("Nats-Msg-Id"))

	// republishing the same envelope inside the duplicate window is dropped
	require.NoError(t, en.PublishWithDedup(raw.Subject, raw.Data, ev.ID))
	waitAcked(t, en)

	again, err := en.JetStream().GetLastMsg(shared.StreamEvents, raw.Subject)
	require.NoError(t, err)
	assert.Equal(t, raw.Sequence, again.Sequence)
}

func TestNew_RejectsPayloadAboveServerLimit(t *testing.T) {
	_, err := New(&Config{Host: "127.0.0.1", Port: -1, DataDir: t.TempDir(), MaxPayload: maxPending + 1})
	assert.Error(t, err)
}

func TestCreateDurableConsumer_Idempotent(t *testing.T) {
	en := startBus(t)
	require.NoError(t, en.CreateDurableConsumer(shared.StreamEvents, shared.ConsumerEventRelay, shared.SubjectEventsAll))
	require.NoError(t, en.CreateDurableConsumer(shared.StreamEvents, shared.ConsumerEventRelay, shared.SubjectEventsAll))
}

func TestHealthCheck_AfterShutdown(t *testing.T) {
	en, err := New(&Config{Host: "127.0.0.1", Port: -1, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.Error(t, en.HealthCheck(), "not started")

	require.NoError(t, en.Start())
	require.NoError(t, en.HealthCheck())
	require.NoError(t, en.Shutdown(context.Background()))
	assert.Error(t, en.HealthCheck())
}
