package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesa-overwatch/pkg/shared"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func fakeClient(hub *Hub) *Client {
	return &Client{id: "test", hub: hub, send: make(chan []byte, sendBuffer)}
}

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Message{}
	}
}

func waitRecorded(t *testing.T, hub *Hub, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := hub.Latest(event)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := startHub(t)
	a, b := fakeClient(hub), fakeClient(hub)
	hub.register <- a
	hub.register <- b

	hub.Broadcast(shared.EventNewDetectedImage, map[string]string{"filename": "img_1.jpg"})

	for _, c := range []*Client{a, b} {
		msg := recv(t, c)
		assert.Equal(t, shared.EventNewDetectedImage, msg.Type)
		assert.JSONEq(t, `{"filename":"img_1.jpg"}`, string(msg.Data))
	}
}

func TestHub_LateSubscriberGetsReplay(t *testing.T) {
	hub := startHub(t)

	hub.Broadcast(shared.EventDroneData, map[string]string{"imagePath": "img_0001.jpg"})
	hub.Broadcast(shared.EventDroneData, map[string]string{"imagePath": "img_0002.jpg"})
	hub.Broadcast(shared.EventTeamDronesUpdate, map[string]int{"count": 1})
	hub.Broadcast(shared.EventNewDetectedImage, map[string]string{"filename": "x.jpg"})
	waitRecorded(t, hub, shared.EventTeamDronesUpdate)
	require.Eventually(t, func() bool {
		f, _ := hub.Latest(shared.EventDroneData)
		return strings.Contains(string(f), "img_0002.jpg")
	}, time.Second, 5*time.Millisecond)

	late := fakeClient(hub)
	hub.register <- late

	first := recv(t, late)
	assert.Equal(t, shared.EventDroneData, first.Type)
	assert.JSONEq(t, `{"imagePath":"img_0002.jpg"}`, string(first.Data), "only the latest snapshot is replayed")

	second := recv(t, late)
	assert.Equal(t, shared.EventTeamDronesUpdate, second.Type)

	select {
	case data := <-late.send:
		t.Fatalf("non-replayable event replayed: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_NoReplayBeforeFirstEvent(t *testing.T) {
	hub := startHub(t)
	c := fakeClient(hub)
	hub.register <- c

	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub := startHub(t)
	slow := &Client{id: "slow", hub: hub, send: make(chan []byte)}
	hub.register <- slow

	hub.Broadcast(shared.EventNewDetectedImage, map[string]string{"filename": "a.jpg"})

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-slow.send
	assert.False(t, ok, "send channel closed on drop")
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := startHub(t)
	c := fakeClient(hub)
	hub.register <- c
	hub.unregister <- c

	_, ok := <-c.send
	assert.False(t, ok)
	// second unregister is a no-op
	hub.unregister <- c
	assert.Equal(t, 0, hub.ClientCount())
}

func TestServeWS_ReplayOverWebsocket(t *testing.T) {
	hub := startHub(t)
	hub.Broadcast(shared.EventDroneData, map[string]string{"imagePath": "img_0042.jpg"})
	waitRecorded(t, hub, shared.EventDroneData)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, shared.EventDroneData, msg.Type)
	assert.JSONEq(t, `{"imagePath":"img_0042.jpg"}`, string(msg.Data))

	hub.Broadcast(shared.EventTeamDronesUpdate, map[string]int{"count": 0})
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, shared.EventTeamDronesUpdate, msg.Type)
}
