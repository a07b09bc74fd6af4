package workers

import (
	"context"
	"encoding/json"

	gojson "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"tesa-overwatch/pkg/shared"
)

// RawBroadcaster accepts pre-encoded payloads; *broadcast.Hub implements it.
type RawBroadcaster interface {
	BroadcastRaw(event string, data json.RawMessage)
}

// RelayWorker forwards bus events to websocket clients.
type RelayWorker struct {
	*BaseWorker
	out RawBroadcaster
}

func NewRelayWorker(js nats.JetStreamContext, out RawBroadcaster) *RelayWorker {
	return &RelayWorker{
		BaseWorker: NewBaseWorker(
			"event-relay",
			js,
			shared.StreamEvents,
			shared.ConsumerEventRelay,
			shared.SubjectEventsAll,
		),
		out: out,
	}
}

func (w *RelayWorker) Serve(ctx context.Context) error {
	return w.processMessages(ctx, w.relay)
}

func (w *RelayWorker) relay(msg *nats.Msg) {
	var ev shared.Event
	if err := gojson.Unmarshal(msg.Data, &ev); err != nil {
		w.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
		return
	}
	if ev.Type == "" {
		ev.Type = shared.EventFromSubject(msg.Subject)
	}
	w.out.BroadcastRaw(ev.Type, ev.Data)
}
