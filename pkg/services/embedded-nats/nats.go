package embeddednats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/shared"
)

// DefaultMaxPayload fits a drone-data snapshot carrying a full-size
// upload as a base64 data URL.
const DefaultMaxPayload = 32 * 1024 * 1024

// maxPending is the server's own default; MaxPayload may not exceed it.
const maxPending = 64 * 1024 * 1024

type Config struct {
	Host      string
	Port      int
	DataDir   string
	MaxMemory int64

	// MaxPayload bounds a single message on the wire and in the event
	// stream. Zero means DefaultMaxPayload.
	MaxPayload int32
}

func (c *Config) maxPayload() int32 {
	if c.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

// EmbeddedNATS is the in-process bus that carries push events from the
// producers (watcher, telemetry router, upload handler) to the websocket
// relay.
type EmbeddedNATS struct {
	server  *server.Server
	nc      *nats.Conn
	js      nats.JetStreamContext
	config  *Config
	streams map[string]*StreamConfig
	log     zerolog.Logger
}

type StreamConfig struct {
	Name              string
	Subjects          []string
	Storage           nats.StorageType
	Retention         nats.RetentionPolicy
	MaxMsgsPerSubject int64
	MaxBytes          int64
	MaxAge            time.Duration
	MaxMsgSize        int32
	DuplicateWindow   time.Duration
	DiscardPolicy     nats.DiscardPolicy
}

func DefaultConfig() *Config {
	return &Config{
		Host:       "127.0.0.1",
		Port:       -1,
		DataDir:    "./data/nats",
		MaxMemory:  256 * 1024 * 1024, // 256MB
		MaxPayload: DefaultMaxPayload,
	}
}

func New(cfg *Config) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxPayload > maxPending {
		return nil, fmt.Errorf("max payload %d exceeds %d", cfg.MaxPayload, maxPending)
	}

	return &EmbeddedNATS{
		config:  cfg,
		streams: make(map[string]*StreamConfig),
		log:     logging.With("nats"),
	}, nil
}

func (en *EmbeddedNATS) Start() error {
	opts := &server.Options{
		Host:               en.config.Host,
		Port:               en.config.Port,
		JetStream:          true,
		StoreDir:           en.config.DataDir,
		JetStreamMaxMemory: en.config.MaxMemory,
		MaxPayload:         en.config.maxPayload(),
		MaxPending:         maxPending,
		NoSigs:             true,
		NoLog:              true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready for connections")
	}

	en.server = ns

	if err := en.connect(); err != nil {
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	en.log.Info().Str("url", ns.ClientURL()).Msg("embedded NATS server started")
	return nil
}

func (en *EmbeddedNATS) connect() error {
	nc, err := nats.Connect(en.server.ClientURL(),
		nats.Name(shared.ServiceName),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			en.log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				en.log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			en.log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(
		nats.PublishAsyncMaxPending(1024),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			en.log.Error().Err(err).Str("subject", msg.Subject).Int("bytes", len(msg.Data)).Msg("async publish failed")
		}),
	)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	en.nc = nc
	en.js = js
	return nil
}

func (en *EmbeddedNATS) AddStream(streamConfig *StreamConfig) error {
	if en.js == nil {
		return fmt.Errorf("JetStream not initialized")
	}

	config := &nats.StreamConfig{
		Name:              streamConfig.Name,
		Subjects:          streamConfig.Subjects,
		Storage:           streamConfig.Storage,
		Retention:         streamConfig.Retention,
		MaxMsgsPerSubject: streamConfig.MaxMsgsPerSubject,
		MaxBytes:          streamConfig.MaxBytes,
		MaxAge:            streamConfig.MaxAge,
		MaxMsgSize:        streamConfig.MaxMsgSize,
		Replicas:          1,
		Duplicates:        streamConfig.DuplicateWindow,
		Discard:           streamConfig.DiscardPolicy,
		AllowDirect:       true,
	}

	// Try to update stream if it exists, otherwise create it
	if _, err := en.js.StreamInfo(streamConfig.Name); err == nil {
		if _, err := en.js.UpdateStream(config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", streamConfig.Name, err)
		}
	} else if _, err := en.js.AddStream(config); err != nil {
		return fmt.Errorf("failed to add stream %s: %w", streamConfig.Name, err)
	}

	en.streams[streamConfig.Name] = streamConfig
	en.log.Info().Str("stream", streamConfig.Name).Strs("subjects", streamConfig.Subjects).Msg("stream ready")
	return nil
}

// CreateEventStream declares the in-memory stream that holds the last
// frame of every push event. Nothing survives a restart. Messages may be
// as large as the server's max payload so drone-data snapshots with an
// embedded image are retained for replay.
func (en *EmbeddedNATS) CreateEventStream() error {
	return en.AddStream(&StreamConfig{
		Name:              shared.StreamEvents,
		Subjects:          []string{shared.SubjectEventsAll},
		Storage:           nats.MemoryStorage,
		Retention:         nats.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxBytes:          -1, // one message per subject bounds it
		MaxAge:            time.Hour,
		MaxMsgSize:        en.config.maxPayload(),
		DuplicateWindow:   30 * time.Second,
		DiscardPolicy:     nats.DiscardOld,
	})
}

func (en *EmbeddedNATS) PublishWithDedup(subject string, data []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if _, err := en.js.PublishMsgAsync(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Broadcast publishes a push event on the bus. It implements
// broadcast.Publisher; the relay worker delivers it to websocket clients.
func (en *EmbeddedNATS) Broadcast(event string, payload interface{}) {
	data, err := gojson.Marshal(payload)
	if err != nil {
		en.log.Error().Err(err).Str("event", event).Msg("failed to encode event payload")
		return
	}

	id := uuid.NewString()
	envelope, err := gojson.Marshal(shared.Event{
		ID:        id,
		Type:      event,
		Data:      json.RawMessage(data),
		Timestamp: time.Now().UTC(),
		Source:    shared.ServiceName,
	})
	if err != nil {
		en.log.Error().Err(err).Str("event", event).Msg("failed to encode event envelope")
		return
	}

	// the envelope id doubles as the dedup id, so a retried publish of the
	// same envelope is stored once
	if err := en.PublishWithDedup(shared.EventSubject(event), envelope, id); err != nil {
		en.log.Error().Err(err).Str("event", event).Msg("failed to publish event")
	}
}

func (en *EmbeddedNATS) CreateDurableConsumer(streamName, consumerName string, filterSubject string) error {
	config := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: filterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 1000,
		DeliverPolicy: nats.DeliverNewPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}

	if _, err := en.js.ConsumerInfo(streamName, consumerName); err == nil {
		en.log.Debug().Str("consumer", consumerName).Str("stream", streamName).Msg("durable consumer already exists")
		return nil
	}

	if _, err := en.js.AddConsumer(streamName, config); err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
	}

	en.log.Info().Str("consumer", consumerName).Str("stream", streamName).Msg("created durable consumer")
	return nil
}

// LastEvent returns the newest envelope stored for event, if any.
func (en *EmbeddedNATS) LastEvent(event string) (*shared.Event, error) {
	raw, err := en.js.GetLastMsg(shared.StreamEvents, shared.EventSubject(event))
	if err != nil {
		return nil, err
	}
	var ev shared.Event
	if err := gojson.Unmarshal(raw.Data, &ev); err != nil {
		return nil, fmt.Errorf("%w: event envelope: %v", shared.ErrParse, err)
	}
	return &ev, nil
}

func (en *EmbeddedNATS) Connection() *nats.Conn {
	return en.nc
}

func (en *EmbeddedNATS) JetStream() nats.JetStreamContext {
	return en.js
}

func (en *EmbeddedNATS) Shutdown(ctx context.Context) error {
	if en.js != nil {
		select {
		case <-en.js.PublishAsyncComplete():
		case <-ctx.Done():
		}
	}

	if en.nc != nil {
		en.nc.Close()
	}

	if en.server != nil {
		en.server.Shutdown()
		en.server.WaitForShutdown()
	}

	return nil
}

func (en *EmbeddedNATS) HealthCheck() error {
	if en.nc == nil {
		return fmt.Errorf("NATS connection not initialized")
	}

	if !en.nc.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}

	if en.server != nil && !en.server.Running() {
		return fmt.Errorf("NATS server not running")
	}

	return nil
}
