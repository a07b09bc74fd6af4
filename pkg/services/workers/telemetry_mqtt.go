package workers

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/config"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/telemetry"
)

// TelemetrySink is the merge entry point shared by every ingestion surface.
type TelemetrySink interface {
	Update(ctx context.Context, raw telemetry.RawUpdate, source string) (ontology.Drone, error)
}

// MQTTWorker subscribes to the telemetry topic and feeds each message to
// the sink. The subscription is renewed on every (re)connect.
type MQTTWorker struct {
	cfg       config.MQTTConfig
	sink      TelemetrySink
	connected atomic.Bool
	log       zerolog.Logger
}

func NewMQTTWorker(cfg config.MQTTConfig, sink TelemetrySink) *MQTTWorker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = time.Minute
	}
	return &MQTTWorker{
		cfg:  cfg,
		sink: sink,
		log:  logging.With("mqtt"),
	}
}

func (w *MQTTWorker) String() string {
	return "mqtt-telemetry"
}

// Connected reports the broker connection state for health output.
func (w *MQTTWorker) Connected() bool {
	return w.connected.Load()
}

func (w *MQTTWorker) Serve(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(w.cfg.Broker))
	opts.SetClientID(w.cfg.ClientID)
	if w.cfg.Username != "" {
		opts.SetUsername(w.cfg.Username)
		opts.SetPassword(w.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(w.cfg.MaxReconnectInterval)
	opts.SetConnectTimeout(w.cfg.ConnectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		w.connected.Store(true)
		w.log.Info().Str("broker", w.cfg.Broker).Str("topic", w.cfg.Topic).Msg("mqtt connected, subscribing")
		token := c.Subscribe(w.cfg.Topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			w.handleMessage(ctx, msg.Topic(), msg.Payload())
		})
		go func() {
			if !token.WaitTimeout(w.cfg.ConnectTimeout) {
				w.log.Warn().Str("topic", w.cfg.Topic).Msg("mqtt subscribe timed out")
				return
			}
			if err := token.Error(); err != nil {
				w.log.Error().Err(err).Str("topic", w.cfg.Topic).Msg("mqtt subscribe failed")
			}
		}()
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		w.connected.Store(false)
		w.log.Warn().Err(err).Str("broker", w.cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		w.log.Debug().Str("broker", w.cfg.Broker).Msg("mqtt reconnecting")
	}

	client := mqtt.NewClient(opts)
	w.log.Info().Str("broker", w.cfg.Broker).Msg("connecting to mqtt broker")

	token := client.Connect()
	if token.WaitTimeout(w.cfg.ConnectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
	} else {
		w.log.Warn().Str("broker", w.cfg.Broker).Msg("mqtt broker not reachable yet, retrying in background")
	}

	<-ctx.Done()
	w.connected.Store(false)
	client.Disconnect(250)
	w.log.Info().Msg("mqtt worker stopped")
	return ctx.Err()
}

// handleMessage never fails the subscription: bad payloads are logged and
// dropped.
func (w *MQTTWorker) handleMessage(ctx context.Context, topic string, payload []byte) {
	raw, err := telemetry.DecodeRawUpdate(payload)
	if err != nil {
		w.log.Warn().Err(err).Str("topic", topic).Int("bytes", len(payload)).Msg("dropping malformed telemetry")
		return
	}
	if _, err := w.sink.Update(ctx, raw, shared.SourceMQTT); err != nil {
		w.log.Warn().Err(err).Str("topic", topic).Msg("telemetry update rejected")
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
