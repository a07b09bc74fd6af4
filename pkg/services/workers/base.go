package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/logging"
)

// Worker is a supervised background service. Serve blocks until ctx is
// canceled; a returned error makes the supervisor restart it.
type Worker interface {
	Serve(ctx context.Context) error
	String() string
}

// BaseWorker pulls from one durable JetStream consumer.
type BaseWorker struct {
	name     string
	js       nats.JetStreamContext
	consumer string
	stream   string
	subject  string
	log      zerolog.Logger
}

func NewBaseWorker(name string, js nats.JetStreamContext, stream, consumer, subject string) *BaseWorker {
	return &BaseWorker{
		name:     name,
		js:       js,
		consumer: consumer,
		stream:   stream,
		subject:  subject,
		log:      logging.With(name),
	}
}

func (w *BaseWorker) String() string {
	return w.name
}

func (w *BaseWorker) processMessages(ctx context.Context, handler func(*nats.Msg)) error {
	sub, err := w.js.PullSubscribe(w.subject, w.consumer,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.Bind(w.stream, w.consumer),
	)
	if err != nil {
		return fmt.Errorf("failed to bind consumer %s: %w", w.consumer, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			w.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}()

	w.log.Info().Str("stream", w.stream).Str("consumer", w.consumer).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return err
			}
			w.log.Warn().Err(err).Msg("fetch failed")
			continue
		}

		for _, msg := range msgs {
			handler(msg)
			if err := msg.Ack(); err != nil {
				w.log.Warn().Err(err).Str("subject", msg.Subject).Msg("ack failed")
			}
		}
	}
}
