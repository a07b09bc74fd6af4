package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"tesa-overwatch/pkg/logging"
)

// Manager supervises the long-running services. A service that returns an
// error or panics is restarted with backoff; the rest keep running.
type Manager struct {
	sup *suture.Supervisor
	log zerolog.Logger
}

func NewManager(name string, shutdownTimeout time.Duration) *Manager {
	log := logging.With("supervisor")
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	sup := suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})

	return &Manager{sup: sup, log: log}
}

func (m *Manager) Add(w Worker) suture.ServiceToken {
	m.log.Debug().Str("service", w.String()).Msg("service registered")
	return m.sup.Add(w)
}

// Serve runs every registered service until ctx is canceled.
func (m *Manager) Serve(ctx context.Context) error {
	m.log.Info().Msg("starting services")
	err := m.sup.Serve(ctx)
	if report, rerr := m.sup.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, u := range report {
			m.log.Warn().Str("service", u.Name).Msg("service did not stop in time")
		}
	}
	m.log.Info().Msg("all services stopped")
	return err
}

func (m *Manager) ServeBackground(ctx context.Context) <-chan error {
	return m.sup.ServeBackground(ctx)
}
