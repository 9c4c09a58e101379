// Package supervisor runs the mail receiver and the web front end as
// co-resident long-lived services. Startup is ordered: the first service gets
// a fixed warm-up interval before the next one starts, so the acceptor is
// listening before web traffic is expected. A service that stops on its own
// is logged and not restarted.
package supervisor

import (
	"context"
	"log/slog"
	"time"
)

type Service interface {
	Name() string
	// Run blocks until the service stops. A nil return means a clean stop.
	Run() error
	Shutdown(ctx context.Context) error
}

type Supervisor struct {
	logger          *slog.Logger
	warmup          time.Duration
	shutdownTimeout time.Duration
	services        []Service
}

func New(logger *slog.Logger, warmup time.Duration) *Supervisor {
	return &Supervisor{
		logger:          logger,
		warmup:          warmup,
		shutdownTimeout: 10 * time.Second,
	}
}

func (s *Supervisor) Add(svc Service) {
	s.services = append(s.services, svc)
}

type exit struct {
	name string
	err  error
}

// Run starts every service in order and blocks until ctx is cancelled, then
// shuts the services down in reverse start order. Exits of individual
// services are logged only; the supervisor performs no restarts.
func (s *Supervisor) Run(ctx context.Context) error {
	exits := make(chan exit, len(s.services))

	for i, svc := range s.services {
		if i > 0 && s.warmup > 0 {
			select {
			case <-time.After(s.warmup):
			case <-ctx.Done():
				return s.stop()
			}
		}
		s.logger.Info("starting service", "service", svc.Name())
		go func(svc Service) {
			err := svc.Run()
			exits <- exit{name: svc.Name(), err: err}
		}(svc)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping services")
			return s.stop()
		case e := <-exits:
			if e.err != nil {
				s.logger.Error("service stopped", "service", e.name, "error", e.err)
			} else {
				s.logger.Info("service stopped", "service", e.name)
			}
		}
	}
}

func (s *Supervisor) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var firstErr error
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		if err := svc.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown service", "service", svc.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
