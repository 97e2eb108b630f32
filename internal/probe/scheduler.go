package probe

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var probeResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fremen_probe_checks_total",
		Help: "Reachability checks by result (up, down, error).",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(probeResults)
}

// ResultHandler receives one observation per target per round.
type ResultHandler func(ctx context.Context, obs analytics.Observation)

// Scheduler pings every target on a fixed interval using a bounded worker
// pool.
type Scheduler struct {
	targets  []Target
	pinger   Pinger
	handler  ResultHandler
	interval time.Duration
	workers  int
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(targets []Target, pinger Pinger, handler ResultHandler, interval time.Duration, workers int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		targets:  targets,
		pinger:   pinger,
		handler:  handler,
		interval: interval,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs a round immediately and then on every tick until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop cancels in-flight pings and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// tick pings all targets. Every target in a round is stamped with the
// round's start time so device models see aligned samples.
func (s *Scheduler) tick() {
	if len(s.targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.interval)
	defer cancel()
	at := s.now().UTC()

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

dispatch:
	for _, target := range s.targets {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer func() { <-sem }()
			s.check(ctx, t, at)
		}(target)
	}
	wg.Wait()
}

func (s *Scheduler) check(ctx context.Context, t Target, at time.Time) {
	alive, err := s.pinger(ctx, t.Address)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down or round overran; no observation.
			return
		}
		probeResults.WithLabelValues("error").Inc()
		s.logger.Debug("ping failed",
			zap.String("device_id", t.DeviceID),
			zap.String("address", t.Address),
			zap.Error(err),
		)
	}
	result := "down"
	if alive {
		result = "up"
	}
	if err == nil {
		probeResults.WithLabelValues(result).Inc()
	}
	s.handler(ctx, analytics.Observation{DeviceID: t.DeviceID, Timestamp: at, Active: alive})
}
