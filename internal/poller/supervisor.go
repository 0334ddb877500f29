// Package poller owns the per-device polling loops: one lightweight
// goroutine per (device, poll kind), each with its own retry and backoff
// discipline, supervised through a task-handle map that is only mutated
// from the registration control path.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridwatch/powermon/internal/metrics"
	"github.com/gridwatch/powermon/internal/models"
)

// PollFunc performs one fetch-and-store attempt for a device. A non-nil
// error counts toward the device's consecutive-failure threshold.
type PollFunc func(ctx context.Context, d models.Device) error

// Options fixes one supervisor's polling discipline. Instantaneous and
// energy polling run as two independent supervisors over the same device
// set, with separate intervals, failure counters and client resources.
type Options struct {
	Kind        string
	Interval    func(d models.Device) time.Duration
	Backoff     time.Duration
	MaxFailures int
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs at most one polling loop per device. Add, Update and
// Remove are idempotent with respect to the task lifecycle: a replacement
// loop only starts after the previous one has fully terminated, and
// removing an absent device is a no-op.
type Supervisor struct {
	opts    Options
	poll    PollFunc
	logger  *logrus.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes Add, Update, Remove and Stop end to end, so a
	// replacement loop can only be registered after its predecessor has
	// fully terminated. mu alone only guards the map and is held briefly.
	opMu sync.Mutex

	mu    sync.Mutex
	loops map[string]*loop
}

func NewSupervisor(opts Options, poll PollFunc, logger *logrus.Logger, m *metrics.Metrics) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:    opts,
		poll:    poll,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		loops:   make(map[string]*loop),
	}
}

// Add starts a polling loop for the device, replacing any existing loop
// first. Disabled devices get no loop.
func (s *Supervisor) Add(d models.Device) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.remove(d.ID)

	if !d.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.loops[d.ID] = l
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"kind":    s.opts.Kind,
		"device":  d.ID,
		"address": d.Address,
	}).Info("polling started")

	go s.run(ctx, d, l)
}

// Update restarts the device's loop with new configuration.
func (s *Supervisor) Update(d models.Device) {
	s.Add(d)
}

// Remove cancels the device's loop, if any, and waits for it to exit, so
// no two loops for the same device ever overlap.
func (s *Supervisor) Remove(id string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.remove(id)
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	l, ok := s.loops[id]
	if ok {
		delete(s.loops, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	l.cancel()
	<-l.done
	s.logger.WithFields(logrus.Fields{
		"kind":   s.opts.Kind,
		"device": id,
	}).Info("polling stopped")
}

// Stop cancels every loop and waits for all of them to exit.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.cancel()

	s.mu.Lock()
	loops := make([]*loop, 0, len(s.loops))
	for id, l := range s.loops {
		loops = append(loops, l)
		delete(s.loops, id)
	}
	s.mu.Unlock()

	for _, l := range loops {
		<-l.done
	}
}

// ActiveCount reports how many device loops are currently registered.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Supervisor) run(ctx context.Context, d models.Device, l *loop) {
	defer close(l.done)

	failures := 0
	for {
		err := s.poll(ctx, d)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			s.metrics.PollAttempts.WithLabelValues(s.opts.Kind, "failure").Inc()
			s.logger.WithError(err).WithFields(logrus.Fields{
				"kind":     s.opts.Kind,
				"device":   d.ID,
				"failures": failures,
				"max":      s.opts.MaxFailures,
			}).Warn("poll failed")
		} else {
			failures = 0
			s.metrics.PollAttempts.WithLabelValues(s.opts.Kind, "success").Inc()
		}

		sleep := s.opts.Interval(d)
		if sleep <= 0 {
			// A non-positive interval would spin the loop and drain the
			// fleet-wide rate limiter.
			sleep = time.Second
		}
		if failures >= s.opts.MaxFailures {
			s.metrics.PollBackoffs.WithLabelValues(s.opts.Kind).Inc()
			s.logger.WithFields(logrus.Fields{
				"kind":    s.opts.Kind,
				"device":  d.ID,
				"backoff": s.opts.Backoff,
			}).Error("too many consecutive failures, backing off")
			sleep = s.opts.Backoff
			failures = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
