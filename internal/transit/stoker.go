package transit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type StokerState int32

const (
	StokerIdle StokerState = iota
	StokerPolling
	StokerDispatching
)

func (s StokerState) String() string {
	switch s {
	case StokerPolling:
		return "polling"
	case StokerDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, box string) error
}

type DispatcherFunc func(ctx context.Context, box string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, box string) error {
	return f(ctx, box)
}

type boxLister interface {
	PendingBoxes(ctx context.Context) ([]string, error)
}

type StokerConfig struct {
	Interval        time.Duration
	StartupDelay    time.Duration
	JitterRatio     float64
	DispatchTimeout time.Duration
}

func (c StokerConfig) withDefaults() StokerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	if c.JitterRatio < 0 {
		c.JitterRatio = 0
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Minute
	}
	return c
}

// Stoker periodically hands every box that holds outbox work to the dispatcher.
type Stoker struct {
	boxes      boxLister
	dispatcher Dispatcher
	cfg        StokerConfig
	logger     logrus.FieldLogger
	sample     func() float64

	state  atomic.Int32
	mu     sync.Mutex
	offset int
}

func NewStoker(boxes boxLister, dispatcher Dispatcher, cfg StokerConfig, logger logrus.FieldLogger) *Stoker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Stoker{
		boxes:      boxes,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     logger.WithField("component", "stoker"),
		sample:     newLockedRand().Float64,
	}
}

func (s *Stoker) State() StokerState {
	return StokerState(s.state.Load())
}

// Run blocks until ctx is done. A dispatch already underway when ctx ends runs to completion.
func (s *Stoker) Run(ctx context.Context) error {
	if s.cfg.StartupDelay > 0 {
		timer := time.NewTimer(s.cfg.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	for {
		s.Tick(ctx)
		timer := time.NewTimer(jitter(s.cfg.Interval, s.cfg.JitterRatio, s.sample()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Tick dispatches each pending box once, starting one box later than the previous tick.
// It returns the number of boxes dispatched.
func (s *Stoker) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	s.state.Store(int32(StokerPolling))
	defer s.state.Store(int32(StokerIdle))

	boxes, err := s.boxes.PendingBoxes(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("pending box lookup failed")
		return 0
	}
	if len(boxes) == 0 {
		return 0
	}

	s.mu.Lock()
	start := s.offset % len(boxes)
	s.offset++
	s.mu.Unlock()

	dispatched := 0
	for i := range boxes {
		if ctx.Err() != nil {
			break
		}
		box := boxes[(start+i)%len(boxes)]
		s.state.Store(int32(StokerDispatching))
		s.dispatch(ctx, box)
		dispatched++
	}
	return dispatched
}

func (s *Stoker) dispatch(ctx context.Context, box string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(dctx, box); err != nil {
		s.logger.WithError(err).WithField("box", box).Warn("outbox dispatch failed; will retry next tick")
	}
}
