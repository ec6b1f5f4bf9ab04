package transit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const maxDrainRounds = 16

type InboxWorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// InboxWorker runs the inbox processor on a timer, on demand, and on store change signals.
type InboxWorker struct {
	processor *InboxProcessor
	inbox     *Inbox
	cfg       InboxWorkerConfig
	logger    logrus.FieldLogger
	trigger   chan string
}

func NewInboxWorker(processor *InboxProcessor, cfg InboxWorkerConfig, logger logrus.FieldLogger) *InboxWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InboxWorker{
		processor: processor,
		inbox:     processor.inbox,
		cfg:       cfg,
		logger:    logger.WithField("component", "inbox_worker"),
		trigger:   make(chan string, 64),
	}
}

// Trigger asks for drive to be processed soon. It never blocks; a dropped
// trigger is picked up by the next interval.
func (w *InboxWorker) Trigger(drive string) {
	select {
	case w.trigger <- drive:
	default:
	}
}

func (w *InboxWorker) Run(ctx context.Context) error {
	changes, watching, err := w.inbox.Watch(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("inbox change feed unavailable; relying on interval")
		changes = nil
	} else if watching {
		w.logger.Debug("inbox change feed attached")
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.DrainAll(ctx)
		case drive := <-w.trigger:
			w.Drain(ctx, drive)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			w.DrainAll(ctx)
		}
	}
}

// DrainAll processes every drive that holds inbox rows.
func (w *InboxWorker) DrainAll(ctx context.Context) {
	drives, err := w.inbox.PendingDrives(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("pending drive lookup failed")
		return
	}
	for _, drive := range drives {
		if ctx.Err() != nil {
			return
		}
		w.Drain(ctx, drive)
	}
}

// Drain processes batches for drive until nothing eligible is left.
func (w *InboxWorker) Drain(ctx context.Context, drive string) {
	for round := 0; round < maxDrainRounds && ctx.Err() == nil; round++ {
		popped, err := w.processor.processBatch(ctx, drive, w.cfg.BatchSize)
		if err != nil {
			w.logger.WithError(err).WithField("box", drive).Warn("inbox processing failed")
			return
		}
		if popped == 0 {
			return
		}
	}
}
