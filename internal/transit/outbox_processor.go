package transit

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/peertransit/internal/notify"
)

const (
	tracerName    = "github.com/agentworkforce/peertransit/internal/transit"
	settleTimeout = 10 * time.Second

	reasonSourceNotFound = "source_not_found"
	outcomeLocalError    = "local_error"
)

type ItemSender interface {
	SendOne(ctx context.Context, item TransferItem) (Outcome, error)
}

type OutboxProcessorConfig struct {
	BatchSize           int
	Concurrency         int
	MaxAttempts         int
	RejectedMaxAttempts int
	UnknownMaxAttempts  int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
}

func (c OutboxProcessorConfig) withDefaults() OutboxProcessorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RejectedMaxAttempts <= 0 {
		c.RejectedMaxAttempts = 1
	}
	if c.UnknownMaxAttempts <= 0 {
		c.UnknownMaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

type OutboxRunSummary struct {
	Box       string `json:"box,omitempty"`
	Marker    string `json:"marker,omitempty"`
	Popped    int    `json:"popped"`
	Delivered int    `json:"delivered"`
	Requeued  int    `json:"requeued"`
	Failed    int    `json:"failed"`
	Released  int    `json:"released"`
}

type sendResult struct {
	outcome   Outcome
	err       error
	cancelled bool
}

// OutboxProcessor drains one outbox batch: it sends each item and then commits,
// requeues or dead-letters it on its own.
type OutboxProcessor struct {
	outbox  *Outbox
	sender  ItemSender
	storage DriveStorage
	bus     NotificationBus
	cfg     OutboxProcessorConfig
	logger  logrus.FieldLogger
	now     func() time.Time
	sample  func() float64
	tracer  trace.Tracer
}

func NewOutboxProcessor(outbox *Outbox, sender ItemSender, storage DriveStorage, bus NotificationBus, cfg OutboxProcessorConfig, logger logrus.FieldLogger) *OutboxProcessor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OutboxProcessor{
		outbox:  outbox,
		sender:  sender,
		storage: storage,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     outbox.now,
		sample:  newLockedRand().Float64,
		tracer:  otel.Tracer(tracerName),
	}
}

// ProcessOutbox handles one batch from box, or from any box when box is empty.
func (p *OutboxProcessor) ProcessOutbox(ctx context.Context, box string, batchSize int) (OutboxRunSummary, error) {
	ctx, span := p.tracer.Start(ctx, "transit.ProcessOutbox", trace.WithAttributes(attribute.String("transit.box", box)))
	defer span.End()

	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}
	summary := OutboxRunSummary{Box: box}
	var (
		batch Batch[TransferItem]
		err   error
	)
	if box == "" {
		batch, err = p.outbox.PopAnyForProcessing(ctx, batchSize)
	} else {
		batch, err = p.outbox.PopBatchForProcessing(ctx, box, batchSize)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pop failed")
		return summary, err
	}
	if batch.Empty() {
		return summary, nil
	}
	summary.Marker = batch.Marker
	summary.Popped = len(batch.Items)

	results := p.sendAll(ctx, batch.Items)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	err = p.settle(settleCtx, batch, results, &summary)
	span.SetAttributes(
		attribute.Int("transit.popped", summary.Popped),
		attribute.Int("transit.delivered", summary.Delivered),
		attribute.Int("transit.requeued", summary.Requeued),
		attribute.Int("transit.failed", summary.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
	}
	return summary, err
}

func (p *OutboxProcessor) sendAll(ctx context.Context, items []TransferItem) []sendResult {
	results := make([]sendResult, len(items))
	sem := make(chan struct{}, p.cfg.Concurrency)
	done := make(chan struct{}, len(items))
	started := 0
	for i, item := range items {
		if ctx.Err() != nil {
			results[i] = sendResult{cancelled: true}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = sendResult{cancelled: true}
			continue
		}
		started++
		go func(i int, item TransferItem) {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			outcome, err := p.sender.SendOne(ctx, item)
			cancelled := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
			results[i] = sendResult{outcome: outcome, err: err, cancelled: cancelled}
		}(i, item)
	}
	for ; started > 0; started-- {
		<-done
	}
	return results
}

func (p *OutboxProcessor) settle(ctx context.Context, batch Batch[TransferItem], results []sendResult, summary *OutboxRunSummary) error {
	now := p.now()
	var (
		delivered []TransferItem
		retries   []requeue[TransferItem]
		released  []requeue[TransferItem]
		touched   = map[FileRef]FileSystemType{}
		boxes     = map[string]struct{}{}
		firstErr  error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i, item := range batch.Items {
		r := results[i]
		log := p.logger.WithFields(logrus.Fields{
			"item_id":        item.ID,
			"box":            item.Box,
			"marker":         batch.Marker,
			"recipient":      item.Recipient,
			"correlation_id": item.CorrelationID,
		})
		boxes[item.Box] = struct{}{}
		if r.cancelled {
			released = append(released, requeue[TransferItem]{item: item})
			continue
		}
		if r.err == nil && r.outcome.Kind == OutcomeDelivered {
			delivered = append(delivered, item)
			if item.IsTransientFile {
				touched[item.File] = item.Options.FileSystemType
			}
			continue
		}

		attempt, terminal := p.decide(item, r, now)
		if terminal {
			if err := p.outbox.ledger.evict(ctx, batch.Marker, item, attempt); err != nil {
				keep(err)
				continue
			}
			summary.Failed++
			if item.IsTransientFile {
				touched[item.File] = item.Options.FileSystemType
			}
			log.WithFields(logrus.Fields{"reason": attempt.Reason, "attempts": len(item.Attempts) + 1}).Warn("transfer failed permanently")
			continue
		}
		delay := backoffDelay(p.cfg.BaseBackoff, p.cfg.MaxBackoff, len(item.Attempts)+1, p.sample())
		a := attempt
		retries = append(retries, requeue[TransferItem]{item: item, nextRun: now.Add(delay), attempt: &a})
		log.WithFields(logrus.Fields{"reason": attempt.Reason, "retry_in": delay.String()}).Warn("transfer will be retried")
	}

	if err := p.outbox.Complete(ctx, batch.Marker, delivered...); err != nil {
		keep(err)
	} else {
		summary.Delivered = len(delivered)
	}
	if err := p.outbox.ledger.release(ctx, batch.Marker, retries); err != nil {
		keep(err)
	} else {
		summary.Requeued = len(retries)
	}
	if err := p.outbox.ledger.release(ctx, batch.Marker, released); err != nil {
		keep(err)
	} else {
		summary.Released = len(released)
	}

	for file, fsType := range touched {
		p.cleanupTransient(ctx, file, fsType)
	}
	if summary.Delivered > 0 {
		p.announceDrained(ctx, boxes)
	}
	return firstErr
}

func (p *OutboxProcessor) decide(item TransferItem, r sendResult, now time.Time) (Attempt, bool) {
	n := len(item.Attempts) + 1
	attempt := Attempt{At: now.UTC()}
	if r.err != nil {
		attempt.Outcome = outcomeLocalError
		if errors.Is(r.err, ErrFileNotFound) {
			attempt.Reason = reasonSourceNotFound
			return attempt, true
		}
		attempt.Reason = r.err.Error()
		return attempt, n >= p.cfg.MaxAttempts
	}
	attempt.Outcome = string(r.outcome.Kind)
	attempt.Reason = r.outcome.Reason
	switch r.outcome.Kind {
	case OutcomeRejected:
		return attempt, n >= p.cfg.RejectedMaxAttempts
	case OutcomeRecipientUnknown:
		return attempt, n >= p.cfg.UnknownMaxAttempts
	default:
		return attempt, n >= p.cfg.MaxAttempts
	}
}

func (p *OutboxProcessor) cleanupTransient(ctx context.Context, file FileRef, fsType FileSystemType) {
	referenced, err := p.outbox.referenced(ctx, file, nil)
	if err != nil {
		p.logger.WithError(err).WithField("file", file.String()).Warn("transient file reference check failed")
		return
	}
	if referenced || p.storage == nil {
		return
	}
	files, err := resolveFileSystem(p.storage, fsType)
	if err != nil {
		p.logger.WithError(err).WithField("file", file.String()).Warn("transient file cleanup skipped")
		return
	}
	if err := files.DeleteFile(ctx, file); err != nil && !errors.Is(err, ErrFileNotFound) {
		p.logger.WithError(err).WithField("file", file.String()).Warn("transient file cleanup failed")
		return
	}
	p.logger.WithField("file", file.String()).Debug("transient file removed")
}

func (p *OutboxProcessor) announceDrained(ctx context.Context, boxes map[string]struct{}) {
	if p.bus == nil {
		return
	}
	for box := range boxes {
		status, err := p.outbox.Status(ctx, box)
		if err != nil || status.Total > 0 {
			continue
		}
		if err := p.bus.Publish(ctx, notify.NewEvent(notify.EventOutboxDrained, map[string]string{"driveId": box})); err != nil {
			p.logger.WithError(err).WithField("box", box).Debug("drained notification not delivered")
		}
	}
}

// Dispatcher processes one batch of the given box in-process.
func (p *OutboxProcessor) Dispatcher() Dispatcher {
	return DispatcherFunc(func(ctx context.Context, box string) error {
		_, err := p.ProcessOutbox(ctx, box, p.cfg.BatchSize)
		return err
	})
}
