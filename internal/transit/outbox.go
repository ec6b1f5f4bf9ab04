package transit

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/queue"
)

type OutboxRequest struct {
	File            FileRef
	Recipient       string
	Priority        int64
	InstructionSet  []byte
	Options         TransitOptions
	IsTransientFile bool
	CorrelationID   string
}

type OutboxOptions struct {
	DeadLetters deadletter.Sink
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Outbox holds transfers waiting to leave this tenant. Items are boxed by the
// drive that owns the source file.
type Outbox struct {
	ledger *ledger[TransferItem]
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewOutbox(store queue.Store, opts OutboxOptions) *Outbox {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.WithField("queue", deadletter.QueueOutbox)
	return &Outbox{
		ledger: newLedger[TransferItem](deadletter.QueueOutbox, store, opts.DeadLetters, logger, opts.Now, func(item TransferItem) deadletter.Entry {
			return deadletter.Entry{Peer: item.Recipient, FileID: item.File.FileID, CorrelationID: item.CorrelationID}
		}),
		logger: logger,
		now:    opts.Now,
	}
}

func (o *Outbox) Enqueue(ctx context.Context, req OutboxRequest) (string, error) {
	if !req.File.Valid() {
		return "", invalidInput("outbox item requires a drive id and file id")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return "", invalidInput("outbox item requires a recipient")
	}
	item := TransferItem{
		ID:              uuid.NewString(),
		Box:             req.File.DriveID,
		File:            req.File,
		Recipient:       recipient,
		Priority:        req.Priority,
		Added:           o.now().UTC(),
		InstructionSet:  req.InstructionSet,
		Options:         req.Options,
		IsTransientFile: req.IsTransientFile,
		CorrelationID:   req.CorrelationID,
	}
	if err := o.ledger.insert(ctx, item, item.Priority, item.Added); err != nil {
		return "", err
	}
	o.logger.WithFields(logrus.Fields{
		"item_id":        item.ID,
		"box":            item.Box,
		"recipient":      item.Recipient,
		"correlation_id": item.CorrelationID,
	}).Debug("outbox item enqueued")
	return item.ID, nil
}

// EnqueueMany writes each request on its own. On failure it returns the ids
// written before the failing request.
func (o *Outbox) EnqueueMany(ctx context.Context, reqs []OutboxRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := o.Enqueue(ctx, req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (o *Outbox) PopBatchForProcessing(ctx context.Context, driveID string, batchSize int) (Batch[TransferItem], error) {
	if strings.TrimSpace(driveID) == "" {
		return Batch[TransferItem]{}, invalidInput("drive id is required")
	}
	return o.ledger.pop(ctx, driveID, batchSize)
}

func (o *Outbox) PopAnyForProcessing(ctx context.Context, batchSize int) (Batch[TransferItem], error) {
	return o.ledger.pop(ctx, "", batchSize)
}

func (o *Outbox) MarkComplete(ctx context.Context, marker string) error {
	return o.ledger.commitMarker(ctx, marker)
}

func (o *Outbox) MarkFailure(ctx context.Context, marker, reason string) error {
	return o.ledger.failMarker(ctx, marker, reason)
}

func (o *Outbox) Complete(ctx context.Context, marker string, items ...TransferItem) error {
	return o.ledger.complete(ctx, marker, items...)
}

// Retry records reason on each item and holds it back until nextRun.
func (o *Outbox) Retry(ctx context.Context, marker string, nextRun time.Time, reason string, items ...TransferItem) error {
	attempt := Attempt{At: o.now().UTC(), Reason: reason, Outcome: "requeued"}
	retries := make([]requeue[TransferItem], 0, len(items))
	for _, item := range items {
		retries = append(retries, requeue[TransferItem]{item: item, nextRun: nextRun, attempt: &attempt})
	}
	return o.ledger.release(ctx, marker, retries)
}

func (o *Outbox) GetRecipientsWithPendingWork(ctx context.Context) ([]string, error) {
	boxes, err := o.ledger.store.PendingBoxes(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, box := range boxes {
		items, err := o.ledger.items(ctx, box)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			seen[item.Recipient] = struct{}{}
		}
	}
	recipients := make([]string, 0, len(seen))
	for recipient := range seen {
		recipients = append(recipients, recipient)
	}
	sort.Strings(recipients)
	return recipients, nil
}

func (o *Outbox) PendingBoxes(ctx context.Context) ([]string, error) {
	return o.ledger.store.PendingBoxes(ctx)
}

func (o *Outbox) Status(ctx context.Context, driveID string) (Status, error) {
	return o.ledger.store.StatusForBox(ctx, driveID)
}

func (o *Outbox) Items(ctx context.Context, driveID string) ([]TransferItem, error) {
	return o.ledger.items(ctx, driveID)
}

func (o *Outbox) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	return o.ledger.recoverAbandoned(ctx, olderThan)
}

// referenced reports whether any queued item other than the excluded ones still points at file.
func (o *Outbox) referenced(ctx context.Context, file FileRef, exclude map[string]struct{}) (bool, error) {
	items, err := o.ledger.items(ctx, file.DriveID)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if _, skip := exclude[item.ID]; skip {
			continue
		}
		if item.File == file {
			return true, nil
		}
	}
	return false, nil
}
