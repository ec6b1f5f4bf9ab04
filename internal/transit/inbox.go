package transit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/queue"
)

const reasonMarkedFailed = "marked_failed"

type InboxOptions struct {
	DeadLetters deadletter.Sink
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Inbox holds received transfers until they are applied to the target drive.
type Inbox struct {
	ledger *ledger[InboxItem]
	store  queue.Store
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewInbox(store queue.Store, opts InboxOptions) *Inbox {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.WithField("queue", deadletter.QueueInbox)
	return &Inbox{
		ledger: newLedger[InboxItem](deadletter.QueueInbox, store, opts.DeadLetters, logger, opts.Now, func(item InboxItem) deadletter.Entry {
			return deadletter.Entry{Peer: item.Sender, FileID: item.File.FileID, CorrelationID: item.CorrelationID}
		}),
		store:  store,
		logger: logger,
		now:    opts.Now,
	}
}

func (i *Inbox) Add(ctx context.Context, n TransferNotification) (string, error) {
	if !n.File.Valid() {
		return "", invalidInput("inbox item requires a target file")
	}
	if strings.TrimSpace(n.Sender) == "" {
		return "", invalidInput("inbox item requires a sender")
	}
	instruction := n.InstructionType.orDefault()
	if !instruction.valid() {
		return "", invalidInput("unknown instruction type %q", n.InstructionType)
	}
	item := InboxItem{
		ID:              uuid.NewString(),
		Box:             n.File.DriveID,
		Sender:          strings.TrimSpace(n.Sender),
		File:            n.File,
		TempFile:        n.TempFile,
		FileSystemType:  n.FileSystemType.orDefault(),
		InstructionType: instruction,
		InstructionSet:  n.InstructionSet,
		GlobalTransitID: n.GlobalTransitID,
		CorrelationID:   n.CorrelationID,
		Priority:        n.Priority,
		Added:           i.now().UTC(),
	}
	if err := i.ledger.insert(ctx, item, item.Priority, item.Added); err != nil {
		return "", err
	}
	i.logger.WithFields(logrus.Fields{
		"item_id":        item.ID,
		"box":            item.Box,
		"sender":         item.Sender,
		"correlation_id": item.CorrelationID,
	}).Debug("inbox item added")
	return item.ID, nil
}

func (i *Inbox) PopPendingItems(ctx context.Context, driveID string, batchSize int) (Batch[InboxItem], error) {
	if strings.TrimSpace(driveID) == "" {
		return Batch[InboxItem]{}, invalidInput("drive id is required")
	}
	return i.ledger.pop(ctx, driveID, batchSize)
}

func (i *Inbox) GetStatus(ctx context.Context, driveID string) (Status, error) {
	return i.store.StatusForBox(ctx, driveID)
}

// MarkComplete removes every item leased under marker. driveID only scopes the call.
func (i *Inbox) MarkComplete(ctx context.Context, driveID, marker string) error {
	if strings.TrimSpace(driveID) == "" {
		return invalidInput("drive id is required")
	}
	return i.ledger.commitMarker(ctx, marker)
}

func (i *Inbox) MarkFailure(ctx context.Context, driveID, marker string) error {
	if strings.TrimSpace(driveID) == "" {
		return invalidInput("drive id is required")
	}
	return i.ledger.failMarker(ctx, marker, reasonMarkedFailed)
}

func (i *Inbox) Complete(ctx context.Context, marker string, items ...InboxItem) error {
	return i.ledger.complete(ctx, marker, items...)
}

func (i *Inbox) Retry(ctx context.Context, marker string, nextRun time.Time, reason string, items ...InboxItem) error {
	attempt := Attempt{At: i.now().UTC(), Reason: reason, Outcome: "requeued"}
	retries := make([]requeue[InboxItem], 0, len(items))
	for _, item := range items {
		retries = append(retries, requeue[InboxItem]{item: item, nextRun: nextRun, attempt: &attempt})
	}
	return i.ledger.release(ctx, marker, retries)
}

func (i *Inbox) Items(ctx context.Context, driveID string) ([]InboxItem, error) {
	return i.ledger.items(ctx, driveID)
}

func (i *Inbox) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	return i.ledger.recoverAbandoned(ctx, olderThan)
}

func (i *Inbox) PendingDrives(ctx context.Context) ([]string, error) {
	return i.store.PendingBoxes(ctx)
}

// Watch forwards change signals from stores that publish them.
func (i *Inbox) Watch(ctx context.Context) (<-chan struct{}, bool, error) {
	watcher, ok := i.store.(queue.Watcher)
	if !ok {
		return nil, false, nil
	}
	ch, err := watcher.Watch(ctx)
	return ch, true, err
}
