package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/peertransit/internal/notify"
)

const (
	reasonStagedFileMissing   = "staged_file_missing"
	reasonStagedReadFailed    = "staged_read_failed"
	reasonCorruptInstructions = "corrupt_instruction_set"
	reasonDecryptFailed       = "decrypt_failed"
	reasonInvalidInstructions = "invalid_instruction_document"
	reasonMisaddressed        = "misaddressed"
	reasonIssuerMismatch      = "issuer_mismatch"
	reasonUpdateTargetMissing = "update_target_missing"
	reasonSenderMismatch      = "sender_mismatch"
	reasonUnknownFileSystem   = "unknown_file_system"
	reasonLookupFailed        = "target_lookup_failed"
	reasonInvalidTarget       = "invalid_target"
	reasonWriteFailed         = "write_failed"
)

type InboxProcessorConfig struct {
	// Identity, when set, must match the recipient named in each instruction document.
	Identity    string
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c InboxProcessorConfig) withDefaults() InboxProcessorConfig {
	c.Identity = strings.TrimSpace(c.Identity)
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// FileReceived is the payload of the file.received notification.
type FileReceived struct {
	DriveID         string          `json:"driveId"`
	FileID          string          `json:"fileId"`
	Sender          string          `json:"sender"`
	InstructionType InstructionType `json:"instructionType"`
	FileSystemType  FileSystemType  `json:"fileSystemType"`
	GlobalTransitID string          `json:"globalTransitId,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
}

type inboxVerdict int

const (
	verdictApplied inboxVerdict = iota
	verdictRequeue
	verdictEvict
	verdictCancelled
)

type inboxResult struct {
	verdict inboxVerdict
	reason  string
	err     error
	// file is the target the instruction was applied to, when there was one.
	file FileRef
}

// InboxProcessor applies received transfers to their target drive.
type InboxProcessor struct {
	inbox   *Inbox
	storage DriveStorage
	keys    KeyService
	bus     NotificationBus
	cfg     InboxProcessorConfig
	logger  logrus.FieldLogger
	now     func() time.Time
	sample  func() float64
	tracer  trace.Tracer
}

func NewInboxProcessor(inbox *Inbox, storage DriveStorage, keys KeyService, bus NotificationBus, cfg InboxProcessorConfig, logger logrus.FieldLogger) *InboxProcessor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InboxProcessor{
		inbox:   inbox,
		storage: storage,
		keys:    keys,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     inbox.now,
		sample:  newLockedRand().Float64,
		tracer:  otel.Tracer(tracerName),
	}
}

// ProcessInbox applies one batch for drive and returns the drive's inbox status afterwards.
func (p *InboxProcessor) ProcessInbox(ctx context.Context, drive string, batchSize int) (Status, error) {
	if _, err := p.processBatch(ctx, drive, batchSize); err != nil {
		return Status{}, err
	}
	return p.inbox.GetStatus(ctx, drive)
}

func (p *InboxProcessor) processBatch(ctx context.Context, drive string, batchSize int) (int, error) {
	ctx, span := p.tracer.Start(ctx, "transit.ProcessInbox", trace.WithAttributes(attribute.String("transit.drive", drive)))
	defer span.End()

	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}
	batch, err := p.inbox.PopPendingItems(ctx, drive, batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pop failed")
		return 0, err
	}
	if batch.Empty() {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("transit.popped", len(batch.Items)))

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var firstErr error
	for _, item := range batch.Items {
		result := inboxResult{verdict: verdictCancelled}
		if ctx.Err() == nil {
			result = p.apply(ctx, item)
		}
		if err := p.settle(settleCtx, batch.Marker, item, result); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, "settle failed")
	}
	return len(batch.Items), firstErr
}

func (p *InboxProcessor) apply(ctx context.Context, item InboxItem) inboxResult {
	staged, err := p.storage.ReadTempFile(ctx, item.TempFile)
	if err != nil {
		return p.failure(ctx, err, reasonStagedFileMissing, reasonStagedReadFailed)
	}

	raw, err := p.keys.Decrypt(ctx, item.Sender, item.InstructionSet)
	if err != nil {
		if errors.Is(err, ErrCorruptInstructionSet) {
			return inboxResult{verdict: verdictEvict, reason: reasonCorruptInstructions, err: err}
		}
		if ctx.Err() != nil {
			return inboxResult{verdict: verdictCancelled}
		}
		return inboxResult{verdict: verdictRequeue, reason: reasonDecryptFailed, err: err}
	}
	if err := ValidateInstructionDocument(raw); err != nil {
		return inboxResult{verdict: verdictEvict, reason: reasonInvalidInstructions, err: err}
	}
	var doc InstructionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return inboxResult{verdict: verdictEvict, reason: reasonInvalidInstructions, err: err}
	}
	if p.cfg.Identity != "" && doc.Recipient != p.cfg.Identity {
		return inboxResult{verdict: verdictEvict, reason: reasonMisaddressed}
	}
	if doc.Issuer != item.Sender {
		return inboxResult{verdict: verdictEvict, reason: reasonIssuerMismatch}
	}

	files, err := resolveFileSystem(p.storage, item.FileSystemType)
	if err != nil {
		return inboxResult{verdict: verdictEvict, reason: reasonUnknownFileSystem, err: err}
	}
	target, result, ok := p.resolveTarget(ctx, files, item)
	if !ok {
		return result
	}

	switch item.InstructionType {
	case InstructionDelete:
		if target.FileID == "" {
			return inboxResult{verdict: verdictApplied, file: FileRef{DriveID: item.File.DriveID}}
		}
		if err := files.DeleteFile(ctx, target); err != nil && !errors.Is(err, ErrFileNotFound) {
			return p.writeFailure(ctx, err)
		}
		return inboxResult{verdict: verdictApplied, file: target}
	case InstructionUpdate:
		if target.FileID == "" {
			return inboxResult{verdict: verdictEvict, reason: reasonUpdateTargetMissing, err: fmt.Errorf("%w: global transit id %s", ErrFileNotFound, item.GlobalTransitID)}
		}
	default:
		if target.FileID == "" {
			target = item.File
		}
	}

	header := staged.Header
	header.File = target
	header.Sender = item.Sender
	header.GlobalTransitID = item.GlobalTransitID
	header.AllowDistribution = false
	if header.Name == "" {
		header.Name = doc.Name
	}
	if header.ContentType == "" {
		header.ContentType = doc.ContentType
	}
	if header.Size == 0 {
		header.Size = int64(len(staged.Payload))
	}
	if header.Updated.IsZero() {
		header.Updated = p.now().UTC()
	}
	if err := files.WriteOrUpdateFile(ctx, target, StoredFile{Header: header, Payload: staged.Payload}); err != nil {
		return p.writeFailure(ctx, err)
	}
	return inboxResult{verdict: verdictApplied, file: target}
}

// resolveTarget finds the file the item's sender owns under its global
// transit id. A zero ref with ok set means no file answers to the id. Files
// answering to the id but owned by someone else may not be updated or deleted;
// a save from a different sender gets its own file instead.
func (p *InboxProcessor) resolveTarget(ctx context.Context, files DriveStorage, item InboxItem) (FileRef, inboxResult, bool) {
	if item.GlobalTransitID == "" {
		return FileRef{}, inboxResult{}, true
	}
	matches, err := files.FindByGlobalTransitID(ctx, item.File.DriveID, item.GlobalTransitID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return FileRef{}, inboxResult{verdict: verdictEvict, reason: reasonInvalidTarget, err: err}, false
		}
		if ctx.Err() != nil {
			return FileRef{}, inboxResult{verdict: verdictCancelled}, false
		}
		return FileRef{}, inboxResult{verdict: verdictRequeue, reason: reasonLookupFailed, err: err}, false
	}
	for _, m := range matches {
		if m.Header.Sender == item.Sender {
			return m.Header.File, inboxResult{}, true
		}
	}
	if len(matches) > 0 && item.InstructionType != InstructionSave {
		err := fmt.Errorf("global transit id %s on %s belongs to %q", item.GlobalTransitID, item.File.DriveID, matches[0].Header.Sender)
		return FileRef{}, inboxResult{verdict: verdictEvict, reason: reasonSenderMismatch, err: err}, false
	}
	return FileRef{}, inboxResult{}, true
}

// failure evicts on a missing file and requeues anything else.
func (p *InboxProcessor) failure(ctx context.Context, err error, missingReason, otherReason string) inboxResult {
	if errors.Is(err, ErrFileNotFound) {
		return inboxResult{verdict: verdictEvict, reason: missingReason, err: err}
	}
	if ctx.Err() != nil {
		return inboxResult{verdict: verdictCancelled}
	}
	return inboxResult{verdict: verdictRequeue, reason: otherReason, err: err}
}

func (p *InboxProcessor) writeFailure(ctx context.Context, err error) inboxResult {
	if errors.Is(err, ErrInvalidInput) {
		return inboxResult{verdict: verdictEvict, reason: reasonInvalidTarget, err: err}
	}
	if ctx.Err() != nil {
		return inboxResult{verdict: verdictCancelled}
	}
	return inboxResult{verdict: verdictRequeue, reason: reasonWriteFailed, err: err}
}

func (p *InboxProcessor) settle(ctx context.Context, marker string, item InboxItem, result inboxResult) error {
	log := p.logger.WithFields(logrus.Fields{
		"item_id":        item.ID,
		"box":            item.Box,
		"marker":         marker,
		"sender":         item.Sender,
		"correlation_id": item.CorrelationID,
	})
	if result.err != nil {
		log = log.WithError(result.err)
	}

	switch result.verdict {
	case verdictCancelled:
		return p.inbox.ledger.release(ctx, marker, []requeue[InboxItem]{{item: item}})
	case verdictApplied:
		if err := p.inbox.Complete(ctx, marker, item); err != nil {
			return err
		}
		p.dropStaged(ctx, item)
		if result.file.DriveID != "" {
			item.File = result.file
		}
		p.announce(ctx, item)
		log.WithField("instruction", item.InstructionType).Info("transfer applied")
		return nil
	}

	attempt := Attempt{At: p.now().UTC(), Reason: result.reason, Outcome: "requeued"}
	if result.verdict == verdictRequeue && len(item.Attempts)+1 < p.cfg.MaxAttempts {
		delay := backoffDelay(p.cfg.BaseBackoff, p.cfg.MaxBackoff, len(item.Attempts)+1, p.sample())
		log.WithFields(logrus.Fields{"reason": result.reason, "retry_in": delay.String()}).Warn("transfer apply will be retried")
		return p.inbox.ledger.release(ctx, marker, []requeue[InboxItem]{{item: item, nextRun: p.now().Add(delay), attempt: &attempt}})
	}

	attempt.Outcome = "evicted"
	if err := p.inbox.ledger.evict(ctx, marker, item, attempt); err != nil {
		return err
	}
	p.dropStaged(ctx, item)
	log.WithField("reason", result.reason).Error("transfer evicted from inbox")
	return nil
}

func (p *InboxProcessor) dropStaged(ctx context.Context, item InboxItem) {
	if err := p.storage.DeleteTempFile(ctx, item.TempFile); err != nil && !errors.Is(err, ErrFileNotFound) {
		p.logger.WithError(err).WithField("temp_file", item.TempFile.String()).Warn("staged file cleanup failed")
	}
}

func (p *InboxProcessor) announce(ctx context.Context, item InboxItem) {
	if p.bus == nil {
		return
	}
	evt := notify.NewEvent(notify.EventFileReceived, FileReceived{
		DriveID:         item.File.DriveID,
		FileID:          item.File.FileID,
		Sender:          item.Sender,
		InstructionType: item.InstructionType,
		FileSystemType:  item.FileSystemType,
		GlobalTransitID: item.GlobalTransitID,
		CorrelationID:   item.CorrelationID,
	})
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.logger.WithError(err).WithField("item_id", item.ID).Warn("file.received notification not delivered")
	}
}
