package transit

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// Receiver stages an incoming envelope and queues it on the inbox of its target drive.
type Receiver struct {
	inbox   *Inbox
	storage DriveStorage
	logger  logrus.FieldLogger
}

func NewReceiver(inbox *Inbox, storage DriveStorage, logger logrus.FieldLogger) *Receiver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Receiver{inbox: inbox, storage: storage, logger: logger}
}

// Accept stages the payload and queues the transfer. A save gets a freshly
// allocated target id here so replays of the same item land on the same file;
// update and delete name their target only by global transit id, which the
// inbox processor resolves against the original sender.
func (r *Receiver) Accept(ctx context.Context, env Envelope) (InboxItem, error) {
	drive := strings.TrimSpace(env.TargetDrive)
	if drive == "" {
		return InboxItem{}, invalidInput("target drive is required")
	}
	if strings.TrimSpace(env.Sender) == "" {
		return InboxItem{}, invalidInput("sender is required")
	}
	if len(env.InstructionSet) == 0 {
		return InboxItem{}, invalidInput("instruction set is required")
	}
	instruction := env.InstructionType.orDefault()
	if !instruction.valid() {
		return InboxItem{}, invalidInput("unknown instruction type %q", env.InstructionType)
	}
	globalID := strings.TrimSpace(env.GlobalTransitID)
	if globalID == "" && instruction != InstructionSave {
		return InboxItem{}, invalidInput("%s requires a global transit id", instruction)
	}
	if globalID != "" {
		if err := checkTransitID(globalID); err != nil {
			return InboxItem{}, err
		}
	}
	files, err := resolveFileSystem(r.storage, env.FileSystemType)
	if err != nil {
		return InboxItem{}, err
	}

	target := FileRef{DriveID: drive}
	if instruction == InstructionSave {
		ref, err := files.CreateNewFileID(ctx, drive)
		if err != nil {
			return InboxItem{}, fmt.Errorf("allocate target file id: %w", err)
		}
		target = ref
	}
	temp, err := r.storage.CreateNewFileID(ctx, drive)
	if err != nil {
		return InboxItem{}, fmt.Errorf("allocate temp file id: %w", err)
	}

	staged := StoredFile{
		Header: FileHeader{
			File:        target,
			Name:        env.Header.Name,
			ContentType: env.Header.ContentType,
			Size:        env.Header.Size,
			Metadata:    env.Header.Metadata,
			Updated:     env.Header.Updated,
		},
		Payload: env.Payload,
	}
	if err := r.storage.WriteTempFile(ctx, temp, staged); err != nil {
		return InboxItem{}, fmt.Errorf("stage transfer: %w", err)
	}

	n := TransferNotification{
		Sender:          env.Sender,
		File:            target,
		TempFile:        temp,
		FileSystemType:  env.FileSystemType.orDefault(),
		InstructionType: instruction,
		InstructionSet:  env.InstructionSet,
		GlobalTransitID: globalID,
		CorrelationID:   env.CorrelationID,
		Priority:        env.Priority,
	}
	id, err := r.inbox.Add(ctx, n)
	if err != nil {
		if cleanupErr := r.storage.DeleteTempFile(ctx, temp); cleanupErr != nil {
			r.logger.WithError(cleanupErr).WithField("temp_file", temp.String()).Warn("staged file cleanup failed")
		}
		return InboxItem{}, err
	}
	r.logger.WithFields(logrus.Fields{
		"item_id":        id,
		"box":            drive,
		"sender":         env.Sender,
		"instruction":    instruction,
		"correlation_id": env.CorrelationID,
	}).Info("transfer accepted")
	return InboxItem{
		ID:              id,
		Box:             drive,
		Sender:          n.Sender,
		File:            target,
		TempFile:        temp,
		FileSystemType:  n.FileSystemType,
		InstructionType: instruction,
		InstructionSet:  n.InstructionSet,
		GlobalTransitID: globalID,
		CorrelationID:   n.CorrelationID,
		Priority:        n.Priority,
	}, nil
}

const maxTransitIDLength = 256

// checkTransitID rejects global transit ids that could not name a file on any
// storage backend.
func checkTransitID(id string) error {
	switch {
	case len(id) > maxTransitIDLength:
		return invalidInput("global transit id exceeds %d bytes", maxTransitIDLength)
	case id == "." || id == ".." || strings.HasPrefix(id, "."):
		return invalidInput("global transit id %q may not start with a dot", id)
	case strings.ContainsAny(id, `/\`):
		return invalidInput("global transit id %q may not contain a path separator", id)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return invalidInput("global transit id %q contains whitespace or control characters", id)
		}
	}
	return nil
}
