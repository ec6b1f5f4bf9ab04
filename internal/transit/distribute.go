package transit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Distributor turns one send request into an outbox item per recipient.
type Distributor struct {
	outbox  *Outbox
	storage DriveStorage
	keys    KeyService
	logger  logrus.FieldLogger
}

func NewDistributor(outbox *Outbox, storage DriveStorage, keys KeyService, logger logrus.FieldLogger) *Distributor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Distributor{outbox: outbox, storage: storage, keys: keys, logger: logger}
}

func (d *Distributor) Distribute(ctx context.Context, file FileRef, opts TransitOptions) ([]string, error) {
	if !file.Valid() {
		return nil, invalidInput("file reference requires a drive id and file id")
	}
	if strings.TrimSpace(opts.TargetDrive) == "" {
		return nil, invalidInput("target drive is required")
	}
	opts.FileSystemType = opts.FileSystemType.orDefault()
	opts.InstructionType = opts.InstructionType.orDefault()
	if !opts.InstructionType.valid() {
		return nil, invalidInput("unknown instruction type %q", opts.InstructionType)
	}
	recipients := uniqueRecipients(opts.Recipients)
	if len(recipients) == 0 {
		return nil, invalidInput("at least one recipient is required")
	}
	opts.Recipients = recipients

	files, err := resolveFileSystem(d.storage, opts.FileSystemType)
	if err != nil {
		return nil, err
	}
	stored, err := files.ReadFile(ctx, file)
	if err != nil {
		return nil, err
	}
	if !stored.Header.AllowDistribution {
		return nil, fmt.Errorf("%w: %s", ErrDistributionNotAllowed, file)
	}

	correlationID := uuid.NewString()
	reqs := make([]OutboxRequest, 0, len(recipients))
	for _, recipient := range recipients {
		set, err := d.keys.Encrypt(ctx, stored.Header, recipient)
		if err != nil {
			return nil, fmt.Errorf("encrypt instruction set for %s: %w", recipient, err)
		}
		reqs = append(reqs, OutboxRequest{
			File:            file,
			Recipient:       recipient,
			Priority:        opts.Priority,
			InstructionSet:  set,
			Options:         opts,
			IsTransientFile: opts.IsTransientFile,
			CorrelationID:   correlationID,
		})
	}
	ids, err := d.outbox.EnqueueMany(ctx, reqs)
	d.logger.WithFields(logrus.Fields{
		"file":           file.String(),
		"recipients":     len(recipients),
		"enqueued":       len(ids),
		"correlation_id": correlationID,
	}).Info("distribution queued")
	return ids, err
}

func uniqueRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
