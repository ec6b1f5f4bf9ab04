package transit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	reasonInstructionSetUnavailable = "instruction_set_unavailable"
	reasonDistributionNotAllowed    = "distribution_not_allowed"
	defaultSendTimeout              = 30 * time.Second
)

type SenderConfig struct {
	// Identity is this tenant's name as peers know it.
	Identity    string
	SendTimeout time.Duration
}

// Sender makes one delivery attempt for one outbox item.
type Sender struct {
	identity  string
	timeout   time.Duration
	storage   DriveStorage
	keys      KeyService
	transport Transport
	logger    logrus.FieldLogger
}

func NewSender(cfg SenderConfig, storage DriveStorage, keys KeyService, transport Transport, logger logrus.FieldLogger) *Sender {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sender{
		identity:  strings.TrimSpace(cfg.Identity),
		timeout:   cfg.SendTimeout,
		storage:   storage,
		keys:      keys,
		transport: transport,
		logger:    logger,
	}
}

// SendOne returns the peer's verdict as an Outcome. A non-nil error means the
// attempt never reached a verdict on this side; ErrFileNotFound among those is final.
func (s *Sender) SendOne(ctx context.Context, item TransferItem) (Outcome, error) {
	log := s.logger.WithFields(logrus.Fields{
		"item_id":        item.ID,
		"box":            item.Box,
		"recipient":      item.Recipient,
		"correlation_id": item.CorrelationID,
	})
	if len(item.InstructionSet) == 0 {
		return Rejected(reasonInstructionSetUnavailable, 0), nil
	}

	files, err := resolveFileSystem(s.storage, item.Options.FileSystemType)
	if err != nil {
		return Rejected(reasonUnknownFileSystem, 0), nil
	}
	stored, err := files.ReadFile(ctx, item.File)
	if err != nil {
		return Outcome{}, fmt.Errorf("read source %s: %w", item.File, err)
	}
	if !stored.Header.AllowDistribution {
		return Rejected(reasonDistributionNotAllowed, 0), nil
	}

	cred, err := s.keys.ResolveRecipientAccessToken(ctx, item.Recipient)
	if err != nil {
		if errors.Is(err, ErrRecipientUnknown) {
			return RecipientUnknown("recipient_unresolved"), nil
		}
		return Outcome{}, fmt.Errorf("resolve token for %s: %w", item.Recipient, err)
	}

	env := Envelope{
		Sender:          s.identity,
		TargetDrive:     item.Options.TargetDrive,
		FileSystemType:  item.Options.FileSystemType.orDefault(),
		InstructionType: item.Options.InstructionType.orDefault(),
		InstructionSet:  item.InstructionSet,
		Header:          stored.Header.Redacted(),
		GlobalTransitID: item.GlobalTransitID(),
		CorrelationID:   item.CorrelationID,
		Priority:        item.Priority,
	}
	if item.Options.SendPayload {
		env.Payload = stored.Payload
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.transport.Send(sendCtx, item.Recipient, cred, env)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		outcome := classifyTransportError(err)
		log.WithError(err).WithField("outcome", outcome.Kind).Debug("peer send failed")
		return outcome, nil
	}
	outcome := classifyStatus(resp.StatusCode)
	log.WithFields(logrus.Fields{"status": resp.StatusCode, "outcome": outcome.Kind}).Debug("peer send finished")
	return outcome, nil
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, ErrRecipientUnknown) {
		return RecipientUnknown("dns_not_found")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return RecipientUnknown("dns_not_found")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", 0)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient("timeout", 0)
	}
	reason := normalizeFailureCode(err.Error())
	if reason == "unknown" {
		reason = "connection_failed"
	}
	return Transient(reason, 0)
}

func classifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Delivered(code)
	case code == 408 || code == 429:
		return Transient(statusReason(code), code)
	case code >= 400 && code < 500:
		return Rejected(statusReason(code), code)
	default:
		return Transient(statusReason(code), code)
	}
}
