package transit

import (
	"strings"
	"time"

	"github.com/agentworkforce/peertransit/internal/queue"
)

type FileRef struct {
	DriveID string `json:"driveId"`
	FileID  string `json:"fileId"`
}

func (r FileRef) Valid() bool {
	return strings.TrimSpace(r.DriveID) != "" && strings.TrimSpace(r.FileID) != ""
}

func (r FileRef) String() string {
	return r.DriveID + "/" + r.FileID
}

type FileSystemType string

const (
	FileSystemStandard FileSystemType = "standard"
	FileSystemComment  FileSystemType = "comment"
)

func (t FileSystemType) orDefault() FileSystemType {
	if t == "" {
		return FileSystemStandard
	}
	return t
}

func (t FileSystemType) valid() bool {
	return t == FileSystemStandard || t == FileSystemComment
}

type InstructionType string

const (
	InstructionSave   InstructionType = "save"
	InstructionUpdate InstructionType = "update"
	InstructionDelete InstructionType = "delete"
)

func (t InstructionType) orDefault() InstructionType {
	if t == "" {
		return InstructionSave
	}
	return t
}

func (t InstructionType) valid() bool {
	switch t {
	case InstructionSave, InstructionUpdate, InstructionDelete:
		return true
	}
	return false
}

// TransitOptions is the caller's send intent. It is stored with every outbox
// item so a retry sends exactly what was asked for.
type TransitOptions struct {
	Recipients              []string        `json:"recipients"`
	Priority                int64           `json:"priority,omitempty"`
	TargetDrive             string          `json:"targetDrive"`
	FileSystemType          FileSystemType  `json:"fileSystemType,omitempty"`
	InstructionType         InstructionType `json:"instructionType,omitempty"`
	SendPayload             bool            `json:"sendPayload,omitempty"`
	IsTransientFile         bool            `json:"isTransientFile,omitempty"`
	OverrideGlobalTransitID string          `json:"overrideGlobalTransitId,omitempty"`
}

type Attempt struct {
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
	Outcome string    `json:"outcome"`
}

type TransferItem struct {
	ID              string         `json:"id"`
	Box             string         `json:"box"`
	File            FileRef        `json:"file"`
	Recipient       string         `json:"recipient"`
	Priority        int64          `json:"priority"`
	Added           time.Time      `json:"added"`
	InstructionSet  []byte         `json:"instructionSet"`
	Options         TransitOptions `json:"options"`
	IsTransientFile bool           `json:"isTransientFile,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	Attempts        []Attempt      `json:"attempts,omitempty"`

	Marker    string `json:"-"`
	CheckOuts int    `json:"-"`
}

func (i TransferItem) queueKey() queue.Key { return queue.Key{Box: i.Box, ID: i.ID} }

func (i TransferItem) attemptLog() []Attempt { return i.Attempts }

func (i TransferItem) withAttempt(a Attempt) TransferItem {
	i.Attempts = append(append([]Attempt(nil), i.Attempts...), a)
	return i
}

func (i TransferItem) withRecord(rec queue.Record) TransferItem {
	i.ID = rec.ID
	i.Box = rec.Box
	i.Priority = rec.Priority
	i.Added = rec.Added
	i.Marker = rec.Marker
	i.CheckOuts = rec.CheckOuts
	return i
}

// GlobalTransitID names the file across peers so later updates find the same target.
func (i TransferItem) GlobalTransitID() string {
	if id := strings.TrimSpace(i.Options.OverrideGlobalTransitID); id != "" {
		return id
	}
	return i.File.FileID
}

type InboxItem struct {
	ID              string          `json:"id"`
	Box             string          `json:"box"`
	Sender          string          `json:"sender"`
	File            FileRef         `json:"file"`
	TempFile        FileRef         `json:"tempFile"`
	FileSystemType  FileSystemType  `json:"fileSystemType"`
	InstructionType InstructionType `json:"instructionType"`
	InstructionSet  []byte          `json:"instructionSet"`
	GlobalTransitID string          `json:"globalTransitId,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Priority        int64           `json:"priority"`
	Added           time.Time       `json:"added"`
	Attempts        []Attempt       `json:"attempts,omitempty"`

	Marker    string `json:"-"`
	CheckOuts int    `json:"-"`
}

func (i InboxItem) queueKey() queue.Key { return queue.Key{Box: i.Box, ID: i.ID} }

func (i InboxItem) attemptLog() []Attempt { return i.Attempts }

func (i InboxItem) withAttempt(a Attempt) InboxItem {
	i.Attempts = append(append([]Attempt(nil), i.Attempts...), a)
	return i
}

func (i InboxItem) withRecord(rec queue.Record) InboxItem {
	i.ID = rec.ID
	i.Box = rec.Box
	i.Priority = rec.Priority
	i.Added = rec.Added
	i.Marker = rec.Marker
	i.CheckOuts = rec.CheckOuts
	return i
}

// TransferNotification announces a received transfer whose payload is already staged.
type TransferNotification struct {
	Sender          string
	File            FileRef
	TempFile        FileRef
	FileSystemType  FileSystemType
	InstructionType InstructionType
	InstructionSet  []byte
	GlobalTransitID string
	CorrelationID   string
	Priority        int64
}

// RedactedHeader is the part of a file header that leaves this tenant.
type RedactedHeader struct {
	Name        string            `json:"name,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Size        int64             `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Updated     time.Time         `json:"updated,omitempty"`
}

type Envelope struct {
	Sender          string          `json:"sender"`
	TargetDrive     string          `json:"targetDrive"`
	FileSystemType  FileSystemType  `json:"fileSystemType"`
	InstructionType InstructionType `json:"instructionType"`
	InstructionSet  []byte          `json:"instructionSet"`
	Header          RedactedHeader  `json:"header"`
	Payload         []byte          `json:"payload,omitempty"`
	GlobalTransitID string          `json:"globalTransitId"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Priority        int64           `json:"priority,omitempty"`
}

// Status is shared by the outbox and the inbox.
type Status = queue.Status

type Batch[T any] struct {
	Marker string
	Items  []T
}

func (b Batch[T]) Empty() bool {
	return len(b.Items) == 0
}

type OutcomeKind string

const (
	OutcomeDelivered        OutcomeKind = "delivered"
	OutcomeTransient        OutcomeKind = "transient_network_failure"
	OutcomeRejected         OutcomeKind = "recipient_rejected"
	OutcomeRecipientUnknown OutcomeKind = "recipient_unknown"
)

type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	StatusCode int
}

func Delivered(status int) Outcome {
	return Outcome{Kind: OutcomeDelivered, StatusCode: status}
}

func Rejected(reason string, status int) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason, StatusCode: status}
}

func Transient(reason string, status int) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason, StatusCode: status}
}

func RecipientUnknown(reason string) Outcome {
	return Outcome{Kind: OutcomeRecipientUnknown, Reason: reason}
}

// Err returns nil for a delivery and a *TransferError otherwise.
func (o Outcome) Err() error {
	if o.Kind == OutcomeDelivered {
		return nil
	}
	return &TransferError{Kind: o.Kind, Reason: o.Reason, StatusCode: o.StatusCode}
}
