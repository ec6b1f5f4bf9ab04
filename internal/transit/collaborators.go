package transit

import (
	"context"
	"time"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/notify"
)

// FileHeader describes a stored file. Sender is the peer a received file came
// from; files created on this tenant leave it empty.
type FileHeader struct {
	File              FileRef           `json:"file"`
	Sender            string            `json:"sender,omitempty"`
	GlobalTransitID   string            `json:"globalTransitId,omitempty"`
	Name              string            `json:"name,omitempty"`
	ContentType       string            `json:"contentType,omitempty"`
	Size              int64             `json:"size"`
	AllowDistribution bool              `json:"allowDistribution"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Updated           time.Time         `json:"updated"`
}

// TransitID is the global transit id the file answers to. A file that never
// crossed peers answers to its own file id.
func (h FileHeader) TransitID() string {
	if h.GlobalTransitID != "" {
		return h.GlobalTransitID
	}
	return h.File.FileID
}

func (h FileHeader) Redacted() RedactedHeader {
	meta := make(map[string]string, len(h.Metadata))
	for k, v := range h.Metadata {
		meta[k] = v
	}
	if len(meta) == 0 {
		meta = nil
	}
	return RedactedHeader{
		Name:        h.Name,
		ContentType: h.ContentType,
		Size:        h.Size,
		Metadata:    meta,
		Updated:     h.Updated,
	}
}

type StoredFile struct {
	Header  FileHeader `json:"header"`
	Payload []byte     `json:"payload,omitempty"`
}

type Credential struct {
	Token     string
	ExpiresAt time.Time
}

type Response struct {
	StatusCode int
	Body       []byte
}

type KeyService interface {
	Encrypt(ctx context.Context, header FileHeader, recipient string) ([]byte, error)
	// Decrypt returns the instruction document as JSON. A tampered or unreadable
	// set yields ErrCorruptInstructionSet.
	Decrypt(ctx context.Context, sender string, set []byte) ([]byte, error)
	ResolveRecipientAccessToken(ctx context.Context, recipient string) (Credential, error)
}

// DriveStorage reads and writes files by reference. Missing files yield ErrFileNotFound.
type DriveStorage interface {
	ReadFile(ctx context.Context, ref FileRef) (StoredFile, error)
	WriteOrUpdateFile(ctx context.Context, ref FileRef, file StoredFile) error
	CreateNewFileID(ctx context.Context, driveID string) (FileRef, error)
	DeleteFile(ctx context.Context, ref FileRef) error
	WriteTempFile(ctx context.Context, ref FileRef, file StoredFile) error
	ReadTempFile(ctx context.Context, ref FileRef) (StoredFile, error)
	DeleteTempFile(ctx context.Context, ref FileRef) error
	// FindByGlobalTransitID returns every file on the drive whose TransitID is
	// globalID. No match is an empty result, not an error.
	FindByGlobalTransitID(ctx context.Context, driveID, globalID string) ([]StoredFile, error)
}

// FileSystemResolver is implemented by storage that keeps each logical file
// system in its own namespace.
type FileSystemResolver interface {
	ResolveFileSystem(t FileSystemType) (DriveStorage, error)
}

// resolveFileSystem returns the storage holding files of type t. Storage that
// cannot resolve file systems only serves the standard one.
func resolveFileSystem(storage DriveStorage, t FileSystemType) (DriveStorage, error) {
	t = t.orDefault()
	if !t.valid() {
		return nil, invalidInput("unknown file system type %q", t)
	}
	if r, ok := storage.(FileSystemResolver); ok {
		return r.ResolveFileSystem(t)
	}
	if t != FileSystemStandard {
		return nil, invalidInput("file system %q is not supported by this storage", t)
	}
	return storage, nil
}

type Transport interface {
	Send(ctx context.Context, recipient string, cred Credential, env Envelope) (Response, error)
}

type NotificationBus = notify.Publisher

type DeadLetterSink = deadletter.Sink
