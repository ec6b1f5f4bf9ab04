package transit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/notify"
	"github.com/agentworkforce/peertransit/internal/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type memDrive struct {
	mu       sync.Mutex
	files    map[FileRef]StoredFile
	temps    map[FileRef]StoredFile
	seq      int
	writeErr error
	readErr  error
	deleted  []FileRef
	systems  map[FileSystemType]*memDrive
}

func newMemDrive() *memDrive {
	return &memDrive{files: map[FileRef]StoredFile{}, temps: map[FileRef]StoredFile{}}
}

// ResolveFileSystem serves the standard file system from d itself and keeps a
// separate drive for every other type.
func (d *memDrive) ResolveFileSystem(t FileSystemType) (DriveStorage, error) {
	if t == FileSystemStandard {
		return d, nil
	}
	return d.system(t), nil
}

func (d *memDrive) system(t FileSystemType) *memDrive {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.systems == nil {
		d.systems = map[FileSystemType]*memDrive{}
	}
	sub, ok := d.systems[t]
	if !ok {
		sub = newMemDrive()
		d.systems[t] = sub
	}
	return sub
}

func (d *memDrive) filesOn(drive string) []StoredFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []StoredFile
	for ref, file := range d.files {
		if ref.DriveID == drive {
			out = append(out, file)
		}
	}
	return out
}

func (d *memDrive) put(ref FileRef, file StoredFile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	file.Header.File = ref
	d.files[ref] = file
}

func (d *memDrive) has(ref FileRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[ref]
	return ok
}

func (d *memDrive) tempCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.temps)
}

func (d *memDrive) ReadFile(ctx context.Context, ref FileRef) (StoredFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return StoredFile{}, d.readErr
	}
	file, ok := d.files[ref]
	if !ok {
		return StoredFile{}, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
	}
	return file, nil
}

func (d *memDrive) WriteOrUpdateFile(ctx context.Context, ref FileRef, file StoredFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	file.Header.File = ref
	d.files[ref] = file
	return nil
}

func (d *memDrive) FindByGlobalTransitID(ctx context.Context, driveID, globalID string) ([]StoredFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	var out []StoredFile
	for ref, file := range d.files {
		if ref.DriveID == driveID && file.Header.TransitID() == globalID {
			out = append(out, file)
		}
	}
	return out, nil
}

func (d *memDrive) CreateNewFileID(ctx context.Context, driveID string) (FileRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return FileRef{DriveID: driveID, FileID: fmt.Sprintf("file-%03d", d.seq)}, nil
}

func (d *memDrive) DeleteFile(ctx context.Context, ref FileRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, ref)
	}
	delete(d.files, ref)
	d.deleted = append(d.deleted, ref)
	return nil
}

func (d *memDrive) WriteTempFile(ctx context.Context, ref FileRef, file StoredFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temps[ref] = file
	return nil
}

func (d *memDrive) ReadTempFile(ctx context.Context, ref FileRef) (StoredFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	file, ok := d.temps[ref]
	if !ok {
		return StoredFile{}, fmt.Errorf("%w: temp %s", ErrFileNotFound, ref)
	}
	return file, nil
}

func (d *memDrive) DeleteTempFile(ctx context.Context, ref FileRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.temps, ref)
	return nil
}

const sealPrefix = "sealed:"

type fakeKeys struct {
	issuer     string
	now        func() time.Time
	unknown    map[string]bool
	decryptErr error
}

func (k *fakeKeys) Encrypt(ctx context.Context, header FileHeader, recipient string) ([]byte, error) {
	doc := NewInstructionDocument(k.issuer, header, recipient, k.now())
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(sealPrefix), raw...), nil
}

func (k *fakeKeys) Decrypt(ctx context.Context, sender string, set []byte) ([]byte, error) {
	if k.decryptErr != nil {
		return nil, k.decryptErr
	}
	if !bytes.HasPrefix(set, []byte(sealPrefix)) {
		return nil, ErrCorruptInstructionSet
	}
	return bytes.TrimPrefix(set, []byte(sealPrefix)), nil
}

func (k *fakeKeys) ResolveRecipientAccessToken(ctx context.Context, recipient string) (Credential, error) {
	if k.unknown[recipient] {
		return Credential{}, fmt.Errorf("%w: %s", ErrRecipientUnknown, recipient)
	}
	return Credential{Token: "token-" + recipient}, nil
}

type transportFunc func(ctx context.Context, recipient string, cred Credential, env Envelope) (Response, error)

func (f transportFunc) Send(ctx context.Context, recipient string, cred Credential, env Envelope) (Response, error) {
	return f(ctx, recipient, cred, env)
}

func statusTransport(code int) Transport {
	return transportFunc(func(context.Context, string, Credential, Envelope) (Response, error) {
		return Response{StatusCode: code}, nil
	})
}

type recordingBus struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (b *recordingBus) Publish(ctx context.Context, evt notify.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return b.err
}

func (b *recordingBus) ofType(eventType string) []notify.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []notify.Event
	for _, evt := range b.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// outboxFixture wires an outbox over a memory store with a controllable clock.
type outboxFixture struct {
	clock   *testClock
	store   *queue.MemoryStore
	outbox  *Outbox
	drive   *memDrive
	keys    *fakeKeys
	dead    *deadletter.MemorySink
	bus     *recordingBus
	logger  *logrus.Logger
	source  FileRef
	options TransitOptions
}

func newOutboxFixture(t *testing.T) *outboxFixture {
	t.Helper()
	clock := newTestClock()
	store := queue.NewMemoryStore(queue.Options{Now: clock.Now})
	dead := deadletter.NewMemorySink(16)
	logger := quietLogger()
	f := &outboxFixture{
		clock:  clock,
		store:  store,
		outbox: NewOutbox(store, OutboxOptions{DeadLetters: dead, Logger: logger, Now: clock.Now}),
		drive:  newMemDrive(),
		keys:   &fakeKeys{issuer: "alice.example", now: clock.Now, unknown: map[string]bool{}},
		dead:   dead,
		bus:    &recordingBus{},
		logger: logger,
		source: FileRef{DriveID: "drive-a", FileID: "doc-1"},
		options: TransitOptions{
			TargetDrive:     "shared",
			FileSystemType:  FileSystemStandard,
			InstructionType: InstructionSave,
			SendPayload:     true,
		},
	}
	f.drive.put(f.source, StoredFile{
		Header:  FileHeader{Name: "report.txt", ContentType: "text/plain", Size: 5, AllowDistribution: true},
		Payload: []byte("hello"),
	})
	return f
}

func (f *outboxFixture) enqueue(t *testing.T, recipient string, priority int64) string {
	t.Helper()
	set, err := f.keys.Encrypt(context.Background(), FileHeader{File: f.source}, recipient)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	id, err := f.outbox.Enqueue(context.Background(), OutboxRequest{
		File:           f.source,
		Recipient:      recipient,
		Priority:       priority,
		InstructionSet: set,
		Options:        f.options,
		CorrelationID:  "corr-" + recipient,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func (f *outboxFixture) processor(transport Transport, cfg OutboxProcessorConfig) *OutboxProcessor {
	sender := NewSender(SenderConfig{Identity: "alice.example", SendTimeout: time.Second}, f.drive, f.keys, transport, f.logger)
	p := NewOutboxProcessor(f.outbox, sender, f.drive, f.bus, cfg, f.logger)
	p.sample = func() float64 { return 0.5 }
	return p
}

func hasReason(entries []deadletter.Entry, reason string) bool {
	for _, e := range entries {
		if strings.Contains(e.Reason, reason) {
			return true
		}
	}
	return false
}
