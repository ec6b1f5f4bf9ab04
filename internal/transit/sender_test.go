package transit

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func leasedItem(t *testing.T, f *outboxFixture, recipient string) TransferItem {
	t.Helper()
	f.enqueue(t, recipient, 0)
	batch, err := f.outbox.PopBatchForProcessing(context.Background(), f.source.DriveID, 1)
	if err != nil || batch.Empty() {
		t.Fatalf("pop failed: %v", err)
	}
	return batch.Items[0]
}

func TestSenderMapsPeerResponses(t *testing.T) {
	cases := []struct {
		name   string
		resp   Response
		err    error
		kind   OutcomeKind
		reason string
	}{
		{name: "accepted", resp: Response{StatusCode: 202}, kind: OutcomeDelivered},
		{name: "forbidden", resp: Response{StatusCode: 403}, kind: OutcomeRejected, reason: "forbidden"},
		{name: "bad request", resp: Response{StatusCode: 400}, kind: OutcomeRejected, reason: "http_400"},
		{name: "rate limited", resp: Response{StatusCode: 429}, kind: OutcomeTransient, reason: "rate_limited"},
		{name: "unavailable", resp: Response{StatusCode: 503}, kind: OutcomeTransient, reason: "provider_unavailable"},
		{name: "deadline", err: context.DeadlineExceeded, kind: OutcomeTransient, reason: "timeout"},
		{name: "refused", err: errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), kind: OutcomeTransient, reason: "provider_unavailable"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "bob.example", IsNotFound: true}, kind: OutcomeRecipientUnknown, reason: "dns_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOutboxFixture(t)
			item := leasedItem(t, f, "bob.example")
			transport := transportFunc(func(ctx context.Context, recipient string, cred Credential, env Envelope) (Response, error) {
				return tc.resp, tc.err
			})
			sender := NewSender(SenderConfig{Identity: "alice.example"}, f.drive, f.keys, transport, f.logger)
			outcome, err := sender.SendOne(context.Background(), item)
			if err != nil {
				t.Fatalf("expected outcome, got error %v", err)
			}
			if outcome.Kind != tc.kind || outcome.Reason != tc.reason {
				t.Fatalf("expected %s/%s, got %s/%s", tc.kind, tc.reason, outcome.Kind, outcome.Reason)
			}
		})
	}
}

func TestSenderBuildsRedactedEnvelope(t *testing.T) {
	f := newOutboxFixture(t)
	item := leasedItem(t, f, "bob.example")
	var got Envelope
	var gotCred Credential
	transport := transportFunc(func(ctx context.Context, recipient string, cred Credential, env Envelope) (Response, error) {
		got = env
		gotCred = cred
		return Response{StatusCode: 200}, nil
	})
	sender := NewSender(SenderConfig{Identity: "alice.example"}, f.drive, f.keys, transport, f.logger)
	if _, err := sender.SendOne(context.Background(), item); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got.Sender != "alice.example" || got.TargetDrive != "shared" {
		t.Fatalf("unexpected envelope routing %+v", got)
	}
	if got.GlobalTransitID != f.source.FileID {
		t.Fatalf("expected global transit id %q, got %q", f.source.FileID, got.GlobalTransitID)
	}
	if string(got.Payload) != "hello" || got.Header.Name != "report.txt" {
		t.Fatalf("expected payload and header, got %+v", got)
	}
	if gotCred.Token != "token-bob.example" {
		t.Fatalf("expected recipient token, got %q", gotCred.Token)
	}

	f.options.SendPayload = false
	f.options.OverrideGlobalTransitID = "global-7"
	second := leasedItem(t, f, "carol.example")
	if _, err := sender.SendOne(context.Background(), second); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got.Payload != nil || got.GlobalTransitID != "global-7" {
		t.Fatalf("expected header-only envelope with override id, got %+v", got)
	}
}

func TestSenderLocalChecks(t *testing.T) {
	f := newOutboxFixture(t)
	sender := NewSender(SenderConfig{Identity: "alice.example"}, f.drive, f.keys, statusTransport(200), f.logger)
	ctx := context.Background()

	item := leasedItem(t, f, "bob.example")
	empty := item
	empty.InstructionSet = nil
	outcome, err := sender.SendOne(ctx, empty)
	if err != nil || outcome.Kind != OutcomeRejected || outcome.Reason != reasonInstructionSetUnavailable {
		t.Fatalf("expected instruction set rejection, got %+v err=%v", outcome, err)
	}

	missing := item
	missing.File = FileRef{DriveID: "drive-a", FileID: "gone"}
	if _, err := sender.SendOne(ctx, missing); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected file not found error, got %v", err)
	}

	f.drive.put(f.source, StoredFile{Header: FileHeader{AllowDistribution: false}})
	outcome, err = sender.SendOne(ctx, item)
	if err != nil || outcome.Reason != reasonDistributionNotAllowed {
		t.Fatalf("expected distribution rejection, got %+v err=%v", outcome, err)
	}

	f.drive.put(f.source, StoredFile{Header: FileHeader{AllowDistribution: true}})
	f.keys.unknown["bob.example"] = true
	outcome, err = sender.SendOne(ctx, item)
	if err != nil || outcome.Kind != OutcomeRecipientUnknown {
		t.Fatalf("expected recipient unknown, got %+v err=%v", outcome, err)
	}
	if !errors.Is(outcome.Err(), ErrRecipientUnknown) {
		t.Fatalf("expected outcome error to match ErrRecipientUnknown, got %v", outcome.Err())
	}
}

func TestSenderReturnsContextErrorWhenCancelled(t *testing.T) {
	f := newOutboxFixture(t)
	item := leasedItem(t, f, "bob.example")
	ctx, cancel := context.WithCancel(context.Background())
	transport := transportFunc(func(ctx context.Context, recipient string, cred Credential, env Envelope) (Response, error) {
		cancel()
		return Response{}, ctx.Err()
	})
	sender := NewSender(SenderConfig{}, f.drive, f.keys, transport, f.logger)
	if _, err := sender.SendOne(ctx, item); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestOutcomeErrorsMatchSentinels(t *testing.T) {
	if Delivered(200).Err() != nil {
		t.Fatalf("expected delivered outcome to have no error")
	}
	if !errors.Is(Transient("timeout", 0).Err(), ErrTransientNetworkFailure) {
		t.Fatalf("expected transient sentinel")
	}
	if !errors.Is(Rejected("forbidden", 403).Err(), ErrRecipientRejected) {
		t.Fatalf("expected rejected sentinel")
	}
	if errors.Is(Rejected("forbidden", 403).Err(), ErrTransientNetworkFailure) {
		t.Fatalf("rejected outcome must not match transient sentinel")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := backoffDelay(0, 0, 1, 0.5)
	if base != defaultBaseBackoff {
		t.Fatalf("expected %s, got %s", defaultBaseBackoff, base)
	}
	if got := backoffDelay(time.Second, time.Minute, 3, 0.5); got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	if got := backoffDelay(time.Second, 10*time.Second, 10, 0.5); got != 10*time.Second {
		t.Fatalf("expected cap of 10s, got %s", got)
	}
	low := backoffDelay(time.Second, time.Minute, 1, 0)
	high := backoffDelay(time.Second, time.Minute, 1, 1)
	if low >= time.Second || high <= time.Second {
		t.Fatalf("expected jitter around 1s, got %s and %s", low, high)
	}
}
