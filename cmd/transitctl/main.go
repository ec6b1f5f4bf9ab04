package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/transit"
	"github.com/agentworkforce/peertransit/internal/transitclient"
)

const usage = `usage: transitctl [flags] <command> [drive]

commands:
  status <drive>          outbox status for a drive
  inbox-status <drive>    inbox status for a drive
  process [drive]         process one outbox batch (all drives when omitted)
  process-inbox <drive>   drain a drive's inbox
  recover                 release leases older than -older-than
  recipients              recipients with pending outbox work
  dead-letters            recent dead letters
`

var errUsage = errors.New("invalid usage")

type api interface {
	OutboxStatus(ctx context.Context, drive string) (transit.Status, error)
	InboxStatus(ctx context.Context, drive string) (transit.Status, error)
	ProcessOutbox(ctx context.Context, box string, batchSize int) (transit.OutboxRunSummary, error)
	ProcessInbox(ctx context.Context, drive string, batchSize int) (transit.Status, error)
	Recover(ctx context.Context, olderThan time.Duration) (transitclient.RecoverResult, error)
	Recipients(ctx context.Context) ([]string, error)
	DeadLetters(ctx context.Context, limit int) ([]deadletter.Entry, error)
}

type options struct {
	baseURL        string
	token          string
	adminSecret    string
	timeout        time.Duration
	watch          time.Duration
	intervalJitter float64
	batchSize      int
	olderThan      time.Duration
	limit          int

	command string
	drive   string
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("%v", err)
	}
	tokens, err := tokenSource(opts)
	if err != nil {
		log.Fatalf("%v", err)
	}
	client := transitclient.New(opts.baseURL, tokens, &http.Client{Timeout: opts.timeout})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() error {
		ctx, cancel := context.WithTimeout(rootCtx, opts.timeout)
		defer cancel()
		return execute(ctx, client, opts, os.Stdout)
	}

	if opts.watch <= 0 {
		if err := run(); err != nil {
			log.Fatalf("%s failed: %v", opts.command, err)
		}
		return
	}

	if err := run(); err != nil {
		log.Printf("%s failed: %v", opts.command, err)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.watch, opts.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			return
		case <-timer.C:
			if err := run(); err != nil {
				log.Printf("%s failed: %v", opts.command, err)
			}
			timer.Reset(jitteredIntervalWithSample(opts.watch, opts.intervalJitter, rng.Float64()))
		}
	}
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("transitctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.baseURL, "base-url", envOrDefault("TRANSIT_BASE_URL", "http://127.0.0.1:8080"), "peertransit admin base URL")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("TRANSIT_TOKEN")), "admin bearer token")
	fs.StringVar(&opts.adminSecret, "admin-secret", strings.TrimSpace(os.Getenv("TRANSIT_ADMIN_SECRET")), "mint admin tokens from this secret when no token is given")
	fs.DurationVar(&opts.timeout, "timeout", durationEnv("TRANSIT_CTL_TIMEOUT", 30*time.Second), "per-command timeout")
	fs.DurationVar(&opts.watch, "watch", 0, "re-run the command on this interval")
	fs.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("TRANSIT_CTL_INTERVAL_JITTER", 0.2), "watch interval jitter ratio (0.0-1.0)")
	fs.IntVar(&opts.batchSize, "batch-size", intEnv("TRANSIT_BATCH_SIZE", 0), "items per processing batch (server default when 0)")
	fs.DurationVar(&opts.olderThan, "older-than", 0, "lease age for recover (server default when 0)")
	fs.IntVar(&opts.limit, "limit", 50, "entries to list for dead-letters")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.timeout <= 0 {
		opts.timeout = 30 * time.Second
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return options{}, fmt.Errorf("%w: command is required", errUsage)
	}
	opts.command = rest[0]
	if len(rest) > 1 {
		opts.drive = strings.TrimSpace(rest[1])
	}
	switch opts.command {
	case "status", "inbox-status", "process-inbox":
		if opts.drive == "" {
			return options{}, fmt.Errorf("%w: %s needs a drive", errUsage, opts.command)
		}
	case "process", "recover", "recipients", "dead-letters":
	default:
		fs.Usage()
		return options{}, fmt.Errorf("%w: unknown command %q", errUsage, opts.command)
	}
	return opts, nil
}

func tokenSource(opts options) (transitclient.TokenSource, error) {
	if opts.token != "" {
		return transitclient.StaticToken(opts.token), nil
	}
	if opts.adminSecret != "" {
		return transitclient.MintedToken(opts.adminSecret, "transitctl", []string{peerauth.ScopeAdmin}, 10*time.Minute), nil
	}
	return nil, fmt.Errorf("token is required (--token, TRANSIT_TOKEN, --admin-secret or TRANSIT_ADMIN_SECRET)")
}

func execute(ctx context.Context, client api, opts options, out io.Writer) error {
	var (
		result any
		err    error
	)
	switch opts.command {
	case "status":
		result, err = client.OutboxStatus(ctx, opts.drive)
	case "inbox-status":
		result, err = client.InboxStatus(ctx, opts.drive)
	case "process":
		result, err = client.ProcessOutbox(ctx, opts.drive, opts.batchSize)
	case "process-inbox":
		result, err = client.ProcessInbox(ctx, opts.drive, opts.batchSize)
	case "recover":
		result, err = client.Recover(ctx, opts.olderThan)
	case "recipients":
		var recipients []string
		recipients, err = client.Recipients(ctx)
		result = map[string][]string{"recipients": nonNil(recipients)}
	case "dead-letters":
		var entries []deadletter.Entry
		entries, err = client.DeadLetters(ctx, opts.limit)
		if entries == nil {
			entries = []deadletter.Entry{}
		}
		result = map[string][]deadletter.Entry{"entries": entries}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, opts.command)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio; sample in [0,1]
// picks the point in that range.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}
