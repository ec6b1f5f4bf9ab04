package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/peertransit/internal/config"
	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/drivefs"
	"github.com/agentworkforce/peertransit/internal/httpapi"
	"github.com/agentworkforce/peertransit/internal/keys"
	"github.com/agentworkforce/peertransit/internal/logging"
	"github.com/agentworkforce/peertransit/internal/notify"
	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/peerhttp"
	"github.com/agentworkforce/peertransit/internal/queue"
	"github.com/agentworkforce/peertransit/internal/telemetry"
	"github.com/agentworkforce/peertransit/internal/transit"
	"github.com/agentworkforce/peertransit/internal/transitclient"
)

const (
	outboxTable      = "transit_outbox"
	inboxTable       = "transit_inbox"
	deadLetterStream = "peertransit:deadletters"
	deadLetterRing   = 256
	selfTokenTTL     = 10 * time.Minute
)

func main() {
	os.Exit(serve())
}

// serve returns the process exit code after every deferred cleanup has run.
func serve() int {
	bootstrap, err := logging.New(os.Getenv("TRANSIT_LOG_LEVEL"), os.Getenv("TRANSIT_LOG_FORMAT"))
	if err != nil {
		log.Printf("invalid logging settings: %v", err)
		return 1
	}
	cfg, err := config.Load(bootstrap)
	if err != nil {
		bootstrap.Errorf("invalid configuration: %v", err)
		return 1
	}
	logger := bootstrap.WithField("identity", cfg.Identity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "peertransit", logger)
	if err != nil {
		logger.Errorf("failed to initialize tracing: %v", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Errorf("failed to initialize transit pipeline: %v", err)
		return 1
	}
	if err := runAndClose(ctx, a); err != nil {
		logger.Errorf("peertransit stopped: %v", err)
		return 1
	}
	logger.Info("peertransit stopped")
	return 0
}

// runAndClose releases the app's stores and sinks however run ends.
func runAndClose(ctx context.Context, a *app) error {
	defer a.close()
	return a.run(ctx)
}

type app struct {
	cfg     config.Config
	logger  logrus.FieldLogger
	handler http.Handler

	stoker  *transit.Stoker
	worker  *transit.InboxWorker
	sweeper *transit.Sweeper

	closers []func() error
}

func buildApp(cfg config.Config, logger logrus.FieldLogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	outStore, err := queue.BuildStoreFromDSN(cfg.OutboxDSN, queue.Options{Name: outboxTable})
	if err != nil {
		return nil, fmt.Errorf("outbox store: %w", err)
	}
	a.closers = append(a.closers, outStore.Close)
	inStore, err := queue.BuildStoreFromDSN(cfg.InboxDSN, queue.Options{Name: inboxTable})
	if err != nil {
		return nil, fmt.Errorf("inbox store: %w", err)
	}
	a.closers = append(a.closers, inStore.Close)

	drive, err := drivefs.New(cfg.DriveRoot)
	if err != nil {
		return nil, fmt.Errorf("drive storage: %w", err)
	}
	peers, err := keys.LoadDirectory(cfg.PeersFile, cfg.PeerSecret)
	if err != nil {
		return nil, err
	}
	keyService, err := keys.NewService(cfg.Identity, peers, keys.Options{})
	if err != nil {
		return nil, err
	}
	transport := peerhttp.New(peerhttp.Options{Identity: cfg.Identity, Peers: peers})

	hub := notify.NewHub()
	bus := notify.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, kafkaErr := notify.NewKafkaPublisher(notify.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			Identity: cfg.Identity,
		})
		if kafkaErr != nil {
			return nil, fmt.Errorf("kafka publisher: %w", kafkaErr)
		}
		a.closers = append(a.closers, kafkaPublisher.Close)
		bus = append(bus, kafkaPublisher)
	}

	deadLetters := deadletter.Multi{
		deadletter.NewMemorySink(deadLetterRing),
		deadletter.LogSink{Logger: logger},
		deadletter.EventSink{Publisher: bus},
	}
	if cfg.RedisDeadLetterURL != "" {
		stream, redisErr := deadletter.NewRedisStreamSinkFromURL(cfg.RedisDeadLetterURL, deadLetterStream)
		if redisErr != nil {
			return nil, fmt.Errorf("redis dead-letter sink: %w", redisErr)
		}
		a.closers = append(a.closers, stream.Close)
		deadLetters = append(deadLetters, stream)
	}

	outbox := transit.NewOutbox(outStore, transit.OutboxOptions{DeadLetters: deadLetters, Logger: logger})
	inbox := transit.NewInbox(inStore, transit.InboxOptions{DeadLetters: deadLetters, Logger: logger})

	sender := transit.NewSender(transit.SenderConfig{Identity: cfg.Identity, SendTimeout: cfg.SendTimeout}, drive, keyService, transport, logger)
	outboxProcessor := transit.NewOutboxProcessor(outbox, sender, drive, bus, transit.OutboxProcessorConfig{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)
	inboxProcessor := transit.NewInboxProcessor(inbox, drive, keyService, bus, transit.InboxProcessorConfig{
		Identity:    cfg.Identity,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)

	a.worker = transit.NewInboxWorker(inboxProcessor, transit.InboxWorkerConfig{Interval: cfg.InboxInterval, BatchSize: cfg.BatchSize}, logger)
	a.stoker = transit.NewStoker(outbox, stokerDispatcher(cfg, outboxProcessor, logger), transit.StokerConfig{
		Interval:     cfg.StokerInterval,
		StartupDelay: cfg.StokerStartupDelay,
	}, logger)
	a.sweeper = transit.NewSweeper(map[string]transit.Recoverer{
		deadletter.QueueOutbox: outbox,
		deadletter.QueueInbox:  inbox,
	}, transit.SweeperConfig{Interval: cfg.SweepInterval, LeaseTimeout: cfg.LeaseTimeout}, logger)

	server := httpapi.NewServer(httpapi.Services{
		Receiver:        transit.NewReceiver(inbox, drive, logger),
		Distributor:     transit.NewDistributor(outbox, drive, keyService, logger),
		Outbox:          outbox,
		OutboxProcessor: outboxProcessor,
		Inbox:           inbox,
		InboxProcessor:  inboxProcessor,
		InboxTrigger:    a.worker,
		DeadLetters:     deadLetters,
		Hub:             hub,
	}, httpapi.ServerConfig{
		Identity:        cfg.Identity,
		AdminSecret:     cfg.AdminSecret,
		Peers:           peers,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		BatchSize:       cfg.BatchSize,
		LeaseTimeout:    cfg.LeaseTimeout,
		Logger:          logger,
	})
	a.handler = telemetry.HTTPMiddleware("peertransit")(server)

	if cfg.AdminSecret == "" {
		logger.Warn("TRANSIT_ADMIN_SECRET is empty; admin api disabled")
	}
	if len(peers.Identities()) == 0 {
		logger.Warn("peer directory is empty; no deliveries can be sent or accepted")
	}
	ready = true
	return a, nil
}

// stokerDispatcher processes boxes in-process unless a self URL is set, in
// which case the stoker calls this tenant's own admin API.
func stokerDispatcher(cfg config.Config, processor *transit.OutboxProcessor, logger logrus.FieldLogger) transit.Dispatcher {
	if cfg.StokerSelfURL == "" {
		return processor.Dispatcher()
	}
	if cfg.AdminSecret == "" {
		logger.Warn("TRANSIT_STOKER_SELF_URL ignored without TRANSIT_ADMIN_SECRET; dispatching in-process")
		return processor.Dispatcher()
	}
	tokens := transitclient.MintedToken(cfg.AdminSecret, cfg.Identity, []string{peerauth.ScopeProcess}, selfTokenTTL)
	return transitclient.New(cfg.StokerSelfURL, tokens, nil)
}

func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.stoker.Run(gctx) })
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error { return a.sweeper.Run(gctx) })
	g.Go(func() error {
		a.logger.Infof("peertransit listening on %s", a.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
