package transit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultLeaseTimeout = 5 * time.Minute

type Recoverer interface {
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

type SweeperConfig struct {
	Interval     time.Duration
	LeaseTimeout time.Duration
}

// Sweeper returns leases held past LeaseTimeout to their queues.
type Sweeper struct {
	targets map[string]Recoverer
	cfg     SweeperConfig
	logger  logrus.FieldLogger
}

func NewSweeper(targets map[string]Recoverer, cfg SweeperConfig, logger logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sweeper{targets: targets, cfg: cfg, logger: logger.WithField("component", "sweeper")}
}

// Sweep recovers every target once and returns the recovered count per target.
// A failing target does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(s.targets))
	var firstErr error
	for name, target := range s.targets {
		n, err := target.RecoverAbandoned(ctx, s.cfg.LeaseTimeout)
		if err != nil {
			s.logger.WithError(err).WithField("queue", name).Warn("abandoned lease recovery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		counts[name] = n
		if n > 0 {
			s.logger.WithFields(logrus.Fields{"queue": name, "recovered": n}).Info("recovered abandoned leases")
		}
	}
	return counts, firstErr
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
