package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"genpaper/internal/logger"
)

type QuotaResetter interface {
	ResetDaily(ctx context.Context) (int64, error)
	ResetMonthly(ctx context.Context) (int64, error)
}

type LedgerPruner interface {
	PruneSourceFailures(ctx context.Context, before time.Time) (int64, error)
}

type Schedules struct {
	QuotaReset  string
	LedgerPrune string
	// Ledger rows older than this no longer count toward poisoning.
	PoisonWindow time.Duration
}

// Scheduler runs the periodic housekeeping jobs of the worker.
type Scheduler struct {
	log    *logger.Logger
	cron   *cron.Cron
	quotas QuotaResetter
	ledger LedgerPruner
	window time.Duration
	now    func() time.Time
}

func New(log *logger.Logger, quotas QuotaResetter, ledger LedgerPruner, s Schedules) (*Scheduler, error) {
	sc := &Scheduler{
		log:    log.With("component", "maintenance"),
		cron:   cron.New(),
		quotas: quotas,
		ledger: ledger,
		window: s.PoisonWindow,
		now:    time.Now,
	}
	if sc.window <= 0 {
		sc.window = 24 * time.Hour
	}
	if _, err := sc.cron.AddFunc(s.QuotaReset, func() { sc.ResetDailyQuotas(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule quota reset %q: %w", s.QuotaReset, err)
	}
	if _, err := sc.cron.AddFunc("@monthly", func() { sc.ResetMonthlyQuotas(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule monthly reset: %w", err)
	}
	if _, err := sc.cron.AddFunc(s.LedgerPrune, func() { sc.PruneLedger(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule ledger prune %q: %w", s.LedgerPrune, err)
	}
	return sc, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) ResetDailyQuotas(ctx context.Context) {
	n, err := s.quotas.ResetDaily(ctx)
	if err != nil {
		s.log.Error("daily quota reset failed", "error", err)
		return
	}
	s.log.Info("daily quotas reset", "owners", n)
}

func (s *Scheduler) ResetMonthlyQuotas(ctx context.Context) {
	n, err := s.quotas.ResetMonthly(ctx)
	if err != nil {
		s.log.Error("monthly quota reset failed", "error", err)
		return
	}
	s.log.Info("monthly quotas reset", "owners", n)
}

func (s *Scheduler) PruneLedger(ctx context.Context) {
	n, err := s.ledger.PruneSourceFailures(ctx, s.now().Add(-s.window))
	if err != nil {
		s.log.Error("failure ledger prune failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("failure ledger pruned", "rows", n)
	}
}
