package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"genpaper/internal/logger"
)

type fakeQuotas struct{ daily, monthly int }

func (f *fakeQuotas) ResetDaily(context.Context) (int64, error) {
	f.daily++
	return 3, nil
}

func (f *fakeQuotas) ResetMonthly(context.Context) (int64, error) {
	f.monthly++
	return 0, errors.New("db down")
}

type fakeLedger struct{ before time.Time }

func (f *fakeLedger) PruneSourceFailures(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 2, nil
}

func TestSchedulerJobs(t *testing.T) {
	q := &fakeQuotas{}
	l := &fakeLedger{}
	s, err := New(logger.Nop(), q, l, Schedules{QuotaReset: "@daily", LedgerPrune: "@hourly", PoisonWindow: 24 * time.Hour})
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.ResetDailyQuotas(context.Background())
	s.ResetMonthlyQuotas(context.Background())
	s.PruneLedger(context.Background())
	require.Equal(t, 1, q.daily)
	require.Equal(t, 1, q.monthly)
	require.Equal(t, now.Add(-24*time.Hour), l.before)
	require.Len(t, s.cron.Entries(), 3)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := New(logger.Nop(), &fakeQuotas{}, &fakeLedger{}, Schedules{QuotaReset: "not a schedule", LedgerPrune: "@hourly"})
	require.Error(t, err)
}
