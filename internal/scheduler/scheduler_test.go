package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/dispatcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	alerts     atomic.Int32
	priceDrops atomic.Int32
	started    chan struct{}
	release    chan struct{}
	deadline   atomic.Value
	err        error
}

func (r *fakeRunner) RunAlertPass(ctx context.Context) (*dispatcher.PassReport, error) {
	r.alerts.Add(1)
	if dl, ok := ctx.Deadline(); ok {
		r.deadline.Store(dl)
	}
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return &dispatcher.PassReport{Kind: dispatcher.PassAlerts, Sent: 2}, r.err
}

func (r *fakeRunner) RunPriceDropPass(context.Context) (*dispatcher.PassReport, error) {
	r.priceDrops.Add(1)
	return &dispatcher.PassReport{Kind: dispatcher.PassPriceDrop}, nil
}

type fakeLeases struct {
	mu      sync.Mutex
	holders map[string]string
}

func (f *fakeLeases) AcquireLease(_ context.Context, name, holder string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.holders[name]; ok && cur != holder {
		return false, nil
	}
	f.holders[name] = holder
	return true, nil
}

func (f *fakeLeases) ReleaseLease(_ context.Context, name, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[name] == holder {
		delete(f.holders, name)
	}
	return nil
}

type fakeMaintenance struct{ calls atomic.Int32 }

func (f *fakeMaintenance) Cleanup(context.Context, int) error {
	f.calls.Add(1)
	return nil
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:           true,
		AlertInterval:     time.Hour,
		PriceDropInterval: 2 * time.Hour,
		SafetyMargin:      time.Minute,
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), Options{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.UseStoreLease = true
	_, err = New(cfg, Options{Runner: &fakeRunner{}})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.SafetyMargin = 2 * time.Hour
	_, err = New(cfg, Options{Runner: &fakeRunner{}})
	assert.Error(t, err)
}

func TestRunNowAppliesDeadline(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(testConfig(), Options{Runner: runner})
	require.NoError(t, err)

	before := time.Now()
	report, err := s.RunNow(context.Background(), dispatcher.PassAlerts)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	dl, ok := runner.deadline.Load().(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(59*time.Minute), dl, 5*time.Second)

	_, err = s.RunNow(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s, err := New(testConfig(), Options{Runner: runner})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), dispatcher.PassAlerts)
		done <- err
	}()
	<-runner.started

	_, err = s.RunNow(context.Background(), dispatcher.PassAlerts)
	assert.ErrorIs(t, err, ErrPassRunning)

	// The other kind is independent.
	_, err = s.RunNow(context.Background(), dispatcher.PassPriceDrop)
	assert.NoError(t, err)

	close(runner.release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, runner.alerts.Load())
}

func TestLeaseHeldElsewhereSkips(t *testing.T) {
	leases := &fakeLeases{holders: map[string]string{"pass:alerts": "other-instance"}}
	cfg := testConfig()
	cfg.UseStoreLease = true
	runner := &fakeRunner{}
	s, err := New(cfg, Options{Runner: runner, Leases: leases, Holder: "me"})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), dispatcher.PassAlerts)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Zero(t, runner.alerts.Load())

	_, err = s.RunNow(context.Background(), dispatcher.PassPriceDrop)
	require.NoError(t, err)
	assert.NotContains(t, leases.holders, "pass:price_drop", "lease released after the pass")
}

func TestStartRunsOnStartAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.RunOnStart = true
	runner := &fakeRunner{}
	maint := &fakeMaintenance{}
	s, err := New(cfg, Options{Runner: runner, Maintenance: maint, RetentionDays: 30})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := s.Status()
		return st[0].LastReport != nil && st[1].LastReport != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, runner.alerts.Load())
	assert.EqualValues(t, 1, runner.priceDrops.Load())

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, dispatcher.PassAlerts, status[0].Kind)
	assert.NotNil(t, status[0].NextRun)
	require.NotNil(t, status[0].LastReport)
	assert.Equal(t, 2, status[0].LastReport.Sent)

	s.Stop()
	s.Stop()
	assert.EqualValues(t, 1, maint.calls.Load())
}

func TestFailedPassRecordsError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("store down")}
	maint := &fakeMaintenance{}
	s, err := New(testConfig(), Options{Runner: runner, Maintenance: maint, RetentionDays: 30})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), dispatcher.PassAlerts)
	require.Error(t, err)
	assert.Equal(t, "store down", s.Status()[0].LastError)
	assert.Zero(t, maint.calls.Load())
}
