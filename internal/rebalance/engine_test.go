package rebalance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

type fakeOracle struct {
	mu     sync.Mutex
	prices []float64
	errs   []error
	calls  int
}

func (o *fakeOracle) GetPrice(ctx context.Context, poolID string) (domain.PricePoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	o.calls++
	if i < len(o.errs) && o.errs[i] != nil {
		return domain.PricePoint{}, o.errs[i]
	}
	p := o.prices[min(i, len(o.prices)-1)]
	return domain.PricePoint{PoolID: poolID, Value: p, FetchedAt: time.Now()}, nil
}

type openCall struct {
	lower, upper, amountA, amountB float64
}

type fakeLedger struct {
	mu          sync.Mutex
	balances    map[string]float64
	balanceErr  error
	openErr     error
	withdrawErr error
	withdrawOK  bool
	opens       []openCall
	withdrawals []string
	accounts    []string
	nextID      int

	// When set, WithdrawPosition signals withdrawing and then waits on
	// release.
	withdrawing chan struct{}
	release     chan struct{}
}

func newFakeLedger(a, b float64) *fakeLedger {
	return &fakeLedger{
		balances:   map[string]float64{"A": a, "B": b},
		withdrawOK: true,
	}
}

func (l *fakeLedger) GetBalance(_ context.Context, asset string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balanceErr != nil {
		return 0, l.balanceErr
	}
	return l.balances[asset], nil
}

func (l *fakeLedger) CreateAccount(_ context.Context, asset string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = append(l.accounts, asset)
	return "acct-" + asset, nil
}

func (l *fakeLedger) OpenPosition(_ context.Context, lower, upper, a, b float64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return "", l.openErr
	}
	l.opens = append(l.opens, openCall{lower, upper, a, b})
	l.nextID++
	return fmt.Sprintf("pos-%d", l.nextID), nil
}

func (l *fakeLedger) WithdrawPosition(_ context.Context, handle string) (bool, error) {
	if l.release != nil {
		close(l.withdrawing)
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.withdrawErr != nil {
		return false, l.withdrawErr
	}
	l.withdrawals = append(l.withdrawals, handle)
	return l.withdrawOK, nil
}

func (l *fakeLedger) setBalances(a, b float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances["A"], l.balances["B"] = a, b
}

// gridLedger widens every band to whole multiples of step.
type gridLedger struct {
	*fakeLedger
	step float64
}

func (g gridLedger) AlignRange(lower, upper float64) (float64, float64, error) {
	if g.step <= 0 || upper <= lower {
		return 0, 0, domain.ErrInvalidInput
	}
	return math.Floor(lower/g.step) * g.step, math.Ceil(upper/g.step) * g.step, nil
}

type alert struct {
	event, title, message string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert
	err    error
}

func (a *fakeAlerter) Notify(_ context.Context, event, title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert{event, title, message})
	return a.err
}

func (a *fakeAlerter) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.event)
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	reports []domain.CycleReport
}

func (r *fakeRecorder) RecordCycle(_ context.Context, report domain.CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func testConfig() Config {
	return Config{
		PoolID:            "pool-1",
		AssetA:            "A",
		AssetB:            "B",
		RangeWidthPercent: 5,
		Interval:          time.Minute,
		BackoffMultiplier: 5,
		CallTimeout:       time.Second,
		IdlePolicy:        IdleNever,
	}
}

type harness struct {
	engine   *Engine
	oracle   *fakeOracle
	ledger   *fakeLedger
	alerter  *fakeAlerter
	recorder *fakeRecorder
}

func newHarness(t *testing.T, cfg Config, oracle *fakeOracle, ledger *fakeLedger) *harness {
	t.Helper()
	h := &harness{
		oracle:   oracle,
		ledger:   ledger,
		alerter:  &fakeAlerter{},
		recorder: &fakeRecorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := NewEngine(cfg, Deps{
		Oracle:    oracle,
		Ledger:    ledger,
		Alerter:   h.alerter,
		Recorders: []Recorder{h.recorder},
	}, logger)
	require.NoError(t, err)
	h.engine = e
	return h
}

// seed puts an open position in the store as if an earlier cycle opened it.
func (h *harness) seed(t *testing.T, handle string, lower, upper float64) {
	t.Helper()
	_, err := h.engine.store.Open(handle, lower, upper, 1, 1)
	require.NoError(t, err)
	h.engine.managed = true
}

func TestTickInRangeDoesNothing(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{100}}, newFakeLedger(10, 1000))
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeInRange, r.Outcome)
	assert.Equal(t, domain.EngineHolding, r.State)
	assert.Equal(t, time.Minute, r.NextDelay)
	assert.Empty(t, h.ledger.withdrawals)
	assert.Empty(t, h.ledger.opens)
	assert.Empty(t, h.alerter.events())
	assert.Equal(t, 1, h.recorder.count())
}

func TestTickRebalancesOutOfRange(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, newFakeLedger(10, 1000))
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	require.Equal(t, domain.OutcomeRebalanced, r.Outcome, r.Error)
	assert.Equal(t, []string{"pos-0"}, h.ledger.withdrawals)
	require.Len(t, h.ledger.opens, 1)
	got := h.ledger.opens[0]
	assert.InDelta(t, 114, got.lower, 1e-9)
	assert.InDelta(t, 126, got.upper, 1e-9)
	assert.Equal(t, 5.0, got.amountA)
	assert.Equal(t, 500.0, got.amountB)
	assert.ElementsMatch(t, []string{"A", "B"}, h.ledger.accounts)

	require.NotNil(t, r.Withdrawn)
	assert.Equal(t, "pos-0", r.Withdrawn.Handle)
	require.NotNil(t, r.Opened)
	assert.Equal(t, "pos-1", r.Opened.Handle)

	pos, open := h.engine.store.Current()
	require.True(t, open)
	assert.Equal(t, "pos-1", pos.Handle)
	assert.True(t, h.engine.store.IsInRange(120))

	assert.Equal(t, []string{"rebalance_completed"}, h.alerter.events())

	snap := h.engine.Snapshot()
	assert.Equal(t, domain.EngineHolding, snap.State)
	assert.Equal(t, int64(1), snap.Rebalances)
	assert.Equal(t, "pos-1", snap.Position.Handle)
}

func TestTickSkipsReopenWithoutFunds(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, newFakeLedger(0, 0))
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeInsufficientFunds, r.Outcome)
	assert.Empty(t, r.Error)
	assert.Equal(t, domain.EngineIdle, r.State)
	assert.Equal(t, time.Minute, r.NextDelay, "a skip is not a failure")
	assert.Empty(t, h.ledger.opens)
	assert.Equal(t, []string{"pos-0"}, h.ledger.withdrawals)

	_, open := h.engine.store.Current()
	assert.False(t, open)
	assert.Equal(t, []string{"rebalance_skipped"}, h.alerter.events())
}

func TestTickOracleFailureBacksOff(t *testing.T) {
	oracle := &fakeOracle{
		prices: []float64{120},
		errs:   []error{context.DeadlineExceeded},
	}
	h := newHarness(t, testConfig(), oracle, newFakeLedger(10, 1000))
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.Equal(t, StepFetchPrice, r.FailedStep)
	assert.Equal(t, 5*time.Minute, r.NextDelay)
	assert.Empty(t, h.ledger.withdrawals)

	pos, open := h.engine.store.Current()
	require.True(t, open)
	assert.Equal(t, "pos-0", pos.Handle)
	assert.True(t, h.engine.Snapshot().Backoff)
	assert.Equal(t, []string{"rebalance_failed"}, h.alerter.events())

	// The next successful cycle returns to the normal interval.
	r = h.engine.Tick(context.Background())
	assert.Equal(t, domain.OutcomeRebalanced, r.Outcome)
	assert.Equal(t, time.Minute, r.NextDelay)
	assert.False(t, h.engine.Snapshot().Backoff)
}

func TestFetchPriceWrapsPriceUnavailable(t *testing.T) {
	oracle := &fakeOracle{prices: []float64{1}, errs: []error{errors.New("boom")}}
	h := newHarness(t, testConfig(), oracle, newFakeLedger(1, 1))

	_, err := h.engine.fetchPrice(context.Background())

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepFetchPrice, se.Step)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestTickWithdrawFailureKeepsPosition(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	ledger.withdrawErr = errors.New("rpc down")
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, ledger)
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.Equal(t, StepWithdraw, r.FailedStep)
	assert.Nil(t, r.Withdrawn)
	pos, open := h.engine.store.Current()
	require.True(t, open, "stale position must be kept for the next attempt")
	assert.Equal(t, "pos-0", pos.Handle)
	assert.Equal(t, domain.EngineHolding, r.State)
	assert.Empty(t, h.ledger.opens)
}

func TestTickWithdrawReportsMissingPosition(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	ledger.withdrawOK = false
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, ledger)
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeRebalanced, r.Outcome)
	assert.Len(t, h.ledger.opens, 1)
}

func TestTickOpenFailureLeavesEngineIdle(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	ledger.openErr = errors.New("slippage")
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, ledger)
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.Equal(t, StepOpen, r.FailedStep)
	assert.Contains(t, r.Error, domain.ErrLedgerOperationFailed.Error())
	require.NotNil(t, r.Withdrawn)
	assert.Equal(t, domain.EngineIdle, r.State)

	_, open := h.engine.store.Current()
	assert.False(t, open)
	require.Len(t, h.alerter.alerts, 1)
	assert.Contains(t, h.alerter.alerts[0].message, "already withdrawn")
}

func TestTickBalanceFailure(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	ledger.balanceErr = errors.New("timeout")
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, ledger)
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.Equal(t, StepBalances, r.FailedStep)
}

func TestIdlePolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  IdlePolicy
		managed bool
		want    domain.CycleOutcome
	}{
		{"never stays idle", IdleNever, true, domain.OutcomeIdle},
		{"recover stays idle before first open", IdleRecover, false, domain.OutcomeIdle},
		{"recover reopens after a managed position", IdleRecover, true, domain.OutcomeOpened},
		{"always reopens", IdleAlways, false, domain.OutcomeOpened},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.IdlePolicy = tt.policy
			h := newHarness(t, cfg, &fakeOracle{prices: []float64{100}}, newFakeLedger(10, 1000))
			h.engine.managed = tt.managed

			r := h.engine.Tick(context.Background())

			assert.Equal(t, tt.want, r.Outcome)
			if tt.want == domain.OutcomeIdle {
				assert.Empty(t, h.ledger.opens)
				assert.Empty(t, h.alerter.events())
			} else {
				assert.Len(t, h.ledger.opens, 1)
				assert.Equal(t, []string{"position_opened"}, h.alerter.events())
			}
		})
	}
}

func TestParseIdlePolicy(t *testing.T) {
	p, err := ParseIdlePolicy("")
	require.NoError(t, err)
	assert.Equal(t, IdleRecover, p)

	p, err = ParseIdlePolicy(" Always ")
	require.NoError(t, err)
	assert.Equal(t, IdleAlways, p)

	_, err = ParseIdlePolicy("sometimes")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOpenInitial(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{100}}, newFakeLedger(10, 1000))

	r, err := h.engine.OpenInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOpened, r.Outcome)
	require.Len(t, h.ledger.opens, 1)
	assert.InDelta(t, 95, h.ledger.opens[0].lower, 1e-9)
	assert.InDelta(t, 105, h.ledger.opens[0].upper, 1e-9)

	_, err = h.engine.OpenInitial(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyOpen)
	assert.Len(t, h.ledger.opens, 1)
}

func TestOpenInitialInsufficientFunds(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{100}}, newFakeLedger(0, 50))

	r, err := h.engine.OpenInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInsufficientFunds, r.Outcome)
	assert.Empty(t, h.ledger.opens)
}

func TestCloseWithdrawsHeldPosition(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{100}}, newFakeLedger(10, 1000))

	closed, err := h.engine.Close(context.Background())
	require.NoError(t, err)
	assert.False(t, closed, "nothing held")

	h.seed(t, "pos-0", 95, 105)
	closed, err = h.engine.Close(context.Background())
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, []string{"pos-0"}, h.ledger.withdrawals)
	assert.Equal(t, domain.EngineIdle, h.engine.Snapshot().State)
	assert.Equal(t, []string{"position_withdrawn"}, h.alerter.events())
	require.Equal(t, 1, h.recorder.count())
	assert.Equal(t, domain.OutcomeWithdrawn, h.recorder.reports[0].Outcome)
	assert.Zero(t, h.engine.Snapshot().Cycles, "close is not a scheduled cycle")
}

func TestCloseFailureKeepsPosition(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	ledger.withdrawErr = errors.New("rpc down")
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{100}}, ledger)
	h.seed(t, "pos-0", 95, 105)

	closed, err := h.engine.Close(context.Background())
	require.Error(t, err)
	assert.False(t, closed)
	assert.ErrorIs(t, err, domain.ErrLedgerOperationFailed)

	_, open := h.engine.store.Current()
	assert.True(t, open)
	assert.Equal(t, []string{"rebalance_failed"}, h.alerter.events())
	assert.Equal(t, StepWithdraw, h.recorder.reports[0].FailedStep)
}

func TestNotifierFailureDoesNotFailCycle(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, newFakeLedger(10, 1000))
	h.alerter.err = errors.New("discord down")
	h.seed(t, "pos-0", 95, 105)

	r := h.engine.Tick(context.Background())

	assert.Equal(t, domain.OutcomeRebalanced, r.Outcome)
	assert.Equal(t, time.Minute, r.NextDelay)
}

func TestNewEngineValidates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	cfg.RangeWidthPercent = 0
	cfg.Interval = 0

	_, err := NewEngine(cfg, Deps{}, logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "price oracle is required")
	assert.Contains(t, err.Error(), "interval must be positive")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	h := newHarness(t, cfg, &fakeOracle{prices: []float64{100}}, newFakeLedger(10, 1000))
	h.seed(t, "pos-0", 95, 105)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.recorder.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, h.engine.Snapshot().Cycles, int64(3))
}

func TestTickReopensAfterFailedReopen(t *testing.T) {
	for _, policy := range []IdlePolicy{IdleNever, IdleRecover} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := testConfig()
			cfg.IdlePolicy = policy
			ledger := newFakeLedger(10, 1000)
			h := newHarness(t, cfg, &fakeOracle{prices: []float64{100, 120}}, ledger)

			_, err := h.engine.OpenInitial(context.Background())
			require.NoError(t, err)

			ledger.mu.Lock()
			ledger.openErr = errors.New("slippage")
			ledger.mu.Unlock()
			r := h.engine.Tick(context.Background())
			require.Equal(t, domain.OutcomeFailed, r.Outcome)
			assert.Equal(t, StepOpen, r.FailedStep)
			assert.Equal(t, 5*time.Minute, r.NextDelay)
			assert.Equal(t, []string{"pos-1"}, ledger.withdrawals)

			ledger.mu.Lock()
			ledger.openErr = nil
			ledger.mu.Unlock()
			r = h.engine.Tick(context.Background())
			require.Equal(t, domain.OutcomeOpened, r.Outcome, r.Error)
			assert.Equal(t, time.Minute, r.NextDelay)
			assert.Len(t, ledger.opens, 2)
			assert.True(t, h.engine.store.IsInRange(120))

			// Nothing is owed once the position is back.
			_, err = h.engine.Close(context.Background())
			require.NoError(t, err)
			r = h.engine.Tick(context.Background())
			if policy == IdleNever {
				assert.Equal(t, domain.OutcomeIdle, r.Outcome)
			} else {
				assert.Equal(t, domain.OutcomeOpened, r.Outcome)
			}
		})
	}
}

func TestRunFinishesCycleInFlightOnCancel(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	ledger.withdrawing = make(chan struct{})
	ledger.release = make(chan struct{})
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{120}}, ledger)
	h.seed(t, "pos-0", 95, 105)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	select {
	case <-ledger.withdrawing:
	case <-time.After(time.Second):
		t.Fatal("cycle never reached the withdraw")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(ledger.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []string{"pos-0"}, ledger.withdrawals)
	assert.Len(t, ledger.opens, 1)
	snap := h.engine.Snapshot()
	require.NotNil(t, snap.LastReport)
	assert.Equal(t, domain.OutcomeRebalanced, snap.LastReport.Outcome)
	assert.Equal(t, domain.EngineHolding, snap.State)
	assert.Equal(t, 1, h.recorder.count())
}

func TestBootstrapWithoutFundsOpensOnceFunded(t *testing.T) {
	for _, policy := range []IdlePolicy{IdleNever, IdleRecover} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := testConfig()
			cfg.IdlePolicy = policy
			ledger := newFakeLedger(0, 0)
			h := newHarness(t, cfg, &fakeOracle{prices: []float64{100}}, ledger)

			r, err := h.engine.OpenInitial(context.Background())
			require.NoError(t, err)
			require.Equal(t, domain.OutcomeInsufficientFunds, r.Outcome)

			r = h.engine.Tick(context.Background())
			assert.Equal(t, domain.OutcomeInsufficientFunds, r.Outcome)
			assert.Equal(t, time.Minute, r.NextDelay)

			ledger.setBalances(10, 1000)
			r = h.engine.Tick(context.Background())
			require.Equal(t, domain.OutcomeOpened, r.Outcome, r.Error)
			assert.Len(t, ledger.opens, 1)

			assert.Equal(t, []string{"rebalance_skipped", "position_opened"}, h.alerter.events(),
				"a repeated skip is not notified twice")
		})
	}
}

func TestSkipAfterWithdrawAlwaysAlerts(t *testing.T) {
	ledger := newFakeLedger(0, 0)
	h := newHarness(t, testConfig(), &fakeOracle{prices: []float64{100, 120}}, ledger)
	_, err := h.engine.OpenInitial(context.Background())
	require.NoError(t, err)

	h.seed(t, "pos-0", 95, 105)
	r := h.engine.Tick(context.Background())

	require.Equal(t, domain.OutcomeInsufficientFunds, r.Outcome)
	require.NotNil(t, r.Withdrawn)
	assert.Equal(t, []string{"rebalance_skipped", "rebalance_skipped"}, h.alerter.events())
}

func TestReopenRecordsAlignedBand(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := NewEngine(testConfig(), Deps{
		Oracle: &fakeOracle{prices: []float64{100}},
		Ledger: gridLedger{fakeLedger: ledger, step: 10},
	}, logger)
	require.NoError(t, err)

	r, err := e.OpenInitial(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeOpened, r.Outcome)

	require.Len(t, ledger.opens, 1)
	assert.Equal(t, 90.0, ledger.opens[0].lower)
	assert.Equal(t, 110.0, ledger.opens[0].upper)

	pos, open := e.store.Current()
	require.True(t, open)
	assert.Equal(t, 90.0, pos.LowerBound)
	assert.Equal(t, 110.0, pos.UpperBound)
	assert.Equal(t, 90.0, r.Opened.LowerBound)
	assert.True(t, e.store.IsInRange(107), "inside the minted band, outside the nominal one")
}

func TestReopenAlignFailure(t *testing.T) {
	ledger := newFakeLedger(10, 1000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := NewEngine(testConfig(), Deps{
		Oracle: &fakeOracle{prices: []float64{100}},
		Ledger: gridLedger{fakeLedger: ledger, step: -1},
	}, logger)
	require.NoError(t, err)

	r, err := e.OpenInitial(context.Background())
	require.Error(t, err)
	assert.Equal(t, StepRange, r.FailedStep)
	assert.Empty(t, ledger.opens)
}
