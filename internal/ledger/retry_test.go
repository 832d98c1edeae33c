package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

type flakyLedger struct {
	failures int
	calls    map[string]int
}

func (f *flakyLedger) fail(op string) error {
	f.calls[op]++
	if f.calls[op] <= f.failures {
		return domain.ErrLedgerOperationFailed
	}
	return nil
}

func (f *flakyLedger) GetBalance(context.Context, string) (float64, error) {
	if err := f.fail("balance"); err != nil {
		return 0, err
	}
	return 42, nil
}

func (f *flakyLedger) CreateAccount(_ context.Context, asset string) (string, error) {
	if err := f.fail("account"); err != nil {
		return "", err
	}
	return "acct-" + asset, nil
}

func (f *flakyLedger) OpenPosition(context.Context, float64, float64, float64, float64) (string, error) {
	return "", f.fail("open")
}

func (f *flakyLedger) WithdrawPosition(context.Context, string) (bool, error) {
	return false, f.fail("withdraw")
}

func newGateway(failures int, policy RetryPolicy) (*RetryingGateway, *flakyLedger, *[]time.Duration) {
	inner := &flakyLedger{failures: failures, calls: map[string]int{}}
	g := WithRetry(inner, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return g, inner, &slept
}

func TestBackoff(t *testing.T) {
	p := DefaultRetryPolicy
	assert.Equal(t, time.Second, p.Backoff(-1))
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 60*time.Second, p.Backoff(10))
	assert.Equal(t, 60*time.Second, p.Backoff(100))
}

func TestRetryingGatewayRetriesIdempotentCalls(t *testing.T) {
	g, inner, slept := newGateway(2, DefaultRetryPolicy)

	bal, err := g.GetBalance(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 42.0, bal)
	assert.Equal(t, 3, inner.calls["balance"])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)

	handle, err := g.CreateAccount(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "acct-B", handle)
}

func TestRetryingGatewayGivesUp(t *testing.T) {
	g, inner, _ := newGateway(5, RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond})

	_, err := g.GetBalance(context.Background(), "A")
	assert.ErrorIs(t, err, domain.ErrLedgerOperationFailed)
	assert.Equal(t, 2, inner.calls["balance"])
}

func TestRetryingGatewayDoesNotRetryFundMovements(t *testing.T) {
	g, inner, _ := newGateway(1, DefaultRetryPolicy)

	_, err := g.OpenPosition(context.Background(), 1, 2, 1, 1)
	assert.Error(t, err)
	_, err = g.WithdrawPosition(context.Background(), "pos")
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls["open"])
	assert.Equal(t, 1, inner.calls["withdraw"])
}

func TestRetryingGatewayStopsOnCancel(t *testing.T) {
	g, inner, _ := newGateway(5, DefaultRetryPolicy)
	g.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := g.GetBalance(context.Background(), "A")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerOperationFailed))
	assert.Equal(t, 1, inner.calls["balance"])
}

type gridLedger struct{ flakyLedger }

func (gridLedger) AlignRange(lower, upper float64) (float64, float64, error) {
	return lower - 1, upper + 1, nil
}

func TestRetryingGatewayAlignRange(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g := WithRetry(&gridLedger{}, DefaultRetryPolicy, logger)
	lo, hi, err := g.AlignRange(10, 20)
	require.NoError(t, err)
	assert.Equal(t, 9.0, lo)
	assert.Equal(t, 21.0, hi)

	plain, _, _ := newGateway(0, DefaultRetryPolicy)
	lo, hi, err = plain.AlignRange(10, 20)
	require.NoError(t, err)
	assert.Equal(t, 10.0, lo)
	assert.Equal(t, 20.0, hi)
}
