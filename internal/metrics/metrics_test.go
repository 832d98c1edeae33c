package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

func TestRecordCycle(t *testing.T) {
	r := NewRecorder()
	start := time.Now()

	r.RecordCycle(context.Background(), domain.CycleReport{
		PoolID:     "p",
		StartedAt:  start,
		FinishedAt: start.Add(200 * time.Millisecond),
		Price:      120,
		Outcome:    domain.OutcomeRebalanced,
		Opened:     &domain.Position{LowerBound: 114, UpperBound: 126},
		State:      domain.EngineHolding,
		NextDelay:  time.Minute,
	})
	r.RecordCycle(context.Background(), domain.CycleReport{
		PoolID:     "p",
		StartedAt:  start,
		FinishedAt: start,
		Outcome:    domain.OutcomeFailed,
		FailedStep: 1,
		State:      domain.EngineHolding,
		NextDelay:  5 * time.Minute,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("p", "rebalanced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("p", "1")))
	assert.Equal(t, 120.0, testutil.ToFloat64(r.price.WithLabelValues("p")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.positionOpen.WithLabelValues("p")))
	assert.Equal(t, 126.0, testutil.ToFloat64(r.upperBound.WithLabelValues("p")))
	assert.Equal(t, 300.0, testutil.ToFloat64(r.backoff.WithLabelValues("p")))

	r.RecordCycle(context.Background(), domain.CycleReport{
		PoolID:  "p",
		Outcome: domain.OutcomeInsufficientFunds,
		State:   domain.EngineIdle,
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.positionOpen.WithLabelValues("p")))
}

func TestHandlerServesRegistry(t *testing.T) {
	r := NewRecorder()
	r.RecordCycle(context.Background(), domain.CycleReport{PoolID: "p", Outcome: domain.OutcomeInRange})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `clmm_cycles_total{outcome="in_range",pool="p"} 1`)
}
