package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/metrics"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/types"
)

func TestEventCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.NewEventCollector("randao", reg)
	require.NoError(t, err)

	ctx := context.Background()
	c.Emit(ctx, randao.RandomnessRequested{Group: 1, Request: 0})
	c.Emit(ctx, randao.MemberSlashed{Group: 1, Account: common.HexToAddress("0x01"), Amount: uint256.NewInt(50), Reason: types.OutcomeCommitted})
	c.Emit(ctx, randao.MemberSlashed{Group: 1, Account: common.HexToAddress("0x02"), Amount: uint256.NewInt(10), Reason: types.OutcomeAbsent})
	c.Emit(ctx, randao.RandomnessFulfilled{Group: 1})
	c.Emit(ctx, randao.MembershipChanged{Group: 1, Added: []common.Address{{1}, {2}}})

	count, err := testutil.GatherAndCount(reg, "randao_events_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 5.0, values["randao_events_total"])
	assert.Equal(t, 2.0, values["randao_slashes_total"])
	assert.Equal(t, 60.0, values["randao_slashed_amount_total"])
	assert.Equal(t, 1.0, values["randao_requests_total"])
	assert.Equal(t, 1.0, values["randao_fulfillments_total"])
	assert.Equal(t, 2.0, values["randao_membership_changes_total"])
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := metrics.NewEventCollector("randao", reg)
	require.NoError(t, err)
	b, err := metrics.NewEventCollector("randao", reg)
	require.NoError(t, err)

	a.Emit(context.Background(), randao.GroupUpdated{Group: 1})
	b.Emit(context.Background(), randao.GroupUpdated{Group: 1})

	count, err := testutil.GatherAndCount(reg, "randao_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewRequestMetrics("randao", reg)
	require.NoError(t, err)

	m.Observe("GET /counters", 200, 5*time.Millisecond)
	m.Observe("GET /counters", 200, 5*time.Millisecond)
	m.Observe("GET /counters", 404, time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "randao_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
