package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/meshd/internal/proto"
)

// Test_twoNodeHello reproduces scenario 1 from the routing engine's
// testable properties: A=1, B=2, empty tables, B emits an empty hello,
// A receives it with SNR=10.
func Test_twoNodeHello(t *testing.T) {
	a := New(Config{Local: 1})

	a.ProcessRouteFrame(2, proto.RoleDefault, 10, nil)

	entry, ok := a.Find(2)
	require.True(t, ok)
	assert.Equal(t, proto.Address(2), entry.Via)
	assert.Equal(t, uint8(1), entry.Metric)
	assert.Equal(t, proto.RoleDefault, entry.Role)
	assert.Equal(t, 10.0, entry.LastSNR)
}

// Test_threeNodeRelay reproduces scenario 2: B knows C at metric 1, B's
// hello lists (addr=3, metric=1, role=0); A receives it from B and
// should gain a route to C at metric 2 via B.
func Test_threeNodeRelay(t *testing.T) {
	a := New(Config{Local: 1})

	a.ProcessRouteFrame(2, proto.RoleDefault, 8, []proto.RouteTuple{
		{Address: 3, Metric: 1, Role: proto.RoleDefault},
	})

	entry, ok := a.Find(3)
	require.True(t, ok)
	assert.Equal(t, proto.Address(2), entry.Via)
	assert.Equal(t, uint8(2), entry.Metric)
}

func Test_ignoresSelfAddress(t *testing.T) {
	a := New(Config{Local: 1})
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 1, Metric: 1, Role: proto.RoleDefault},
	})
	_, ok := a.Find(1)
	assert.False(t, ok)
}

func Test_keepsExistingWhenStrictlyBetter(t *testing.T) {
	a := New(Config{Local: 1})
	// A learns node 4 at metric 2 via B.
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 4, Metric: 1, Role: proto.RoleDefault},
	})
	// C offers the same node 4 at a worse metric (3).
	a.ProcessRouteFrame(3, proto.RoleDefault, 20, []proto.RouteTuple{
		{Address: 4, Metric: 2, Role: proto.RoleDefault},
	})

	entry, _ := a.Find(4)
	assert.Equal(t, proto.Address(2), entry.Via)
	assert.Equal(t, uint8(2), entry.Metric)
}

func Test_replacesOnBetterMetric(t *testing.T) {
	a := New(Config{Local: 1})
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 4, Metric: 2, Role: proto.RoleDefault},
	})
	a.ProcessRouteFrame(3, proto.RoleDefault, 1, []proto.RouteTuple{
		{Address: 4, Metric: 1, Role: proto.RoleDefault},
	})

	entry, _ := a.Find(4)
	assert.Equal(t, proto.Address(3), entry.Via)
	assert.Equal(t, uint8(2), entry.Metric)
}

func Test_replacesOnSameMetricBetterSNR(t *testing.T) {
	a := New(Config{Local: 1})
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 4, Metric: 1, Role: proto.RoleDefault},
	})
	// Same resulting metric (2) via C, but C's link SNR is better.
	a.ProcessRouteFrame(3, proto.RoleDefault, 20, []proto.RouteTuple{
		{Address: 4, Metric: 1, Role: proto.RoleDefault},
	})

	entry, _ := a.Find(4)
	assert.Equal(t, proto.Address(3), entry.Via)
	assert.Equal(t, 20.0, entry.LastSNR)
}

func Test_agreeingViaJustResetsTimeout(t *testing.T) {
	a := New(Config{Local: 1, Timeout: time.Millisecond})
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 4, Metric: 1, Role: proto.RoleDefault},
	})
	first, _ := a.Find(4)

	time.Sleep(2 * time.Millisecond)
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 4, Metric: 1, Role: proto.RoleDefault},
	})
	second, _ := a.Find(4)

	assert.Equal(t, first.Metric, second.Metric)
	assert.True(t, second.TimeoutDeadline.After(first.TimeoutDeadline))
}

func Test_idempotentHelloProcessing(t *testing.T) {
	a := New(Config{Local: 1})
	tuples := []proto.RouteTuple{{Address: 4, Metric: 1, Role: proto.RoleClient}}

	a.ProcessRouteFrame(2, proto.RoleDefault, 5, tuples)
	first, _ := a.Find(4)

	a.ProcessRouteFrame(2, proto.RoleDefault, 5, tuples)
	second, _ := a.Find(4)

	assert.Equal(t, first.Via, second.Via)
	assert.Equal(t, first.Metric, second.Metric)
	assert.False(t, second.TimeoutDeadline.Before(first.TimeoutDeadline))
}

func Test_expireStale_removesPastDeadlineAndNotifies(t *testing.T) {
	a := New(Config{Local: 1, Timeout: time.Millisecond, Cycles: 1})

	var removed []Entry
	a.OnRemove(func(e Entry) { removed = append(removed, e) })

	a.ProcessRouteFrame(2, proto.RoleDefault, 5, nil)
	require.Equal(t, 1, a.Size())

	time.Sleep(5 * time.Millisecond)
	got := a.ExpireStale(time.Now())

	require.Len(t, got, 1)
	assert.Equal(t, proto.Address(2), got[0].Address)
	assert.Equal(t, 0, a.Size())
	require.Len(t, removed, 1)
}

func Test_capacityRejection(t *testing.T) {
	a := New(Config{Local: 1, MaxSize: 1})

	a.ProcessRouteFrame(2, proto.RoleDefault, 5, nil) // fills the table at metric 1.
	a.ProcessRouteFrame(3, proto.RoleDefault, 5, nil) // neighbor at metric 1 too: not strictly better.

	require.Equal(t, 1, a.Size())
	_, ok := a.Find(3)
	assert.False(t, ok)
}

func Test_bestByRole_tieBreaksOnSNR(t *testing.T) {
	a := New(Config{Local: 1})
	a.ProcessRouteFrame(2, proto.RoleClient, 5, nil)
	a.ProcessRouteFrame(3, proto.RoleClient, 20, nil)

	best, ok := a.BestByRole(proto.RoleClient)
	require.True(t, ok)
	assert.Equal(t, proto.Address(3), best.Address)
}

func Test_updateRTT_firstSampleAndSubsequent(t *testing.T) {
	a := New(Config{Local: 1})
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, nil)

	ok := a.UpdateRTT(2, 100*time.Millisecond)
	require.True(t, ok)
	e, _ := a.Find(2)
	assert.Equal(t, 100*time.Millisecond, e.SRTT)
	assert.Equal(t, 50*time.Millisecond, e.RTTVAR)

	a.UpdateRTT(2, 200*time.Millisecond)
	e2, _ := a.Find(2)
	assert.NotEqual(t, e.SRTT, e2.SRTT)
}

func Test_invariant_metricAtLeastOneAndNeighborViaIsSelf(t *testing.T) {
	a := New(Config{Local: 1})
	a.ProcessRouteFrame(2, proto.RoleDefault, 5, []proto.RouteTuple{
		{Address: 9, Metric: 5, Role: proto.RoleDefault},
	})

	for _, e := range a.AllNodes() {
		assert.GreaterOrEqual(t, e.Metric, uint8(1))
		if e.Metric == 1 {
			assert.Equal(t, e.Address, e.Via)
		}
	}
}
