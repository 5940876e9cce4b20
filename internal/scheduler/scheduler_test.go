package scheduler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/meshd/internal/destination"
	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/queue"
	"github.com/loramesh/meshd/internal/radio"
	"github.com/loramesh/meshd/internal/radio/memlink"
	"github.com/loramesh/meshd/internal/routing"
	"github.com/loramesh/meshd/internal/stats"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(_ radio.Frame, _ *proto.Packet) {}

func newScheduler(t *testing.T, local proto.Address, link *memlink.Link, dutyPct int) (*Scheduler, *queue.Queue, *routing.Table) {
	t.Helper()
	table := routing.New(routing.Config{Local: local})
	sendQ := queue.New()
	sel := destination.New(local, proto.RoleDefault, table)
	logger := log.New(io.Discard)

	cfg := Config{Local: local, LocalRole: proto.RoleDefault, DutyCyclePct: dutyPct, HelloDelay: time.Hour}
	sched := New(cfg, link, proto.NewCodec(), table, sendQ, sel, nil, noopDispatcher{}, &stats.Counters{}, logger, func() []proto.RouteTuple { return nil })
	return sched, sendQ, table
}

func Test_dutyCyclePacing_entersGapBetweenTransmits(t *testing.T) {
	medium := memlink.NewMedium(10, 10)
	link := memlink.New(medium)
	defer link.Close()
	peer := memlink.New(medium) // observes when each frame arrives on air.
	defer peer.Close()

	sched, sendQ, table := newScheduler(t, 1, link, 50) // 50% duty cycle.
	table.ProcessRouteFrame(2, proto.RoleDefault, 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.txLoop(ctx)

	pkt1 := &proto.Packet{Dst: 2, Src: 1, Kind: proto.KindData, Payload: []byte("hi")}
	pkt1.PacketSize = uint8(proto.HeaderLen(pkt1.Kind) + len(pkt1.Payload))
	pkt2 := &proto.Packet{Dst: 2, Src: 1, Kind: proto.KindData, Payload: []byte("hi")}
	pkt2.PacketSize = pkt1.PacketSize

	toa := link.TimeOnAir(int(pkt1.PacketSize))
	expectedGap := time.Duration(int64(toa) * 50 / 100)

	sendQ.Push(pkt1, 10)
	sendQ.Push(pkt2, 10)

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	_, err := peer.Receive(rctx)
	require.NoError(t, err)
	first := time.Now()
	_, err = peer.Receive(rctx)
	require.NoError(t, err)
	elapsed := time.Since(first)

	// The second frame ends only after the pacing sleep and its own time
	// on air (plus its pre-TX listen), so the two arrivals are at least
	// toa + duty-cycle gap apart.
	assert.GreaterOrEqual(t, elapsed, toa+expectedGap)
}

func Test_resolveForward_unreachableDrops(t *testing.T) {
	medium := memlink.NewMedium(10, 10)
	link := memlink.New(medium)
	defer link.Close()

	sched, _, _ := newScheduler(t, 1, link, 10)

	pkt := &proto.Packet{Dst: 99, Src: 1, Kind: proto.KindData}
	ok := sched.resolveForward(pkt)
	assert.False(t, ok)
}

func Test_resolveForward_broadcastHelloPassesThrough(t *testing.T) {
	medium := memlink.NewMedium(10, 10)
	link := memlink.New(medium)
	defer link.Close()

	sched, _, _ := newScheduler(t, 1, link, 10)

	pkt := &proto.Packet{Dst: proto.Broadcast, Src: 1, Kind: proto.KindHello}
	ok := sched.resolveForward(pkt)
	assert.True(t, ok)
}

func Test_resolveForward_dataToKnownNeighborSetsVia(t *testing.T) {
	medium := memlink.NewMedium(10, 10)
	link := memlink.New(medium)
	defer link.Close()

	sched, _, table := newScheduler(t, 1, link, 10)
	table.ProcessRouteFrame(2, proto.RoleDefault, 5, nil)

	pkt := &proto.Packet{Dst: 2, Src: 1, Kind: proto.KindData}
	ok := sched.resolveForward(pkt)
	require.True(t, ok)
	assert.Equal(t, proto.Address(2), pkt.Via)
}

func Test_resolveForward_broadcastSendResolvesViaDestinationSelector(t *testing.T) {
	medium := memlink.NewMedium(10, 10)
	link := memlink.New(medium)
	defer link.Close()

	sched, _, _ := newScheduler(t, 1, link, 10)
	sched.cfg.LocalRole = proto.RoleClient
	sched.dest = destination.New(1, proto.RoleClient, sched.table)

	pkt := &proto.Packet{Dst: proto.Broadcast, Src: 1, Kind: proto.KindData}
	ok := sched.resolveForward(pkt)
	require.True(t, ok)
	assert.Equal(t, proto.WiFiUplink, pkt.Dst)
}
