package transport

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/routing"
	"github.com/loramesh/meshd/internal/stats"
)

type capturingInbox struct {
	delivered []*proto.Packet
}

func (c *capturingInbox) Deliver(pkt *proto.Packet) { c.delivered = append(c.delivered, pkt) }

// directSender routes every pushed frame straight into the peer
// Manager's matching state-machine entry point, standing in for the
// scheduler+radio+dispatcher chain so these tests exercise only the
// transport state machines. dropXLNumber with dropOnce/dropPersistent
// lets a test simulate a specific XL_DATA fragment going missing on air.
type directSender struct {
	peer *Manager

	dropXLNumber   uint16 // if non-zero, XL_DATA with this number is dropped.
	dropOnce       bool   // drop exactly the next matching frame, then stop dropping.
	dropPersistent bool   // drop every matching frame, forever.

	pending int
}

func (s *directSender) Len() int { return s.pending }

func (s *directSender) Push(pkt *proto.Packet, _ int) {
	if pkt.Kind == proto.KindXLData && pkt.Number == s.dropXLNumber {
		if s.dropPersistent {
			return
		}
		if s.dropOnce {
			s.dropOnce = false
			return
		}
	}
	switch pkt.Kind {
	case proto.KindSync:
		s.peer.OnSync(pkt.Src, pkt.SeqID, pkt.Number)
	case proto.KindXLData:
		s.peer.OnFragment(pkt.Src, pkt.SeqID, pkt.Number, pkt.Payload)
	case proto.KindAck:
		s.peer.OnAck(pkt.Src, pkt.SeqID, pkt.Number)
	case proto.KindLost:
		s.peer.OnLost(pkt.Src, pkt.SeqID, pkt.Number)
	}
}

func newPair(t *testing.T) (a *Manager, b *Manager, aInbox, bInbox *capturingInbox, aSender, bSender *directSender) {
	t.Helper()
	tableA := routing.New(routing.Config{Local: 1})
	tableB := routing.New(routing.Config{Local: 2})
	tableA.ProcessRouteFrame(2, proto.RoleDefault, 10, nil)
	tableB.ProcessRouteFrame(1, proto.RoleDefault, 10, nil)

	aInbox = &capturingInbox{}
	bInbox = &capturingInbox{}
	codec := proto.NewCodec(proto.WithMaxFrameSize(100))
	logger := log.New(io.Discard)

	aSender = &directSender{}
	bSender = &directSender{}

	a = New(1, tableA, aSender, aInbox, codec, &stats.Counters{}, logger)
	b = New(2, tableB, bSender, bInbox, codec, &stats.Counters{}, logger)

	aSender.peer = b
	bSender.peer = a
	return
}

func Test_smallReliableTransfer_deliversWholePayload(t *testing.T) {
	a, _, _, bInbox, _, _ := newPair(t)

	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}

	err := a.SendReliable(2, payload)
	require.NoError(t, err)

	require.Len(t, bInbox.delivered, 1)
	assert.Equal(t, payload, bInbox.delivered[0].Payload)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.wsp, "sequence context should be destroyed on completion")
}

func Test_lostFragment_retransmittedThenCompletes(t *testing.T) {
	a, _, _, bInbox, aSender, _ := newPair(t)

	payload := make([]byte, 250)
	aSender.dropXLNumber = 2
	aSender.dropOnce = true

	err := a.SendReliable(2, payload)
	require.NoError(t, err)

	// The dropped fragment never reached B, so B's receive context is
	// still open and below full count; drive its timeout handler
	// directly to emit LOST(2), which unsticks the sender.
	a.mu.Lock()
	var seqID uint8
	for k := range a.wsp {
		seqID = k.seqID
	}
	a.mu.Unlock()
	_ = seqID

	b := aSenderPeer(aSender)
	b.mu.Lock()
	for k, ctx := range b.wrp {
		ctx.deadline = time.Now().Add(-time.Millisecond)
		b.mu.Unlock()
		b.recvTimeout(k)
		b.mu.Lock()
	}
	b.mu.Unlock()

	require.Len(t, bInbox.delivered, 1)
	assert.Equal(t, payload, bInbox.delivered[0].Payload)
}

func aSenderPeer(s *directSender) *Manager { return s.peer }

func Test_senderGivesUp_afterMaxTimeouts(t *testing.T) {
	a, _, _, _, aSender, _ := newPair(t)

	payload := make([]byte, 250)
	aSender.dropXLNumber = 2
	aSender.dropPersistent = true // every retransmit of XL(2) is also lost.

	err := a.SendReliable(2, payload)
	require.NoError(t, err)

	var key sendKey
	a.mu.Lock()
	for k := range a.wsp {
		key = k
	}
	a.mu.Unlock()

	for i := 0; i < MaxTimeouts; i++ {
		a.mu.Lock()
		if ctx, ok := a.wsp[key]; ok {
			ctx.deadline = time.Now().Add(-time.Millisecond)
		}
		a.mu.Unlock()
		a.sendTimeout(key)
	}

	a.mu.Lock()
	_, stillPresent := a.wsp[key]
	a.mu.Unlock()
	assert.False(t, stillPresent, "sender context must be destroyed after MaxTimeouts")

	snap := a.stats.Snapshot()
	assert.Equal(t, int64(1), snap.DeliveryFailed)
}

func Test_nextHopLoss_tearsDownSequenceOnExpiry(t *testing.T) {
	tableA := routing.New(routing.Config{Local: 1, Timeout: time.Millisecond, Cycles: 1})
	tableA.ProcessRouteFrame(2, proto.RoleDefault, 10, nil)

	inbox := &capturingInbox{}
	codec := proto.NewCodec(proto.WithMaxFrameSize(100))
	sender := &directSender{}
	m := New(1, tableA, sender, inbox, codec, &stats.Counters{}, log.New(io.Discard))
	sender.peer = m // loops back to itself; irrelevant, SYNC send is enough to register.

	require.NoError(t, m.SendReliable(2, []byte("hello mesh")))

	m.mu.Lock()
	require.Len(t, m.wsp, 1)
	m.mu.Unlock()

	m.table.OnRemove(m.TeardownPeer)

	time.Sleep(5 * time.Millisecond)
	removed := m.table.ExpireStale(time.Now())
	require.Len(t, removed, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.wsp, "sequence context must be torn down when its next hop expires")
}
