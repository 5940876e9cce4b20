// Package dispatch implements the frame classifier that decides, for
// every frame the scheduler receives, whether it feeds the routing
// table, the reliable-transport state machines, the local application
// inbox, or gets forwarded or dropped.
//
// Modeled on the teacher's central classification performed inline in
// kissnet.go/server.go's read loops, pulled out into its own component
// per the routing engine's dispatcher design.
package dispatch

import (
	"github.com/charmbracelet/log"

	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/queue"
	"github.com/loramesh/meshd/internal/radio"
	"github.com/loramesh/meshd/internal/routing"
	"github.com/loramesh/meshd/internal/stats"
)

// ReliableTransport is the subset of the transport manager the
// dispatcher drives: one call per control-kind it receives.
type ReliableTransport interface {
	OnAck(src proto.Address, seqID uint8, number uint16)
	OnLost(src proto.Address, seqID uint8, number uint16)
	OnSync(src proto.Address, seqID uint8, count uint16)
	OnFragment(src proto.Address, seqID uint8, number uint16, payload []byte)
}

// AppInbox is where plain application payloads land for Engine.Receive.
type AppInbox interface {
	Deliver(pkt *proto.Packet)
}

// Dispatcher classifies every received frame per spec.md §4.E.
type Dispatcher struct {
	local     proto.Address
	table     *routing.Table
	sendQ     *queue.Queue // forward/ACK emission goes back onto the send queue.
	transport ReliableTransport
	app       AppInbox
	stats     *stats.Counters
	log       *log.Logger
}

// New builds a Dispatcher.
func New(local proto.Address, table *routing.Table, sendQ *queue.Queue, transport ReliableTransport, app AppInbox, st *stats.Counters, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		local:     local,
		table:     table,
		sendQ:     sendQ,
		transport: transport,
		app:       app,
		stats:     st,
		log:       logger,
	}
}

// forwardPriority is below hello/retry traffic but above everything else:
// forwarded frames are this node's highest ordinary-traffic duty.
const forwardPriority = queue.MaxPriority - 2

// Dispatch classifies one received, decoded frame.
func (d *Dispatcher) Dispatch(frame radio.Frame, pkt *proto.Packet) {
	switch pkt.Kind {
	case proto.KindHello, proto.KindRouteTable:
		d.dispatchHello(frame, pkt)
		return
	}

	if pkt.Dst == d.local {
		d.dispatchLocal(pkt)
		return
	}

	if pkt.Dst == proto.Broadcast {
		// Broadcast-addressed unicast data is never forwarded by design.
		return
	}

	if pkt.Via == d.local && pkt.Dst != d.local {
		d.forward(pkt)
		return
	}

	d.stats.IncDroppedNotForMe()
	d.log.Debug("dropping frame not for this node", "dst", pkt.Dst, "via", pkt.Via)
}

func (d *Dispatcher) dispatchHello(frame radio.Frame, pkt *proto.Packet) {
	role, tuples, err := proto.DecodeHelloPayload(pkt.Payload)
	if err != nil {
		d.log.Debug("dropping malformed hello payload", "err", err)
		return
	}
	d.table.ProcessRouteFrame(pkt.Src, role, frame.SNR, tuples)
}

func (d *Dispatcher) dispatchLocal(pkt *proto.Packet) {
	switch pkt.Kind {
	case proto.KindData:
		d.app.Deliver(pkt)
	case proto.KindNeedAck:
		d.app.Deliver(pkt)
		d.emitAck(pkt)
	case proto.KindAck:
		d.transport.OnAck(pkt.Src, pkt.SeqID, pkt.Number)
	case proto.KindLost:
		d.transport.OnLost(pkt.Src, pkt.SeqID, pkt.Number)
	case proto.KindSync:
		d.transport.OnSync(pkt.Src, pkt.SeqID, pkt.Number)
	case proto.KindXLData:
		d.transport.OnFragment(pkt.Src, pkt.SeqID, pkt.Number, pkt.Payload)
	default:
		d.log.Debug("dropping unrecognized local-destined kind", "kind", pkt.Kind)
	}
}

func (d *Dispatcher) emitAck(pkt *proto.Packet) {
	ack := &proto.Packet{
		Dst:  pkt.Src,
		Src:  d.local,
		Kind: proto.KindAck,
	}
	ack.PacketSize = uint8(proto.HeaderLen(ack.Kind))
	d.sendQ.Push(ack, queue.MaxPriority)
}

func (d *Dispatcher) forward(pkt *proto.Packet) {
	d.stats.IncForwarded()
	d.sendQ.Push(pkt, forwardPriority)
}
