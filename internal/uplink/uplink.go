// Package uplink implements the Uplink collaborator spec.md §6 treats as
// external: a sink the scheduler hands raw frame bytes to when a
// destination resolves to ADDR_WIFI/ADDR_4G, plus the periodic
// routing-table snapshot announced to it.
//
// Modeled on the teacher's igate.go periodic beacon task (it re-sends a
// position/status beacon to the IS on a timer whenever the connection is
// healthy) generalized into a routing-snapshot emitter.
package uplink

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/routing"
)

// DefaultRoutingSnapshotDelay is ROUTING_TABLE_UPDATE_DELAY from the
// configuration table.
const DefaultRoutingSnapshotDelay = 30 * time.Second

// maxEntriesPerSnapshot caps each routing-table snapshot frame to 5
// entries per spec.md §4.H.
const maxEntriesPerSnapshot = 5

// Sink is the narrow contract for wherever a gateway/client's bytes
// ultimately go — a raw socket, a KISS-over-TCP bridge, a cellular modem.
// Matches spec.md §6's `connected()` / `send(bytes, len)` shape.
type Sink interface {
	Connected() bool
	Send(data []byte) bool
}

// SnapshotEmitter periodically sends a routing-table snapshot to a Sink.
type SnapshotEmitter struct {
	local proto.Address
	role  proto.Role
	table *routing.Table
	sink  Sink
	codec *proto.Codec
	delay time.Duration
	log   *log.Logger
}

// NewSnapshotEmitter builds an emitter that ticks every delay; a delay
// of zero or less selects DefaultRoutingSnapshotDelay.
func NewSnapshotEmitter(local proto.Address, role proto.Role, table *routing.Table, sink Sink, codec *proto.Codec, delay time.Duration, logger *log.Logger) *SnapshotEmitter {
	if delay <= 0 {
		delay = DefaultRoutingSnapshotDelay
	}
	return &SnapshotEmitter{local: local, role: role, table: table, sink: sink, codec: codec, delay: delay, log: logger}
}

// Run ticks every e.delay, emitting snapshots while the sink is healthy.
func (e *SnapshotEmitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emit()
		}
	}
}

func (e *SnapshotEmitter) emit() {
	if e.sink == nil || !e.sink.Connected() {
		return
	}

	nodes := e.table.AllNodes()
	if len(nodes) == 0 {
		e.sendChunk(nil)
		return
	}
	for off := 0; off < len(nodes); off += maxEntriesPerSnapshot {
		end := off + maxEntriesPerSnapshot
		if end > len(nodes) {
			end = len(nodes)
		}
		tuples := make([]proto.RouteTuple, 0, end-off)
		for _, n := range nodes[off:end] {
			tuples = append(tuples, proto.RouteTuple{Address: n.Address, Metric: n.Metric, Role: n.Role})
		}
		e.sendChunk(tuples)
	}
}

func (e *SnapshotEmitter) sendChunk(tuples []proto.RouteTuple) {
	payload := proto.EncodeHelloPayload(e.role, tuples)
	pkt := &proto.Packet{Dst: proto.Broadcast, Src: e.local, Kind: proto.KindRouteTable, Payload: payload}
	pkt.PacketSize = uint8(proto.HeaderLen(pkt.Kind) + len(payload))

	encoded, err := e.codec.Encode(pkt)
	if err != nil {
		e.log.Error("cannot encode routing snapshot", "err", err)
		return
	}
	if !e.sink.Send(encoded) {
		e.log.Debug("uplink rejected routing snapshot")
	}
}
