// Package scheduler implements the half-duplex radio scheduler: the
// single owner of a radio.Link, running three cooperating loops
// (receive, transmit, hello) modeled on the teacher repo's
// xmit_thread/wait_for_clear_channel pair in xmit.go, rewritten around
// this engine's own collision-avoidance and duty-cycle formulas.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loramesh/meshd/internal/destination"
	"github.com/loramesh/meshd/internal/logging"
	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/queue"
	"github.com/loramesh/meshd/internal/radio"
	"github.com/loramesh/meshd/internal/routing"
	"github.com/loramesh/meshd/internal/stats"
)

// MaxResendPacket is MAX_RESEND_PACKET from the configuration table.
const MaxResendPacket = 3

// Uplink is the narrow sink the scheduler hands frame bytes to when a
// destination resolves to ADDR_WIFI/ADDR_4G instead of a mesh node.
type Uplink interface {
	Connected() bool
	Send(data []byte) bool
}

// Dispatcher receives inbound frames pulled off the radio by rxLoop.
type Dispatcher interface {
	Dispatch(from radio.Frame, pkt *proto.Packet)
}

// Config bundles the scheduler's fixed parameters, all from the
// configuration table in spec.md §6.
type Config struct {
	Local        proto.Address
	LocalRole    proto.Role
	DutyCyclePct int // 0..100
	HelloDelay   time.Duration
}

// Scheduler owns a radio.Link exclusively; every other component
// interacts with the radio only by enqueueing frames onto SendQueue.
type Scheduler struct {
	cfg    Config
	link   radio.Link
	codec  *proto.Codec
	table  *routing.Table
	sendQ  *queue.Queue
	dest   *destination.Selector
	uplink Uplink
	disp   Dispatcher
	stats  *stats.Counters
	log    *log.Logger

	helloSource func() []proto.RouteTuple

	rng *rand.Rand
}

// New builds a Scheduler. helloSource is called by the hello loop each
// tick to obtain the tuples to advertise (normally routing.Table.AllNodes
// mapped down to RouteTuple).
func New(cfg Config, link radio.Link, codec *proto.Codec, table *routing.Table, sendQ *queue.Queue, dest *destination.Selector, up Uplink, disp Dispatcher, st *stats.Counters, logger *log.Logger, helloSource func() []proto.RouteTuple) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		link:        link,
		codec:       codec,
		table:       table,
		sendQ:       sendQ,
		dest:        dest,
		uplink:      up,
		disp:        disp,
		stats:       st,
		log:         logger,
		helloSource: helloSource,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts rxLoop, txLoop, and helloLoop and blocks until ctx is done
// or one of them exits, then waits for the others to unwind.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, 3)
	go func() { s.rxLoop(ctx); done <- struct{}{} }()
	go func() { s.txLoop(ctx); done <- struct{}{} }()
	go func() { s.helloLoop(ctx); done <- struct{}{} }()
	<-done
	<-done
	<-done
}

// rxLoop is the receive-ISR-to-task half: it blocks on Link.Receive,
// decodes the frame, and hands it to the dispatcher. A driver failure
// reinitializes the radio and retries.
func (s *Scheduler) rxLoop(ctx context.Context) {
	for {
		frame, err := s.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, radio.ErrDriverFailure) {
				s.log.Warn("radio receive failed, reinitializing", "err", err)
				if rerr := s.link.Reinit(); rerr != nil {
					s.log.Error("radio reinit failed", "err", rerr)
				}
				continue
			}
			continue
		}

		pkt, err := s.codec.Decode(frame.Bytes)
		if err != nil {
			s.stats.IncDroppedOversize()
			s.log.Debug("dropping undecodable frame", "err", err)
			continue
		}
		s.stats.IncReceived()
		s.disp.Dispatch(frame, pkt)
	}
}

// preTxListen implements the collision-avoidance wait: a randomized
// delay in [T, 3T + (retry + table_size)*100] ms, restarted with an
// incremented retry (capped at the routing table's capacity) whenever a
// preamble is heard during the wait.
func (s *Scheduler) preTxListen(ctx context.Context, maxT time.Duration) {
	retry := 0
	retryCap := s.table.MaxSize()

	for {
		tableSize := s.table.Size()
		lo := maxT
		hi := 3*maxT + time.Duration(retry+tableSize)*100*time.Millisecond
		if hi <= lo {
			hi = lo + time.Millisecond
		}
		delay := lo + time.Duration(s.rng.Int63n(int64(hi-lo)))

		deadline := time.Now().Add(delay)
		heard := false
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			if s.link.ChannelActive() {
				heard = true
				break
			}
		}
		if !heard {
			return
		}
		if retry < retryCap {
			retry++
		}
	}
}

// txLoop pulls the highest-priority pending frame, performs forward
// resolution, transmits it with collision avoidance, then paces itself
// per the duty cycle before the next transmit.
func (s *Scheduler) txLoop(ctx context.Context) {
	for {
		pkt, ok := s.sendQ.WaitPop(ctx)
		if !ok {
			return
		}

		if !s.resolveForward(pkt) {
			continue
		}

		if pkt.Dst.IsUplinkSink() {
			s.emitToUplink(pkt)
			continue
		}

		encoded, err := s.codec.Encode(pkt)
		if err != nil {
			s.log.Error("cannot encode outbound frame", "err", err, "kind", pkt.Kind)
			continue
		}

		toa := s.link.TimeOnAir(len(encoded))
		s.preTxListen(ctx, toa)
		if ctx.Err() != nil {
			return
		}

		if err := s.link.Transmit(ctx, encoded); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.handleTransmitFailure(ctx, pkt, err)
			continue
		}
		s.stats.IncSent()

		pace := time.Duration(int64(toa) * int64(100-s.cfg.DutyCyclePct) / 100)
		select {
		case <-time.After(pace):
		case <-ctx.Done():
			return
		}
	}
}

// resolveForward applies the forward-resolution rule of spec.md §4.D: a
// non-broadcast data frame gets via=next_hop(dst) or is dropped, and a
// BROADCAST-addressed application send is handed to the Destination
// Selector, which rewrites Dst to a concrete mesh node or uplink sink.
func (s *Scheduler) resolveForward(pkt *proto.Packet) bool {
	if !pkt.Kind.IsRouted() {
		return true // HELLO/ROUTE_TABLE: plain broadcast, nothing to resolve.
	}

	if pkt.Dst == proto.Broadcast {
		resolved, err := s.dest.Resolve()
		if err != nil {
			s.stats.IncNoDestination()
			s.log.Debug("no destination for broadcast send", "err", err)
			return false
		}
		pkt.Dst = resolved
	}

	if pkt.Dst.IsUplinkSink() {
		return true
	}

	via, ok := s.table.NextHop(pkt.Dst)
	if !ok {
		s.stats.IncDestinyUnreachable()
		return false
	}
	pkt.Via = via
	return true
}

func (s *Scheduler) emitToUplink(pkt *proto.Packet) {
	if s.uplink == nil || !s.uplink.Connected() {
		s.stats.IncDeliveryFailed()
		return
	}
	encoded, err := s.codec.Encode(pkt)
	if err != nil {
		s.log.Error("cannot encode uplink frame", "err", err)
		return
	}
	if !s.uplink.Send(encoded) {
		s.stats.IncDeliveryFailed()
		return
	}
	s.stats.IncSent()
}

func (s *Scheduler) handleTransmitFailure(ctx context.Context, pkt *proto.Packet, cause error) {
	if errors.Is(cause, radio.ErrDriverFailure) {
		s.log.Warn("transmit failed, reinitializing radio", "err", cause)
		if rerr := s.link.Reinit(); rerr != nil {
			s.log.Error("radio reinit failed", "err", rerr)
		}
	}
	if pkt.Retries >= MaxResendPacket {
		s.stats.IncDeliveryFailed()
		return
	}
	pkt.Retries++
	s.sendQ.Push(pkt, queue.MaxPriority)
}

// helloLoop emits a route advertisement every HelloDelay, sliced into
// frames of at most MaxRouteTuplesPerFrame tuples; an empty table still
// produces one zero-node advertisement.
func (s *Scheduler) helloLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HelloDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitHello()
		}
	}
}

func (s *Scheduler) emitHello() {
	if ts, err := logging.FormatTimestamp(time.Now()); err == nil {
		s.log.Debug("emitting hello beacon", "at", ts)
	}

	tuples := s.helloSource()
	maxPer := s.codec.MaxRouteTuplesPerFrame()
	if maxPer <= 0 {
		maxPer = 1
	}

	if len(tuples) == 0 {
		s.enqueueHello(nil)
		return
	}
	for off := 0; off < len(tuples); off += maxPer {
		end := off + maxPer
		if end > len(tuples) {
			end = len(tuples)
		}
		s.enqueueHello(tuples[off:end])
	}
}

func (s *Scheduler) enqueueHello(tuples []proto.RouteTuple) {
	payload := proto.EncodeHelloPayload(s.cfg.LocalRole, tuples)
	pkt := &proto.Packet{
		Dst:     proto.Broadcast,
		Src:     s.cfg.Local,
		Kind:    proto.KindHello,
		Payload: payload,
	}
	pkt.PacketSize = uint8(proto.HeaderLen(pkt.Kind) + len(payload))
	s.sendQ.Push(pkt, helloPriority)
}

// helloPriority sits below forwarded-traffic retries (which reuse
// MaxPriority) but above ordinary application sends, matching the
// scheduling priority ordering in spec.md §5 (Hello above Dispatcher).
const helloPriority = queue.MaxPriority - 1
