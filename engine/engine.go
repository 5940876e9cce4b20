// Package engine wires the routing table, send queue, scheduler,
// dispatcher, reliable-transport manager, and destination selector into
// one owned handle, per Design Note 9's "re-architect global singletons
// as owned values passed through a small Engine handle".
//
// Modeled on the teacher's appserver.go/server.go — the one
// non-cgo, application-facing server in the teacher repo, already
// structured as a config-in, start/stop lifecycle — generalized to this
// engine's Start/Stop/Send/Receive/RoutingTable/Stats surface.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/loramesh/meshd/internal/config"
	"github.com/loramesh/meshd/internal/destination"
	"github.com/loramesh/meshd/internal/dispatch"
	"github.com/loramesh/meshd/internal/logging"
	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/queue"
	"github.com/loramesh/meshd/internal/radio"
	"github.com/loramesh/meshd/internal/routing"
	"github.com/loramesh/meshd/internal/scheduler"
	"github.com/loramesh/meshd/internal/stats"
	"github.com/loramesh/meshd/internal/transport"
	"github.com/loramesh/meshd/internal/uplink"
)

// appInbox is the buffered channel-backed inbox plain data and
// reassembled reliable payloads are delivered into for Engine.Receive.
type appInbox struct {
	ch chan *proto.Packet
}

func newAppInbox(capacity int) *appInbox {
	return &appInbox{ch: make(chan *proto.Packet, capacity)}
}

func (a *appInbox) Deliver(pkt *proto.Packet) {
	select {
	case a.ch <- pkt:
	default:
		// Application is not draining fast enough; drop rather than
		// block the dispatcher or transport manager.
	}
}

// Engine is the routing and reliable-transport node, owning every
// subsystem below it. The zero value is not usable; construct with New.
type Engine struct {
	local proto.Address
	role  proto.Role
	cfg   config.Config

	log *charmlog.Logger

	codec *proto.Codec
	table *routing.Table
	sendQ *queue.Queue
	inbox *appInbox

	dest      *destination.Selector
	transport *transport.Manager
	disp      *dispatch.Dispatcher
	sched     *scheduler.Scheduler

	snapshotEmitter *uplink.SnapshotEmitter

	stats *stats.Counters

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Uplink is the sink handed to the scheduler and snapshot emitter for a
// gateway/client's Wi-Fi or cellular path. Pass nil for a pure relay
// node with no uplink.
type Uplink interface {
	scheduler.Uplink
	uplink.Sink
}

// New builds an Engine from cfg and a radio.Link. up may be nil.
func New(cfg config.Config, link radio.Link, up Uplink, logWriter io.Writer) *Engine {
	local := proto.Address(cfg.LocalAddress)
	role := cfg.Role()

	root := logging.New(logWriter, charmlog.InfoLevel)

	codec := proto.NewCodec(
		proto.WithMaxFrameSize(cfg.MaxPacketSize),
		proto.WithCRC(cfg.CRCEnabled),
	)
	if err := link.Configure(radio.Config{
		BandHz:       cfg.BandHz,
		Bandwidth:    cfg.Bandwidth,
		SpreadFactor: cfg.SpreadFactor,
		CodingRate:   cfg.CodingRate,
		SyncWord:     cfg.SyncWord,
		PowerDBm:     cfg.PowerDBm,
		PreambleLen:  cfg.PreambleLen,
		CRCEnabled:   cfg.CRCEnabled,
	}); err != nil {
		root.Error("radio configure failed", "err", err)
	}
	table := routing.New(routing.Config{
		Local:   local,
		MaxSize: cfg.RTMaxSize,
		Timeout: time.Duration(cfg.RoutingExpireSeconds) * time.Second,
		Cycles:  cfg.RoutingExpireCycles,
	})
	sendQ := queue.New()
	inbox := newAppInbox(256)
	st := &stats.Counters{}

	dest := destination.New(local, role, table)

	var upSink uplink.Sink
	var schedUp scheduler.Uplink
	if up != nil {
		upSink = up
		schedUp = up
	}

	txMgr := transport.New(local, table, sendQ, inbox, codec, st, logging.Sub(root, "transport"))
	table.OnRemove(txMgr.TeardownPeer)
	disp := dispatch.New(local, table, sendQ, txMgr, inbox, st, logging.Sub(root, "dispatcher"))

	helloSource := func() []proto.RouteTuple {
		nodes := table.AllNodes()
		tuples := make([]proto.RouteTuple, len(nodes))
		for i, n := range nodes {
			tuples[i] = proto.RouteTuple{Address: n.Address, Metric: n.Metric, Role: n.Role}
		}
		return tuples
	}

	schedCfg := scheduler.Config{
		Local:        local,
		LocalRole:    role,
		DutyCyclePct: cfg.DutyCyclePct,
		HelloDelay:   time.Duration(cfg.HelloDelaySeconds) * time.Second,
	}
	sched := scheduler.New(schedCfg, link, codec, table, sendQ, dest, schedUp, disp, st, logging.Sub(root, "scheduler"), helloSource)

	var snapshotEmitter *uplink.SnapshotEmitter
	if upSink != nil {
		snapshotEmitter = uplink.NewSnapshotEmitter(
			local, role, table, upSink, codec,
			time.Duration(cfg.RoutingSnapshotDelaySeconds)*time.Second,
			logging.Sub(root, "uplink"),
		)
	}

	return &Engine{
		local:           local,
		role:            role,
		cfg:             cfg,
		log:             root,
		codec:           codec,
		table:           table,
		sendQ:           sendQ,
		inbox:           inbox,
		dest:            dest,
		transport:       txMgr,
		disp:            disp,
		sched:           sched,
		snapshotEmitter: snapshotEmitter,
		stats:           st,
	}
}

// Start launches the scheduler's three loops, the transport timeout
// manager, the routing-table expiry sweep, and (if an uplink is
// configured) the routing-snapshot emitter. It returns immediately;
// every component runs until ctx is canceled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.sched.Run(runCtx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.transport.Run(runCtx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.expiryLoop(runCtx) }()

	if e.snapshotEmitter != nil {
		e.wg.Add(1)
		go func() { defer e.wg.Done(); e.snapshotEmitter.Run(runCtx) }()
	}

	if e.cfg.DebugRoutingLogSeconds > 0 {
		e.wg.Add(1)
		go func() { defer e.wg.Done(); e.debugRoutingLogLoop(runCtx) }()
	}
}

// debugRoutingLogLoop periodically logs a one-line routing-table summary,
// distinct from the uplink snapshot emitter: pure observability, gated by
// DebugRoutingLogSeconds, carried as ambient logging rather than a
// protocol behavior.
func (e *Engine) debugRoutingLogLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.DebugRoutingLogSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nodes := e.table.AllNodes()
			e.log.Info("routing table", "size", len(nodes), "local", e.local, "role", e.role)
		}
	}
}

func (e *Engine) expiryLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.RoutingExpireSeconds) * time.Second
	if interval <= 0 {
		interval = routing.DefaultTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.table.ExpireStale(time.Now())
		}
	}
}

// Stop cancels every running loop and blocks until they have all
// returned.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.sendQ.Close()
	e.wg.Wait()
}

// LocalAddress returns this node's mesh address.
func (e *Engine) LocalAddress() proto.Address { return e.local }

// Send submits bytes as a best-effort (non-reliable) frame to dst. needAck
// requests an immediate ACK from the destination (KindNeedAck) instead of
// a plain unacknowledged DATA frame.
func (e *Engine) Send(dst proto.Address, payload []byte, needAck bool) error {
	maxPayload := e.codec.MaxPayloadFor(proto.KindData)
	if needAck {
		maxPayload = e.codec.MaxPayloadFor(proto.KindNeedAck)
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("engine: payload of %d bytes exceeds max_payload_for this kind (%d); use SendReliable", len(payload), maxPayload)
	}

	kind := proto.KindData
	if needAck {
		kind = proto.KindNeedAck
	}
	pkt := &proto.Packet{Dst: dst, Src: e.local, Kind: kind, Payload: payload}
	pkt.PacketSize = uint8(proto.HeaderLen(kind) + len(payload))

	priority := 0
	if dst == proto.Broadcast {
		priority = 1
	}
	e.sendQ.Push(pkt, priority)
	return nil
}

// SendReliable fragments and reliably delivers an arbitrarily large
// payload to dst via the SYNC/XL_DATA/ACK/LOST sub-protocol.
func (e *Engine) SendReliable(dst proto.Address, payload []byte) error {
	return e.transport.SendReliable(dst, payload)
}

// Receive blocks until an application payload has been delivered
// locally (plain data, NEED_ACK data, or a reassembled reliable
// transfer), or ctx is done.
func (e *Engine) Receive(ctx context.Context) (*proto.Packet, error) {
	select {
	case pkt := <-e.inbox.ch:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RoutingTable exposes the live routing table for read-only inspection.
func (e *Engine) RoutingTable() *routing.Table { return e.table }

// Stats returns a point-in-time snapshot of the engine's counters.
func (e *Engine) Stats() stats.Snapshot { return e.stats.Snapshot() }
