// Package transport implements the reliable large-payload transport
// sub-protocol: SYNC/XL_DATA/ACK/LOST per-sequence state machines, RTT
// estimation, and the timeout manager that sweeps both tables.
//
// The two per-role context tables (WSP for sequences this node is
// sending, WRP for sequences it is receiving) are modeled on the
// teacher's mheard_t linked-table-with-mutex pattern, generalized into a
// map-of-structs guarded by one mutex, the same shape as the
// retrieval pack's reliable_transport.go reassembly-buffer-keyed-by-
// sequence design.
package transport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/queue"
	"github.com/loramesh/meshd/internal/routing"
	"github.com/loramesh/meshd/internal/stats"
)

// MinTimeoutSeconds and MaxTimeouts are MIN_TIMEOUT / MAX_TIMEOUTS from
// the configuration table.
const (
	MinTimeoutSeconds = 2
	MaxTimeouts       = 5
)

// ReliablePriority is the send-queue priority used for SYNC, XL_DATA,
// ACK, and LOST frames: below forwarded traffic and hello, above
// ordinary application sends.
const ReliablePriority = queue.MaxPriority - 3

// ErrNoRoute is returned by SendReliable when dst has no routing entry.
// A broadcast send returns the first per-node error, or nil when the
// table is empty.
var ErrNoRoute = errors.New("transport: no route to destination")

// AppInbox receives a fully reassembled payload as a plain packet.
type AppInbox interface {
	Deliver(pkt *proto.Packet)
}

type sendKey struct {
	peer  proto.Address
	seqID uint8
}

type sendContext struct {
	peer    proto.Address
	seqID   uint8
	count   uint16
	lastAck uint16

	fragments [][]byte // fragments[i] is the payload for fragment number i+1.

	firstAckReceived bool
	numberOfTimeouts int
	lastSentAt       time.Time
	deadline         time.Time
}

type recvKey struct {
	peer  proto.Address
	seqID uint8
}

type recvContext struct {
	peer    proto.Address
	seqID   uint8
	count   uint16
	lastAck uint16

	fragments [][]byte

	numberOfTimeouts int
	lastActivity     time.Time
	deadline         time.Time
}

// Sender is the narrow contract the transport manager uses to put
// frames on the air; satisfied by *queue.Queue.
type Sender interface {
	Push(pkt *proto.Packet, priority int)
	Len() int
}

// Manager owns both the send-side (WSP) and receive-side (WRP) sequence
// tables and implements the full reliable-transport state machine.
type Manager struct {
	mu sync.Mutex

	local proto.Address
	table *routing.Table
	sendQ Sender
	app   AppInbox
	codec *proto.Codec
	stats *stats.Counters
	log   *log.Logger

	nextSeqID uint8

	wsp map[sendKey]*sendContext
	wrp map[recvKey]*recvContext

	wake chan struct{}
}

// New builds a Manager. codec determines max_payload_for(XL_DATA).
func New(local proto.Address, table *routing.Table, sendQ Sender, app AppInbox, codec *proto.Codec, st *stats.Counters, logger *log.Logger) *Manager {
	return &Manager{
		local: local,
		table: table,
		sendQ: sendQ,
		app:   app,
		codec: codec,
		stats: st,
		log:   logger,
		wsp:   make(map[sendKey]*sendContext),
		wrp:   make(map[recvKey]*recvContext),
		wake:  make(chan struct{}, 1),
	}
}

// Run sweeps both tables every MinTimeoutSeconds, or immediately when a
// new sequence starts.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(MinTimeoutSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		case <-m.wake:
			m.sweep()
		}
	}
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SendReliable implements send_reliable(dst, bytes): a BROADCAST dst
// fans out to every known node; otherwise it allocates a sequence,
// fragments bytes, and transmits SYNC only.
func (m *Manager) SendReliable(dst proto.Address, payload []byte) error {
	if dst == proto.Broadcast {
		var firstErr error
		for _, e := range m.table.AllNodes() {
			if err := m.SendReliable(e.Address, payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if _, ok := m.table.Find(dst); !ok {
		return ErrNoRoute
	}

	maxPayload := m.codec.MaxPayloadFor(proto.KindXLData)
	if maxPayload <= 0 {
		maxPayload = 1
	}
	fragments := splitBytes(payload, maxPayload)
	count := len(fragments)

	m.mu.Lock()
	seqID := m.nextSeqID
	m.nextSeqID++ // wraps mod 256 naturally as a uint8.

	ctx := &sendContext{
		peer:      dst,
		seqID:     seqID,
		count:     uint16(count),
		fragments: fragments,
	}
	ctx.lastSentAt = time.Now()
	ctx.deadline = time.Now().Add(m.baseTimeoutLocked(dst))
	m.wsp[sendKey{dst, seqID}] = ctx
	m.mu.Unlock()

	m.transmitSync(dst, seqID, uint16(count))
	m.nudge()
	return nil
}

func splitBytes(payload []byte, maxPayload int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	n := (len(payload) + maxPayload - 1) / maxPayload
	out := make([][]byte, 0, n)
	for off := 0; off < len(payload); off += maxPayload {
		end := off + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}

func (m *Manager) transmitSync(dst proto.Address, seqID uint8, count uint16) {
	pkt := &proto.Packet{Dst: dst, Src: m.local, Kind: proto.KindSync, SeqID: seqID, Number: count}
	pkt.PacketSize = uint8(proto.HeaderLen(pkt.Kind))
	m.sendQ.Push(pkt, ReliablePriority)
}

func (m *Manager) transmitFragment(dst proto.Address, seqID uint8, number uint16, payload []byte) {
	pkt := &proto.Packet{Dst: dst, Src: m.local, Kind: proto.KindXLData, SeqID: seqID, Number: number, Payload: payload}
	pkt.PacketSize = uint8(proto.HeaderLen(pkt.Kind) + len(payload))
	m.sendQ.Push(pkt, ReliablePriority)
}

func (m *Manager) transmitAck(dst proto.Address, seqID uint8, number uint16) {
	pkt := &proto.Packet{Dst: dst, Src: m.local, Kind: proto.KindAck, SeqID: seqID, Number: number}
	pkt.PacketSize = uint8(proto.HeaderLen(pkt.Kind))
	m.sendQ.Push(pkt, ReliablePriority)
}

func (m *Manager) transmitLost(dst proto.Address, seqID uint8, number uint16) {
	pkt := &proto.Packet{Dst: dst, Src: m.local, Kind: proto.KindLost, SeqID: seqID, Number: number}
	pkt.PacketSize = uint8(proto.HeaderLen(pkt.Kind))
	m.sendQ.Push(pkt, ReliablePriority)
}

// OnAck implements the sender state machine's on_ack transition.
func (m *Manager) OnAck(src proto.Address, seqID uint8, number uint16) {
	m.mu.Lock()
	ctx, ok := m.wsp[sendKey{src, seqID}]
	if !ok {
		m.mu.Unlock()
		return // unknown sequence: ignore.
	}

	switch {
	case number < ctx.lastAck:
		// Duplicate: ignore entirely.
		m.mu.Unlock()
		return

	case number == ctx.count:
		delete(m.wsp, sendKey{src, seqID})
		m.mu.Unlock()
		return

	default:
		sample := time.Since(ctx.lastSentAt)
		ctx.lastAck = number
		ctx.firstAckReceived = true
		ctx.lastSentAt = time.Now()
		ctx.deadline = time.Now().Add(m.baseTimeoutLocked(src))
		next := number + 1
		var nextPayload []byte
		if int(next)-1 < len(ctx.fragments) {
			nextPayload = ctx.fragments[next-1]
		}
		m.mu.Unlock()

		m.table.UpdateRTT(src, sample)
		m.transmitFragment(src, seqID, next, nextPayload)
	}
}

// OnLost implements the sender state machine's on_lost transition.
func (m *Manager) OnLost(src proto.Address, seqID uint8, number uint16) {
	m.mu.Lock()
	ctx, ok := m.wsp[sendKey{src, seqID}]
	if !ok {
		m.mu.Unlock()
		return
	}

	sample := time.Since(ctx.lastSentAt)
	ctx.firstAckReceived = true
	ctx.numberOfTimeouts++
	ctx.lastSentAt = time.Now()
	ctx.deadline = time.Now().Add(m.backoffTimeoutLocked(src, ctx.numberOfTimeouts))

	var payload []byte
	if int(number)-1 >= 0 && int(number)-1 < len(ctx.fragments) {
		payload = ctx.fragments[number-1]
	}
	m.mu.Unlock()

	m.table.UpdateRTT(src, sample)
	m.transmitFragment(src, seqID, number, payload)
}

// OnSync implements the receiver state machine's on_sync transition.
func (m *Manager) OnSync(src proto.Address, seqID uint8, count uint16) {
	m.mu.Lock()
	key := recvKey{src, seqID}
	if _, exists := m.wrp[key]; exists {
		m.mu.Unlock()
		return // duplicate SYNC: ignore.
	}

	m.wrp[key] = &recvContext{
		peer:         src,
		seqID:        seqID,
		count:        count,
		fragments:    make([][]byte, count),
		lastActivity: time.Now(),
		deadline:     time.Now().Add(m.baseTimeoutLocked(src)),
	}
	m.mu.Unlock()

	m.transmitAck(src, seqID, 0)
	m.nudge()
}

// OnFragment implements the receiver state machine's on_fragment
// transition.
func (m *Manager) OnFragment(src proto.Address, seqID uint8, number uint16, payload []byte) {
	m.mu.Lock()
	key := recvKey{src, seqID}
	ctx, ok := m.wrp[key]
	if !ok {
		m.mu.Unlock()
		return // stray fragment with no known sequence: drop.
	}

	if number != ctx.lastAck+1 {
		want := ctx.lastAck + 1
		m.mu.Unlock()
		m.transmitLost(src, seqID, want)
		return
	}

	if int(number)-1 < len(ctx.fragments) {
		ctx.fragments[number-1] = append([]byte(nil), payload...)
	}
	ctx.lastAck = number
	sample := time.Since(ctx.lastActivity)
	ctx.lastActivity = time.Now()
	ctx.deadline = time.Now().Add(m.baseTimeoutLocked(src))

	complete := ctx.lastAck == ctx.count
	var reassembled []byte
	if complete {
		reassembled = reassemble(ctx.fragments)
		delete(m.wrp, key)
	}
	m.mu.Unlock()

	m.table.UpdateRTT(src, sample)
	m.transmitAck(src, seqID, number)

	if complete {
		m.app.Deliver(&proto.Packet{Dst: m.local, Src: src, Kind: proto.KindData, Payload: reassembled})
	}
}

func reassemble(fragments [][]byte) []byte {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}

// sweep is the timeout manager's single cooperative pass over WSP and
// WRP, invoking each context's timeout handler if its deadline passed.
func (m *Manager) sweep() {
	now := time.Now()

	var (
		sendTimeouts []sendKey
		recvTimeouts []recvKey
	)

	m.mu.Lock()
	for k, ctx := range m.wsp {
		if ctx.deadline.Before(now) {
			sendTimeouts = append(sendTimeouts, k)
		}
	}
	for k, ctx := range m.wrp {
		if ctx.deadline.Before(now) {
			recvTimeouts = append(recvTimeouts, k)
		}
	}
	m.mu.Unlock()

	for _, k := range sendTimeouts {
		m.sendTimeout(k)
	}
	for _, k := range recvTimeouts {
		m.recvTimeout(k)
	}
}

func (m *Manager) sendTimeout(k sendKey) {
	m.mu.Lock()
	ctx, ok := m.wsp[k]
	if !ok {
		m.mu.Unlock()
		return
	}
	ctx.numberOfTimeouts++
	if ctx.numberOfTimeouts >= MaxTimeouts {
		delete(m.wsp, k)
		m.mu.Unlock()
		m.stats.IncDeliveryFailed()
		return
	}

	retransmitSync := !ctx.firstAckReceived
	resendNumber := ctx.lastAck + 1
	var payload []byte
	if !retransmitSync && int(resendNumber)-1 < len(ctx.fragments) {
		payload = ctx.fragments[resendNumber-1]
	}
	count := ctx.count
	seqID := ctx.seqID
	peer := ctx.peer
	ctx.deadline = time.Now().Add(m.backoffTimeoutLocked(peer, ctx.numberOfTimeouts))
	m.mu.Unlock()

	if retransmitSync {
		m.transmitSync(peer, seqID, count)
	} else {
		m.transmitFragment(peer, seqID, resendNumber, payload)
	}
}

func (m *Manager) recvTimeout(k recvKey) {
	m.mu.Lock()
	ctx, ok := m.wrp[k]
	if !ok {
		m.mu.Unlock()
		return
	}
	ctx.numberOfTimeouts++
	if ctx.numberOfTimeouts >= MaxTimeouts {
		delete(m.wrp, k)
		m.mu.Unlock()
		return
	}

	want := ctx.lastAck + 1
	peer := ctx.peer
	seqID := ctx.seqID
	ctx.deadline = time.Now().Add(m.backoffTimeoutLocked(peer, ctx.numberOfTimeouts))
	m.mu.Unlock()

	m.transmitLost(peer, seqID, want)
}

// TeardownPeer destroys every in-flight sequence context, sender or
// receiver, associated with peer. Registered with routing.Table.OnRemove
// so that a routing entry's expiry tears down any sequence depending on
// it, per "when an entry is removed, any in-flight sequence contexts
// referencing it are torn down."
func (m *Manager) TeardownPeer(e routing.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.wsp {
		if k.peer == e.Address {
			delete(m.wsp, k)
		}
	}
	for k := range m.wrp {
		if k.peer == e.Address {
			delete(m.wrp, k)
		}
	}
}

// hops returns the current hop count to peer, defaulting to 1 when
// unknown, for the timeout-ceiling formula.
func (m *Manager) hops(peer proto.Address) int {
	if e, ok := m.table.Find(peer); ok && e.Metric > 0 {
		return int(e.Metric)
	}
	return 1
}

// baseTimeoutLocked computes the plain (non-backoff) timeout per spec.md
// §4.F's RTT-derived formula. Safe to call without m.mu held; it only
// reads the routing table.
func (m *Manager) baseTimeoutLocked(peer proto.Address) time.Duration {
	hops := m.hops(peer)
	base := float64(MinTimeoutSeconds*1000 + hops*5000)

	if e, ok := m.table.Find(peer); ok {
		srttMS := float64(e.SRTT.Milliseconds())
		rttvarMS := float64(e.RTTVAR.Milliseconds())
		if alt := srttMS + 4*rttvarMS; alt > base {
			base = alt
		}
	}

	ceiling := float64(60000 + hops*5000)
	if base > ceiling {
		base = ceiling
	}
	return time.Duration(base) * time.Millisecond
}

// backoffTimeoutLocked applies the exponential-ish back-off formula on
// top of baseTimeoutLocked, clamped to the same hop-dependent ceiling.
func (m *Manager) backoffTimeoutLocked(peer proto.Address, numberOfTimeouts int) time.Duration {
	base := m.baseTimeoutLocked(peer)
	hops := m.hops(peer)

	backoffMS := math.Log(float64(numberOfTimeouts)+1)*50000 + float64(m.sendQ.Len())*3000
	candidate := backoffMS
	if baseMS := float64(base.Milliseconds()); baseMS > candidate {
		candidate = baseMS
	}

	ceiling := float64(60000 + hops*5000)
	if candidate > ceiling {
		candidate = ceiling
	}
	return time.Duration(candidate) * time.Millisecond
}
