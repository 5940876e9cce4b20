package uplink

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/routing"
)

func Test_snapshotEmitter_emptyTableStillSendsOneFrame(t *testing.T) {
	table := routing.New(routing.Config{Local: 1})
	sink := NewFakeSink()
	codec := proto.NewCodec()
	e := NewSnapshotEmitter(1, proto.RoleDefault, table, sink, codec, time.Millisecond, log.New(io.Discard))

	e.emit()

	require.Len(t, sink.Sent(), 1)
}

func Test_snapshotEmitter_chunksAtFiveEntries(t *testing.T) {
	table := routing.New(routing.Config{Local: 1})
	for i := proto.Address(2); i < 2+7; i++ {
		table.ProcessRouteFrame(i, proto.RoleDefault, 5, nil)
	}
	sink := NewFakeSink()
	codec := proto.NewCodec()
	e := NewSnapshotEmitter(1, proto.RoleDefault, table, sink, codec, time.Millisecond, log.New(io.Discard))

	e.emit()

	// 7 neighbors at 5 per frame -> 2 frames.
	assert.Len(t, sink.Sent(), 2)
}

func Test_fakeSink_failAllRejectsWithoutRecording(t *testing.T) {
	sink := NewFakeSink()
	sink.SetFailAll(true)

	ok := sink.Send([]byte("x"))
	assert.False(t, ok)
	assert.Empty(t, sink.Sent())
}

func Test_snapshotEmitter_skipsWhenUplinkDown(t *testing.T) {
	table := routing.New(routing.Config{Local: 1})
	sink := NewFakeSink()
	sink.SetOnline(false)
	codec := proto.NewCodec()
	e := NewSnapshotEmitter(1, proto.RoleDefault, table, sink, codec, time.Millisecond, log.New(io.Discard))

	e.emit()

	assert.Empty(t, sink.Sent())
}
