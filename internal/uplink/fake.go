package uplink

import "sync"

// FakeSink is an in-memory Sink for tests: it records every frame
// handed to Send and can be toggled online/offline to exercise the
// "uplink unhealthy" paths in the scheduler and snapshot emitter.
type FakeSink struct {
	mu      sync.Mutex
	online  bool
	sent    [][]byte
	failAll bool
}

// NewFakeSink returns a FakeSink that starts online.
func NewFakeSink() *FakeSink { return &FakeSink{online: true} }

func (f *FakeSink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *FakeSink) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online || f.failAll {
		return false
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return true
}

// SetOnline toggles connectivity.
func (f *FakeSink) SetOnline(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

// SetFailAll makes every subsequent Send report failure without
// recording the frame, even while online — distinct from SetOnline(false)
// so a test can exercise "connected but rejecting" uplink behavior.
func (f *FakeSink) SetFailAll(fail bool) {
	f.mu.Lock()
	f.failAll = fail
	f.mu.Unlock()
}

// Sent returns every frame accepted so far.
func (f *FakeSink) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}
