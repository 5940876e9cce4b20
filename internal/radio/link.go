// Package radio defines the narrow contract the routing and transport
// engine uses to drive a half-duplex radio transceiver, without knowing
// anything about its physical layer. Concrete implementations — a real
// LoRa chip over SPI/GPIO, or an in-memory fake for tests — live in
// subpackages.
package radio

import (
	"context"
	"errors"
	"time"
)

// Config carries the physical radio parameters from the routing
// engine's configuration table: band, bw, sf, cr, sync_word, power,
// preamble_len.
type Config struct {
	BandHz      uint32
	Bandwidth   uint32
	SpreadFactor uint8
	CodingRate  uint8
	SyncWord    byte
	PowerDBm    int8
	PreambleLen uint16

	// CRCEnabled mirrors proto.Codec's build-time CRC option: when set,
	// the link itself appends/validates a payload CRC on the air rather
	// than leaving it to the codec, since real hardware computes this in
	// the radio's own FIFO path.
	CRCEnabled bool
}

// Frame is a received radio frame plus the link-quality metrics the
// driver measured for it.
type Frame struct {
	Bytes []byte
	RSSI  float64
	SNR   float64
}

// ErrDriverFailure indicates a recoverable radio I/O error (SPI, read,
// transmit). Callers should reinitialize the driver and retry the
// failing operation at most once, per the error-handling design.
var ErrDriverFailure = errors.New("radio: driver failure")

// Link is the out-of-scope physical radio driver's contract: configure,
// transmit, receive, RSSI/SNR, and time-on-air. The engine owns exactly
// one Link per channel and the Scheduler is its sole user after
// construction; the Scheduler's receive and transmit loops run in
// separate goroutines, so Receive is called concurrently with Transmit,
// ChannelActive and TimeOnAir.
type Link interface {
	// Configure applies physical parameters. It may be called again
	// later to retune.
	Configure(cfg Config) error

	// Transmit blocks until frame has been fully sent, or ctx is done.
	Transmit(ctx context.Context, frame []byte) error

	// Receive blocks until a frame arrives, ctx is done, or the driver
	// fails. It is the Go-idiomatic expression of "ISR signals a
	// received frame, task reads length/RSSI/SNR then the bytes".
	Receive(ctx context.Context) (Frame, error)

	// ChannelActive reports whether a preamble or carrier is currently
	// being received, for the scheduler's collision-avoidance wait.
	ChannelActive() bool

	// TimeOnAir estimates how long a frame of payloadLen bytes takes to
	// transmit at the configured physical parameters.
	TimeOnAir(payloadLen int) time.Duration

	// Reinit recovers from ErrDriverFailure by reinitializing the
	// underlying driver.
	Reinit() error
}
