// Package gpiolink is a reference radio.Link that drives a real
// half-duplex LoRa transceiver's control lines (reset, busy/IRQ) over a
// Linux GPIO character device, delegating the actual byte-level
// exchange to an injected Transceiver. It exists to give the physical
// radio driver described in the spec as out-of-scope a concrete,
// idiomatic home — the engine itself only ever talks to radio.Link.
package gpiolink

import (
	"context"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"github.com/loramesh/meshd/internal/radio"
)

// Transceiver is the low-level byte-exchange contract a real chip
// driver (SPI, or whatever bus the board uses) must satisfy. It is
// intentionally tiny: gpiolink only orchestrates reset/busy timing and
// RSSI/SNR readback around it.
type Transceiver interface {
	Configure(cfg radio.Config) error
	WriteFrame(frame []byte) error
	ReadFrame() (bytes []byte, rssi, snr float64, err error)
	BitsPerSecond() uint32
}

// Lines names the GPIO offsets on chip this Link drives.
type Lines struct {
	Chip  string // e.g. "gpiochip0"
	Reset int
	Busy  int
}

// Link is a radio.Link backed by real GPIO reset/busy lines plus an
// injected Transceiver for the data path.
type Link struct {
	tx         Transceiver
	reset      *gpiocdev.Line
	busy       *gpiocdev.Line
	crcEnabled bool
}

// Open requests the reset (output) and busy (input) lines and returns a
// Link ready to Configure.
func Open(lines Lines, tx Transceiver) (*Link, error) {
	reset, err := gpiocdev.RequestLine(lines.Chip, lines.Reset, gpiocdev.AsOutput(1))
	if err != nil {
		return nil, err
	}
	busy, err := gpiocdev.RequestLine(lines.Chip, lines.Busy, gpiocdev.AsInput)
	if err != nil {
		reset.Close()
		return nil, err
	}
	return &Link{tx: tx, reset: reset, busy: busy}, nil
}

// Close releases both GPIO lines.
func (l *Link) Close() error {
	busyErr := l.busy.Close()
	resetErr := l.reset.Close()
	if resetErr != nil {
		return resetErr
	}
	return busyErr
}

// nanosleep delays for d via a direct syscall rather than the Go
// runtime's timer wheel, for the sub-millisecond precision a chip
// reset pulse needs — the same reasoning behind the teacher's own
// direct-ioctl RTS/DTR timing in ptt.go.
func nanosleep(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		rem := unix.Timespec{}
		if err := unix.Nanosleep(&ts, &rem); err != unix.EINTR {
			return
		}
		ts = rem
	}
}

func (l *Link) pulseReset() {
	l.reset.SetValue(0)
	nanosleep(200 * time.Microsecond)
	l.reset.SetValue(1)
	time.Sleep(5 * time.Millisecond)
}

func (l *Link) waitNotBusy(ctx context.Context) error {
	for {
		v, err := l.busy.Value()
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Link) Configure(cfg radio.Config) error {
	l.crcEnabled = cfg.CRCEnabled
	l.pulseReset()
	return l.tx.Configure(cfg)
}

func (l *Link) Transmit(ctx context.Context, frame []byte) error {
	if err := l.waitNotBusy(ctx); err != nil {
		return err
	}
	if l.crcEnabled {
		frame = appendCRC16(frame)
	}
	if err := l.tx.WriteFrame(frame); err != nil {
		return radio.ErrDriverFailure
	}
	return nil
}

// Receive blocks until a frame with a valid CRC (when CRC is enabled)
// arrives. A frame that fails validation is silently discarded and the
// wait resumes, the same "recoverable, not a driver failure" treatment
// the dispatcher gives any other malformed frame.
func (l *Link) Receive(ctx context.Context) (radio.Frame, error) {
	for {
		if err := l.waitNotBusy(ctx); err != nil {
			return radio.Frame{}, err
		}
		bytes, rssi, snr, err := l.tx.ReadFrame()
		if err != nil {
			return radio.Frame{}, radio.ErrDriverFailure
		}
		if l.crcEnabled {
			stripped, ok := stripAndCheckCRC16(bytes)
			if !ok {
				continue
			}
			bytes = stripped
		}
		return radio.Frame{Bytes: bytes, RSSI: rssi, SNR: snr}, nil
	}
}

func (l *Link) ChannelActive() bool {
	v, err := l.busy.Value()
	return err == nil && v != 0
}

func (l *Link) TimeOnAir(payloadLen int) time.Duration {
	rate := l.tx.BitsPerSecond()
	if rate == 0 {
		rate = 5469
	}
	return time.Duration(payloadLen*8) * time.Second / time.Duration(rate)
}

func (l *Link) Reinit() error {
	l.pulseReset()
	return nil
}
