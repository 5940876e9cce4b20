// Package logging builds the per-subsystem sub-loggers the engine hands
// down to its components. There is no package-level global logger: every
// component that logs (scheduler, transport, dispatcher, uplink) takes a
// *log.Logger at construction, per the engine's owned-values design.
//
// Modeled on the teacher's subsystem-tagged console output (the "[0H]"
// channel prefixes, IGate banners, KISS-port labels in dw_printf calls)
// generalized into charmbracelet/log's structured sub-logger facility.
package logging

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// timestampPattern is the strftime layout FormatTimestamp uses, the same
// human-readable way the teacher's xmit.go/tq.go prefix transmitted-frame
// log lines with. The root logger's own timestamps use RFC 3339.
const timestampPattern = "%Y-%m-%d %H:%M:%S"

// New builds the root logger, writing to w at the given level.
func New(w io.Writer, level log.Level) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetLevel(level)
	return logger
}

// Sub returns a child logger tagged with subsystem, e.g. "routing",
// "scheduler", "transport", "dispatcher", "uplink".
func Sub(root *log.Logger, subsystem string) *log.Logger {
	return root.With("subsystem", subsystem)
}

// FormatTimestamp renders t using the teacher's strftime-based transmit
// timestamp format, for the Hello/beacon logger's human-readable tick
// lines.
func FormatTimestamp(t time.Time) (string, error) {
	f, err := strftime.New(timestampPattern)
	if err != nil {
		return "", err
	}
	return f.FormatString(t), nil
}
