package pipe

import (
	"fmt"
	"strings"

	"github.com/ardnew/softpipe/pkg"
)

// Mode is the consumer view a pipe is bound to.
type Mode uint8

// Consumer modes.
const (
	ModeUnbound Mode = iota // No view requested yet
	ModeStream              // Byte-stream view
	ModePacket              // Packet view
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeUnbound:
		return "unbound"
	case ModeStream:
		return "stream"
	case ModePacket:
		return "packet"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts "stream" or "packet" to a Mode. An empty string yields
// ModeUnbound.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ModeUnbound, nil
	case "stream", "bytes", "byte":
		return ModeStream, nil
	case "packet", "packets":
		return ModePacket, nil
	default:
		return ModeUnbound, fmt.Errorf("mode %q: %w", s, pkg.ErrInvalidArgument)
	}
}

// bind fixes the consumer view on first use. A later request for the other
// view fails with pkg.ErrModeConflict.
func (e *Engine) bind(m Mode) error {
	if m != ModeStream && m != ModePacket {
		return fmt.Errorf("bind %s: %w", m, pkg.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.mode {
	case ModeUnbound:
		e.mode = m
		pkg.LogDebug(pkg.ComponentSession, "pipe bound", "pipe", e.pipeName(), "mode", m.String())
		return nil
	case m:
		return nil
	default:
		return fmt.Errorf("pipe %s bound as %s, requested %s: %w",
			e.pipeName(), e.mode, m, pkg.ErrModeConflict)
	}
}
