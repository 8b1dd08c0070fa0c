package serialmux

import (
	"io"
)

// SerialPorter is the part of a serial port the mux uses. go.bug.st/serial
// ports satisfy it, as do in-memory fakes.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
