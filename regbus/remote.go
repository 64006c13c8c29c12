package regbus

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/ardnew/softbridge/pkg"
)

// Remote protocol frame bytes.
const (
	FrameRead  byte = 'R' // 'R' hi lo -> value
	FrameWrite byte = 'W' // 'W' hi lo v -> FrameAck
	FrameAck   byte = 0x06
	FrameNak   byte = 0x15
)

// DefaultBaudRate is the line rate of the remote register protocol.
const DefaultBaudRate = 115200

// Remote is a [Bus] that forwards every access to a register server over a
// byte stream, normally a serial port (see [Dial]).
//
// Bus methods cannot return errors; the first transport error is latched,
// subsequent reads return 0xFF and writes are dropped. Check [Remote.Err].
type Remote struct {
	mu  sync.Mutex
	rw  io.ReadWriter
	err error
	buf [4]byte
}

// NewRemote creates a remote bus over an established stream.
func NewRemote(rw io.ReadWriter) *Remote {
	return &Remote{rw: rw}
}

// Dial opens a serial port and returns a remote bus over it. The caller
// closes the returned port.
func Dial(name string, baud int) (*Remote, serial.Port, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	return NewRemote(port), port, nil
}

// Err returns the first transport error, if any.
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Remote) fail(err error) {
	if r.err == nil {
		r.err = err
		pkg.LogError(pkg.ComponentKernel, "remote bus failed", "error", err)
	}
}

// Read implements [Bus].
func (r *Remote) Read(addr uint16) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0xFF
	}
	r.buf[0], r.buf[1], r.buf[2] = FrameRead, byte(addr>>8), byte(addr)
	if _, err := r.rw.Write(r.buf[:3]); err != nil {
		r.fail(err)
		return 0xFF
	}
	if _, err := io.ReadFull(r.rw, r.buf[:1]); err != nil {
		r.fail(err)
		return 0xFF
	}
	return r.buf[0]
}

// Write implements [Bus].
func (r *Remote) Write(addr uint16, v uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.buf[0], r.buf[1], r.buf[2], r.buf[3] = FrameWrite, byte(addr>>8), byte(addr), v
	if _, err := r.rw.Write(r.buf[:4]); err != nil {
		r.fail(err)
		return
	}
	if _, err := io.ReadFull(r.rw, r.buf[:1]); err != nil {
		r.fail(err)
		return
	}
	if r.buf[0] != FrameAck {
		r.fail(fmt.Errorf("write %v: unexpected reply 0x%02X", Addr(addr), r.buf[0]))
	}
}

// RMW implements [Bus].
func (r *Remote) RMW(addr uint16, mask, set uint8) {
	old := r.Read(addr)
	r.Write(addr, (old&mask)|set)
}

// ErrBadFrame indicates an unknown command byte on the remote protocol.
var ErrBadFrame = errors.New("bad register frame")

// Serve answers remote protocol frames from rw against bus until rw
// returns an error. io.EOF ends the session cleanly.
func Serve(rw io.ReadWriter, bus Bus) error {
	var frame [4]byte
	for {
		if _, err := io.ReadFull(rw, frame[:1]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch frame[0] {
		case FrameRead:
			if _, err := io.ReadFull(rw, frame[1:3]); err != nil {
				return err
			}
			v := bus.Read(uint16(frame[1])<<8 | uint16(frame[2]))
			if _, err := rw.Write([]byte{v}); err != nil {
				return err
			}
		case FrameWrite:
			if _, err := io.ReadFull(rw, frame[1:4]); err != nil {
				return err
			}
			bus.Write(uint16(frame[1])<<8|uint16(frame[2]), frame[3])
			if _, err := rw.Write([]byte{FrameAck}); err != nil {
				return err
			}
		default:
			_, _ = rw.Write([]byte{FrameNak})
			return fmt.Errorf("%w: 0x%02X", ErrBadFrame, frame[0])
		}
	}
}
