// Command xdata reads and writes bridge registers over the remote register
// protocol.
//
// Usage:
//
//	xdata -port /dev/ttyUSB0 read 0x9100 4
//	xdata -port /dev/ttyUSB0 write 0x9001 0x05 [0x06 ...]
//	xdata -port /dev/ttyUSB0 dump 0x7000 4096 > staging.hex
//
// Without -port the protocol runs over stdin and stdout, which must not be
// a terminal (for example when piped through socat to a TCP bridge).
//
// Options:
//
//	-port name    serial port
//	-baud rate    line rate (default 115200)
//	-v            enable verbose (debug) logging
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap/zapcore"

	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentBridge

func main() {
	port := flag.String("port", "", "serial port")
	baud := flag.Int("baud", regbus.DefaultBaudRate, "line rate")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(zapcore.DebugLevel)
	}

	var bus *regbus.Remote
	if *port != "" {
		remote, p, err := regbus.Dial(*port, *baud)
		if err != nil {
			pkg.LogError(component, "failed to open port", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		bus = remote
	} else {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			pkg.LogError(component, "no -port and stdin is a terminal",
				"usage", "xdata [-port name] read|write|dump addr ...")
			os.Exit(2)
		}
		bus = regbus.NewRemote(stdio{})
	}

	out := os.Stdout
	if *port == "" {
		// stdout carries the protocol.
		out = os.Stderr
	}
	if err := run(bus, flag.Args(), out); err != nil {
		pkg.LogError(component, "xdata failed", "error", err)
		os.Exit(1)
	}
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

var errUsage = errors.New("usage: read ADDR [N] | write ADDR V... | dump ADDR N")

func parse(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, pkg.ErrInvalidParameter)
	}
	return v, nil
}

func span(args []string, def uint64) (uint16, int, error) {
	addr, err := parse(args[0], 16)
	if err != nil {
		return 0, 0, err
	}
	n := def
	if len(args) > 1 {
		if n, err = parse(args[1], 17); err != nil {
			return 0, 0, err
		}
	}
	if n == 0 || uint64(addr)+n > 1<<16 {
		return 0, 0, fmt.Errorf("0x%04X+%d outside XDATA: %w", addr, n, pkg.ErrOutOfRange)
	}
	return uint16(addr), int(n), nil
}

func run(bus *regbus.Remote, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "read", "r":
		if len(args) > 2 {
			return errUsage
		}
		addr, n, err := span(args, 1)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		regbus.ReadBlock(bus, addr, data)
		if err := bus.Err(); err != nil {
			return err
		}
		hexdump(out, addr, data)

	case "write", "w":
		if len(args) < 2 {
			return errUsage
		}
		addr, _, err := span(args[:1], uint64(len(args)-1))
		if err != nil {
			return err
		}
		data := make([]byte, 0, len(args)-1)
		for _, s := range args[1:] {
			v, err := parse(s, 8)
			if err != nil {
				return err
			}
			data = append(data, uint8(v))
		}
		regbus.WriteBlock(bus, addr, data)
		if err := bus.Err(); err != nil {
			return err
		}
		pkg.LogDebug(component, "written", "addr", fmt.Sprintf("0x%04X", addr), "bytes", len(data))

	case "dump":
		if len(args) != 2 {
			return errUsage
		}
		addr, n, err := span(args, 0)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		regbus.ReadBlock(bus, addr, data)
		if err := bus.Err(); err != nil {
			return err
		}
		mem := gohex.NewMemory()
		if err := mem.AddBinary(uint32(addr), data); err != nil {
			return err
		}
		mem.DumpIntelHex(out, 16)

	default:
		return errUsage
	}
	return nil
}

func hexdump(w io.Writer, addr uint16, data []byte) {
	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]
		var b strings.Builder
		fmt.Fprintf(&b, "%04X:", int(addr)+off)
		for _, v := range line {
			fmt.Fprintf(&b, " %02X", v)
		}
		fmt.Fprintln(w, b.String())
	}
}
