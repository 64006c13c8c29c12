package sim

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/ardnew/softbridge/device/class/msc"
	"github.com/ardnew/softbridge/flash"
	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/pkg"
)

// Runner executes host scripts, one command per line, against a host.
// Lines are split with shell quoting rules; '#' starts a comment.
//
//	enumerate
//	inquiry
//	tur
//	sense
//	capacity
//	read LBA N
//	write LBA N BYTE
//	xread ADDR N
//	xwrite ADDR V
//	flash FILE
//	commit
//	dumpfw FILE
//	faults
//	linkdown [permanent]
//	reset
//	steps N
//	expect-fail COMMAND...
type Runner struct {
	host      *Host
	out       io.Writer
	blockSize uint32
}

// NewRunner creates a runner printing results to out.
func NewRunner(h *Host, out io.Writer) *Runner {
	return &Runner{host: h, out: out, blockSize: 512}
}

// ErrUnknownCommand is returned for a script line with no handler.
var ErrUnknownCommand = errors.New("unknown script command")

// ErrUnexpectedSuccess is returned when an expect-fail command passes.
var ErrUnexpectedSuccess = errors.New("command passed, failure expected")

// Run executes every line of r, stopping at the first error.
func (r *Runner) Run(src io.Reader) error {
	sc := bufio.NewScanner(src)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		args, err := shlex.Split(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if len(args) == 0 {
			continue
		}
		if err := r.Exec(args); err != nil {
			return fmt.Errorf("line %d: %s: %w", n, args[0], err)
		}
	}
	return sc.Err()
}

// Exec runs one command.
func (r *Runner) Exec(args []string) error {
	h := r.host
	pkg.LogDebug(pkg.ComponentSim, "script command", "args", args)
	switch args[0] {
	case "enumerate":
		e, err := h.Enumerate()
		if err != nil {
			return err
		}
		r.printf("enumerated address=%d vid=%04x pid=%04x product=%q serial=%q\n",
			e.Address, e.Device.VendorID, e.Device.ProductID, e.Product, e.Serial)
		if bs, err := r.capacity(); err == nil {
			r.blockSize = bs
		}
		return nil

	case "inquiry":
		in, err := h.Inquiry()
		if err != nil {
			return err
		}
		if len(in) < msc.InquiryStandardSize {
			return pkg.ErrBufferTooSmall
		}
		r.printf("inquiry type=%d vendor=%q product=%q revision=%q\n",
			in[0]&0x1F, string(in[8:16]), string(in[16:32]), string(in[32:36]))
		return nil

	case "tur":
		if err := h.TestUnitReady(); err != nil {
			return err
		}
		r.printf("ready\n")
		return nil

	case "sense":
		s, err := h.RequestSense()
		if err != nil {
			return err
		}
		r.printf("sense key=%02x asc=%02x ascq=%02x info=%d\n", s.Key, s.ASC, s.ASCQ, s.Information)
		return nil

	case "capacity":
		_, err := r.capacity()
		return err

	case "read":
		lba, n, err := r.lbaCount(args)
		if err != nil {
			return err
		}
		data, err := h.Read(lba, n, r.blockSize)
		if err != nil {
			return err
		}
		r.printf("read lba=%d blocks=%d bytes=%d\n%s", lba, n, len(data), hex.Dump(head(data, 64)))
		return nil

	case "write":
		if len(args) != 4 {
			return pkg.ErrInvalidParameter
		}
		lba, n, err := r.lbaCount(args[:3])
		if err != nil {
			return err
		}
		fill, err := parseUint(args[3], 8)
		if err != nil {
			return err
		}
		buf := make([]byte, int(n)*int(r.blockSize))
		for i := range buf {
			buf[i] = uint8(fill)
		}
		if err := h.Write(lba, buf, r.blockSize); err != nil {
			return err
		}
		r.printf("wrote lba=%d blocks=%d fill=%02x\n", lba, n, fill)
		return nil

	case "xread":
		if len(args) != 3 {
			return pkg.ErrInvalidParameter
		}
		addr, err := parseUint(args[1], 16)
		if err != nil {
			return err
		}
		n, err := parseUint(args[2], 8)
		if err != nil {
			return err
		}
		data, err := h.ReadXDATA(uint16(addr), int(n))
		if err != nil {
			return err
		}
		r.printf("xdata 0x%04x: % x\n", addr, data)
		return nil

	case "xwrite":
		if len(args) != 3 {
			return pkg.ErrInvalidParameter
		}
		addr, err := parseUint(args[1], 16)
		if err != nil {
			return err
		}
		v, err := parseUint(args[2], 8)
		if err != nil {
			return err
		}
		return h.WriteXDATA(uint16(addr), uint8(v))

	case "flash":
		if len(args) != 2 {
			return pkg.ErrInvalidParameter
		}
		return r.flash(args[1])

	case "commit":
		if err := h.Commit(); err != nil {
			return err
		}
		r.printf("committed\n")
		return nil

	case "dumpfw":
		if len(args) != 2 {
			return pkg.ErrInvalidParameter
		}
		return r.dump(args[1])

	case "faults":
		data, err := h.FaultLog(16 * link.RecordSize)
		if err != nil {
			return err
		}
		for off := 0; off+link.RecordSize <= len(data); off += link.RecordSize {
			var rec link.Record
			if link.ParseRecord(data[off:], &rec) {
				r.printf("fault seq=%d state=%s code=%s detail=%d elapsed=%dms\n",
					rec.Seq, rec.State, rec.Code, rec.Detail, rec.Elapsed)
			}
		}
		return nil

	case "linkdown":
		h.Model().LinkDown(len(args) > 1 && args[1] == "permanent")
		return nil

	case "reset":
		return h.BusReset()

	case "steps":
		if len(args) != 2 {
			return pkg.ErrInvalidParameter
		}
		n, err := parseUint(args[1], 32)
		if err != nil {
			return err
		}
		h.Steps(int(n))
		return nil

	case "expect-fail":
		if len(args) < 2 {
			return pkg.ErrInvalidParameter
		}
		err := r.Exec(args[1:])
		var cc *CheckCondition
		if errors.As(err, &cc) {
			r.printf("failed as expected: %v\n", cc)
			return nil
		}
		if err == nil {
			return ErrUnexpectedSuccess
		}
		return err
	}
	return fmt.Errorf("%q: %w", args[0], ErrUnknownCommand)
}

func (r *Runner) capacity() (uint32, error) {
	blocks, bs, err := r.host.ReadCapacity()
	if err != nil {
		return 0, err
	}
	r.printf("capacity blocks=%d blockSize=%d\n", blocks, bs)
	return bs, nil
}

// flash streams an Intel HEX image to both parts.
func (r *Runner) flash(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	img, err := flash.LoadHex(f)
	if err != nil {
		return err
	}
	if len(img.Part1) > 0 {
		if err := r.host.WriteFirmware(msc.FirmwarePart1, img.Part1, 0); err != nil {
			return err
		}
	}
	if len(img.Part2) > 0 {
		if err := r.host.WriteFirmware(msc.FirmwarePart2, img.Part2, 0); err != nil {
			return err
		}
	}
	r.printf("flashed part1=%d part2=%d\n", len(img.Part1), len(img.Part2))
	return nil
}

// dump writes the committed image on the flash part to path, reading it
// off the chip rather than through the vendor commands.
func (r *Runner) dump(path string) error {
	part := r.host.Model().Flash()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := flash.DumpHex(f, flash.NewProgrammer(part, part.Size())); err != nil {
		f.Close()
		return err
	}
	r.printf("dumped %s\n", path)
	return f.Close()
}

func (r *Runner) lbaCount(args []string) (uint32, uint16, error) {
	if len(args) != 3 {
		return 0, 0, pkg.ErrInvalidParameter
	}
	lba, err := parseUint(args[1], 32)
	if err != nil {
		return 0, 0, err
	}
	n, err := parseUint(args[2], 16)
	if err != nil {
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, pkg.ErrInvalidParameter
	}
	return uint32(lba), uint16(n), nil
}

func (r *Runner) printf(format string, args ...any) {
	if r.out != nil {
		fmt.Fprintf(r.out, format, args...)
	}
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, pkg.ErrInvalidParameter)
	}
	return v, nil
}

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
