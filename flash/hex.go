package flash

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"

	"github.com/ardnew/softbridge/pkg"
)

// Image is a firmware image split into its parts.
type Image struct {
	Part1 []byte
	Part2 []byte
}

// Size returns the total payload length.
func (img Image) Size() int { return len(img.Part1) + len(img.Part2) }

// LoadHex parses an Intel HEX file whose addresses are flash offsets.
// Gaps inside a part are filled with 0xFF.
func LoadHex(r io.Reader) (Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return Image{}, fmt.Errorf("parse hex: %w", err)
	}
	var end [2]uint32
	for _, seg := range mem.GetDataSegments() {
		last := seg.Address + uint32(len(seg.Data))
		switch {
		case seg.Address < Part1Base:
			return Image{}, fmt.Errorf("segment 0x%06X overlaps config block 0: %w", seg.Address, pkg.ErrOutOfRange)
		case seg.Address < Part2Base:
			if last > Part2Base {
				return Image{}, fmt.Errorf("segment 0x%06X crosses into part2: %w", seg.Address, pkg.ErrOutOfRange)
			}
			end[Part1] = max(end[Part1], last)
		case last > RecordAddr(DefaultSize):
			return Image{}, fmt.Errorf("segment 0x%06X overlaps the boot record: %w", seg.Address, pkg.ErrOutOfRange)
		default:
			end[Part2] = max(end[Part2], last)
		}
	}

	var img Image
	if end[Part1] > 0 {
		img.Part1 = mem.ToBinary(Part1Base, end[Part1]-Part1Base, 0xFF)
	}
	if end[Part2] > 0 {
		img.Part2 = mem.ToBinary(Part2Base, end[Part2]-Part2Base, 0xFF)
	}
	if len(img.Part1) == 0 {
		return img, fmt.Errorf("hex image has no part1: %w", pkg.ErrNoImage)
	}
	return img, nil
}

// DumpHex writes the committed image in p as Intel HEX.
func DumpHex(w io.Writer, p *Programmer) error {
	rec, err := ReadBootRecord(p)
	if err != nil {
		return err
	}
	mem := gohex.NewMemory()
	for _, part := range []Part{Part1, Part2} {
		n := rec.Length(part)
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := p.ReadAt(buf, int64(part.Base())); err != nil {
			return err
		}
		if err := mem.AddBinary(part.Base(), buf); err != nil {
			return err
		}
	}
	mem.DumpIntelHex(w, 16)
	return nil
}

// Install streams img through u in chunks of at most chunk bytes and
// commits it.
func Install(u *Updater, img Image, chunk int) (BootRecord, error) {
	if chunk <= 0 {
		chunk = SectorSize
	}
	for _, part := range []struct {
		id   Part
		data []byte
	}{{Part1, img.Part1}, {Part2, img.Part2}} {
		for off := 0; off < len(part.data); off += chunk {
			if err := u.Write(part.id, part.data[off:min(off+chunk, len(part.data))]); err != nil {
				return BootRecord{}, err
			}
		}
	}
	return u.Commit()
}
