package flash

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"github.com/HewlettPackard/structex"
	"github.com/sigurn/crc8"

	"github.com/ardnew/softbridge/pkg"
)

// Part selects a firmware image region.
type Part int

// Firmware parts.
const (
	Part1 Part = iota
	Part2
)

// Part selectors carried in cdb[1] of the stream command.
const (
	SelectPart1 uint8 = 0x50
	SelectPart2 uint8 = 0xD0
)

// PartFromSelector maps a stream command selector to a part.
func PartFromSelector(sel uint8) (Part, error) {
	switch sel {
	case SelectPart1:
		return Part1, nil
	case SelectPart2:
		return Part2, nil
	}
	return 0, fmt.Errorf("part selector 0x%02X: %w", sel, pkg.ErrInvalidParameter)
}

// Base returns the flash offset of the part.
func (p Part) Base() uint32 {
	if p == Part2 {
		return Part2Base
	}
	return Part1Base
}

func (p Part) String() string {
	if p == Part2 {
		return "part2"
	}
	return "part1"
}

// BootMagic identifies a committed boot record.
var BootMagic = [4]byte{'A', 'S', 'B', 'R'}

// BootRecordSize is the encoded size of [BootRecord].
const BootRecordSize = 32

// BootRecord describes the committed firmware image.
type BootRecord struct {
	Magic       [4]byte
	Sequence    uint32
	Part1Length uint32
	Part1CRC    uint32
	Part2Length uint32
	Part2CRC    uint32
	Reserved    [7]byte
	CRC         uint8
}

// Length returns the committed length of part.
func (r *BootRecord) Length(part Part) uint32 {
	if part == Part2 {
		return r.Part2Length
	}
	return r.Part1Length
}

func (r *BootRecord) set(part Part, length, sum uint32) {
	if part == Part2 {
		r.Part2Length, r.Part2CRC = length, sum
	} else {
		r.Part1Length, r.Part1CRC = length, sum
	}
}

func (r *BootRecord) sum(part Part) uint32 {
	if part == Part2 {
		return r.Part2CRC
	}
	return r.Part1CRC
}

// RecordAddr returns the boot record offset for a part of size bytes.
func RecordAddr(size int) uint32 {
	return uint32(size) - SectorSize
}

// ReadBootRecord decodes and checks the boot record without verifying the
// image it describes.
func ReadBootRecord(p *Programmer) (BootRecord, error) {
	var rec BootRecord
	buf := make([]byte, BootRecordSize)
	if _, err := p.ReadAt(buf, int64(RecordAddr(p.Size()))); err != nil {
		return rec, err
	}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(buf), &rec); err != nil {
		return rec, err
	}
	if rec.Magic != BootMagic {
		return rec, pkg.ErrNoImage
	}
	if crc8Of(buf[:BootRecordSize-1]) != rec.CRC {
		return rec, pkg.ErrBadChecksum
	}
	return rec, nil
}

// Boot returns the committed record after verifying each part against its
// CRC-32. Anything short of a fully committed image is an error.
func Boot(p *Programmer) (BootRecord, error) {
	rec, err := ReadBootRecord(p)
	if err != nil {
		return rec, err
	}
	if rec.Part1Length == 0 {
		return rec, pkg.ErrNoImage
	}
	for _, part := range []Part{Part1, Part2} {
		sum, err := partCRC(p, part, rec.Length(part))
		if err != nil {
			return rec, err
		}
		if sum != rec.sum(part) {
			pkg.LogWarn(pkg.ComponentFlash, "image checksum mismatch",
				"part", part, "want", fmt.Sprintf("%08X", rec.sum(part)), "got", fmt.Sprintf("%08X", sum))
			return rec, pkg.ErrBadChecksum
		}
	}
	return rec, nil
}

// UpdaterStats counts firmware update activity.
type UpdaterStats struct {
	Chunks  uint64
	Bytes   uint64
	Commits uint64
}

// Updater streams firmware chunks into the part regions. The first chunk
// after a commit erases the boot record, so an interrupted update never
// boots; [Updater.Commit] seals the new image.
type Updater struct {
	prog        *Programmer
	cursor      [2]uint32
	dirty       [2]bool
	invalidated bool
	prev        BootRecord
	prevValid   bool
	stats       UpdaterStats
}

// NewUpdater returns an updater over p.
func NewUpdater(p *Programmer) *Updater {
	return &Updater{prog: p}
}

// Limit returns the first offset past part.
func (u *Updater) Limit(part Part) uint32 {
	if part == Part1 {
		return Part2Base
	}
	return RecordAddr(u.prog.Size())
}

// Cursor returns the number of bytes written to part since the last commit.
func (u *Updater) Cursor(part Part) uint32 { return u.cursor[part] }

// Pending reports whether chunks have been written without a commit.
func (u *Updater) Pending() bool { return u.invalidated }

// Stats returns a snapshot of the counters.
func (u *Updater) Stats() UpdaterStats { return u.stats }

// Write appends data to part at its cursor.
func (u *Updater) Write(part Part, data []byte) error {
	if part != Part1 && part != Part2 {
		return pkg.ErrInvalidParameter
	}
	off := part.Base() + u.cursor[part]
	if off+uint32(len(data)) > u.Limit(part) {
		return fmt.Errorf("%s chunk at 0x%06X+%d: %w", part, off, len(data), pkg.ErrOutOfRange)
	}
	if !u.invalidated {
		if err := u.invalidate(); err != nil {
			return err
		}
	}
	if _, err := u.prog.WriteAt(data, int64(off)); err != nil {
		return err
	}
	u.cursor[part] += uint32(len(data))
	u.dirty[part] = true
	u.stats.Chunks++
	u.stats.Bytes += uint64(len(data))
	pkg.LogDebug(pkg.ComponentFlash, "image chunk", "part", part, "offset", off, "length", len(data))
	return nil
}

func (u *Updater) invalidate() error {
	rec, err := ReadBootRecord(u.prog)
	u.prev, u.prevValid = rec, err == nil
	if err := u.prog.Erase(RecordAddr(u.prog.Size()), SectorSize); err != nil {
		return err
	}
	u.invalidated = true
	pkg.LogInfo(pkg.ComponentFlash, "boot record invalidated", "previous", u.prevValid)
	return nil
}

// Commit writes a boot record covering the parts written since the last
// commit. Parts not rewritten keep their previous record entries.
func (u *Updater) Commit() (BootRecord, error) {
	if !u.invalidated {
		rec, err := ReadBootRecord(u.prog)
		if err != nil {
			return rec, fmt.Errorf("commit with nothing written: %w", pkg.ErrNoImage)
		}
		return rec, nil
	}

	rec := BootRecord{Magic: BootMagic, Sequence: 1}
	if u.prevValid {
		rec = u.prev
		rec.Sequence++
	}
	for _, part := range []Part{Part1, Part2} {
		if !u.dirty[part] {
			continue
		}
		sum, err := partCRC(u.prog, part, u.cursor[part])
		if err != nil {
			return rec, err
		}
		rec.set(part, u.cursor[part], sum)
	}
	if rec.Part1Length == 0 {
		return rec, fmt.Errorf("commit without part1: %w", pkg.ErrNoImage)
	}
	for i := range rec.Reserved {
		rec.Reserved[i] = 0xFF
	}

	data, err := structex.EncodeByteBuffer(&rec)
	if err != nil {
		return rec, err
	}
	data[BootRecordSize-1] = crc8Of(data[:BootRecordSize-1])
	rec.CRC = data[BootRecordSize-1]
	if _, err := u.prog.WriteAt(data, int64(RecordAddr(u.prog.Size()))); err != nil {
		return rec, err
	}

	u.cursor = [2]uint32{}
	u.dirty = [2]bool{}
	u.invalidated = false
	u.stats.Commits++
	pkg.LogInfo(pkg.ComponentFlash, "image committed",
		"sequence", rec.Sequence, "part1", rec.Part1Length, "part2", rec.Part2Length)
	return rec, nil
}

func partCRC(p *Programmer, part Part, length uint32) (uint32, error) {
	var (
		sum uint32
		buf = make([]byte, SectorSize)
		off = part.Base()
	)
	for length > 0 {
		n := uint32(len(buf))
		if n > length {
			n = length
		}
		if _, err := p.ReadAt(buf[:n], int64(off)); err != nil {
			return 0, err
		}
		sum = crc32.Update(sum, crc32.IEEETable, buf[:n])
		off += n
		length -= n
	}
	return sum, nil
}

func crc8Of(b []byte) uint8 {
	return crc8.Checksum(b, crcTable)
}
