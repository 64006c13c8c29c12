package sim

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/softbridge/pkg"
)

// BlockSize is the block size of the namespace the daemon and the default
// model expose.
const BlockSize = 512

// Media is the block store behind the modeled NVMe namespace.
type Media interface {
	// BlockSize returns the size of a block in bytes.
	BlockSize() uint32

	// BlockCount returns the total number of blocks.
	BlockCount() uint64

	// ReadBlocks reads blocks starting at lba into buf.
	ReadBlocks(lba uint64, blocks uint32, buf []byte) error

	// WriteBlocks writes blocks from buf starting at lba.
	WriteBlocks(lba uint64, blocks uint32, buf []byte) error

	// Sync flushes cached writes.
	Sync() error
}

func checkRange(m Media, lba uint64, blocks uint32, buf []byte) error {
	if lba+uint64(blocks) > m.BlockCount() || lba+uint64(blocks) < lba {
		return fmt.Errorf("sim: lba %d+%d beyond %d blocks: %w", lba, blocks, m.BlockCount(), pkg.ErrOutOfRange)
	}
	if uint64(len(buf)) < uint64(blocks)*uint64(m.BlockSize()) {
		return io.ErrShortBuffer
	}
	return nil
}

// MemoryMedia is media held in memory.
type MemoryMedia struct {
	data      []byte
	blockSize uint32
	mutex     sync.RWMutex
}

// NewMemoryMedia creates zeroed media of blocks blocks of blockSize bytes.
func NewMemoryMedia(blocks uint64, blockSize uint32) *MemoryMedia {
	return &MemoryMedia{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
	}
}

// BlockSize returns the block size.
func (m *MemoryMedia) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the number of blocks.
func (m *MemoryMedia) BlockCount() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// ReadBlocks copies blocks out of memory.
func (m *MemoryMedia) ReadBlocks(lba uint64, blocks uint32, buf []byte) error {
	if err := checkRange(m, lba, blocks, buf); err != nil {
		return err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	off := lba * uint64(m.blockSize)
	copy(buf, m.data[off:off+uint64(blocks)*uint64(m.blockSize)])
	return nil
}

// WriteBlocks copies blocks into memory.
func (m *MemoryMedia) WriteBlocks(lba uint64, blocks uint32, buf []byte) error {
	if err := checkRange(m, lba, blocks, buf); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	off := lba * uint64(m.blockSize)
	copy(m.data[off:off+uint64(blocks)*uint64(m.blockSize)], buf)
	return nil
}

// Sync is a no-op for memory media.
func (m *MemoryMedia) Sync() error {
	return nil
}

// FileMedia is media backed by an image file.
type FileMedia struct {
	file      *os.File
	blockSize uint32
	blocks    uint64
	mutex     sync.RWMutex
}

// OpenFileMedia opens the image at path. When size is non-zero the file is
// created or grown to size bytes.
func OpenFileMedia(path string, size int64, blockSize uint32) (*FileMedia, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if size > stat.Size() {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		size = stat.Size()
	}
	if size < int64(blockSize) {
		file.Close()
		return nil, fmt.Errorf("sim: image %s smaller than one block: %w", path, pkg.ErrInvalidParameter)
	}

	return &FileMedia{
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(size) / uint64(blockSize),
	}, nil
}

// BlockSize returns the block size.
func (f *FileMedia) BlockSize() uint32 {
	return f.blockSize
}

// BlockCount returns the number of whole blocks in the image.
func (f *FileMedia) BlockCount() uint64 {
	return f.blocks
}

// ReadBlocks reads blocks from the image.
func (f *FileMedia) ReadBlocks(lba uint64, blocks uint32, buf []byte) error {
	if err := checkRange(f, lba, blocks, buf); err != nil {
		return err
	}
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	n := int(blocks * f.blockSize)
	_, err := f.file.ReadAt(buf[:n], int64(lba*uint64(f.blockSize)))
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// WriteBlocks writes blocks to the image.
func (f *FileMedia) WriteBlocks(lba uint64, blocks uint32, buf []byte) error {
	if err := checkRange(f, lba, blocks, buf); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()

	n := int(blocks * f.blockSize)
	_, err := f.file.WriteAt(buf[:n], int64(lba*uint64(f.blockSize)))
	return err
}

// Sync flushes image writes to disk.
func (f *FileMedia) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.file.Sync()
}

// Close closes the image file.
func (f *FileMedia) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}
