package dma

// Chunk is one staging-sized piece of a block transfer.
type Chunk struct {
	Offset int    // byte offset into the transfer
	Length int    // bytes
	Block  uint64 // first block, relative to the transfer start
	Blocks uint32
}

// Plan splits total bytes of blockSize blocks into chunks that fit the
// staging buffer. Every chunk but the last is a whole number of blocks
// filling as much of staging as possible.
func Plan(total, blockSize, staging int) []Chunk {
	if total <= 0 || blockSize <= 0 || staging < blockSize {
		return nil
	}
	step := staging / blockSize * blockSize
	chunks := make([]Chunk, 0, (total+step-1)/step)
	for off := 0; off < total; off += step {
		n := step
		if total-off < n {
			n = total - off
		}
		chunks = append(chunks, Chunk{
			Offset: off,
			Length: n,
			Block:  uint64(off / blockSize),
			Blocks: uint32((n + blockSize - 1) / blockSize),
		})
	}
	return chunks
}

// Transfer tracks progress through a chunk plan. Residue is what the host
// expected minus what actually moved.
type Transfer struct {
	expected int
	chunks   []Chunk
	next     int
	moved    int
}

// NewTransfer plans total bytes against a host expectation of expected
// bytes.
func NewTransfer(expected, total, blockSize, staging int) *Transfer {
	return &Transfer{expected: expected, chunks: Plan(total, blockSize, staging)}
}

// Next returns the next chunk to move.
func (t *Transfer) Next() (Chunk, bool) {
	if t.next >= len(t.chunks) {
		return Chunk{}, false
	}
	return t.chunks[t.next], true
}

// Complete records the current chunk as moved.
func (t *Transfer) Complete() {
	if t.next < len(t.chunks) {
		t.moved += t.chunks[t.next].Length
		t.next++
	}
}

// Done reports whether every chunk moved.
func (t *Transfer) Done() bool { return t.next >= len(t.chunks) }

// Moved returns the bytes moved so far.
func (t *Transfer) Moved() int { return t.moved }

// Residue returns expected minus moved, never negative.
func (t *Transfer) Residue() int {
	if t.moved >= t.expected {
		return 0
	}
	return t.expected - t.moved
}

// Chunks returns the number of chunks in the plan.
func (t *Transfer) Chunks() int { return len(t.chunks) }
