package link

import "encoding/binary"

// RecordSize is the wire size of a marshaled fault record.
const RecordSize = 16

// Record is one entry of the fault ring.
type Record struct {
	State   State  // state the fault was raised in
	Code    Code
	Event   Event  // triggering event, for CodeUnexpectedEvent
	Detail  uint8  // code specific: retry count, hardware error code
	Elapsed uint32 // milliseconds since boot
	Seq     uint32
}

// MarshalTo serializes the record into buf and returns bytes written,
// or 0 if buf is too small.
//
// Layout: state, code, event, detail, elapsed (LE32), seq (LE32),
// 4 reserved bytes.
func (r *Record) MarshalTo(buf []byte) int {
	if len(buf) < RecordSize {
		return 0
	}
	buf[0] = uint8(r.State)
	buf[1] = uint8(r.Code)
	buf[2] = uint8(r.Event)
	buf[3] = r.Detail
	binary.LittleEndian.PutUint32(buf[4:8], r.Elapsed)
	binary.LittleEndian.PutUint32(buf[8:12], r.Seq)
	buf[12], buf[13], buf[14], buf[15] = 0, 0, 0, 0
	return RecordSize
}

// ParseRecord parses a marshaled fault record.
func ParseRecord(data []byte, out *Record) bool {
	if len(data) < RecordSize {
		return false
	}
	out.State = State(data[0])
	out.Code = Code(data[1])
	out.Event = Event(data[2])
	out.Detail = data[3]
	out.Elapsed = binary.LittleEndian.Uint32(data[4:8])
	out.Seq = binary.LittleEndian.Uint32(data[8:12])
	return true
}

// Ring holds the most recent fault records. It is not reset by recovery.
type Ring struct {
	recs []Record
	next int
	full bool
	seq  uint32
}

// NewRing creates a ring of n records. n is raised to 8 if smaller.
func NewRing(n int) *Ring {
	if n < 8 {
		n = 8
	}
	return &Ring{recs: make([]Record, n)}
}

// Add appends a record, assigning its sequence number, and returns it.
func (r *Ring) Add(rec Record) Record {
	r.seq++
	rec.Seq = r.seq
	r.recs[r.next] = rec
	r.next++
	if r.next == len(r.recs) {
		r.next = 0
		r.full = true
	}
	return rec
}

// Len returns the number of stored records.
func (r *Ring) Len() int {
	if r.full {
		return len(r.recs)
	}
	return r.next
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.recs) }

// Records returns the stored records, oldest first.
func (r *Ring) Records() []Record {
	out := make([]Record, 0, r.Len())
	if r.full {
		out = append(out, r.recs[r.next:]...)
	}
	return append(out, r.recs[:r.next]...)
}

// Last returns the most recent record.
func (r *Ring) Last() (Record, bool) {
	if r.Len() == 0 {
		return Record{}, false
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.recs) - 1
	}
	return r.recs[i], true
}
