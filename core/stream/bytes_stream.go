// Package stream implements the segmented byte chain that every connection uses
// for inbound accumulation and outbound staging.
package stream

import (
	"errors"
	"io"
	"slices"

	"github.com/QubitProducts/topNET-sub000/core/pools"
)

// DefaultSegmentSize is used when Options.SegmentSize is not set
const DefaultSegmentSize = 4096

// ErrSizeLimit is returned when the chain would have to grow past Options.MaxSize
var ErrSizeLimit = errors.New("stream: size limit reached")

var defaultPool = pools.NewBytePool()

// Options configures a BytesStream
type Options struct {
	SegmentSize int // capacity of every segment
	MaxSize     int // cap on retained capacity, 0 means unbounded

	// Recycle only splices consumed segments while the retained
	// capacity is below this many bytes. 0 always recycles.
	RecycleThreshold int
}

// BytesStream is a chain of fixed-size segments with an append-only write
// cursor and an independent forward-only read cursor.
//
// Segments live in an index-addressed arena: segs[i] holds fill[i] written
// bytes. Segments past the write cursor are empty spares kept for reuse.
// The read cursor (r, rOff) never passes the write cursor (w, fill[w]).
//
// A BytesStream is not safe for concurrent use.
type BytesStream struct {
	opts Options
	pool *pools.BytePool

	segs [][]byte
	fill []int

	w    int
	r    int
	rOff int
}

// New creates an empty stream. Segments are allocated from pool on demand;
// a nil pool uses a package-level default.
func New(opts Options, pool *pools.BytePool) *BytesStream {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.MaxSize > 0 && opts.MaxSize < opts.SegmentSize {
		opts.MaxSize = opts.SegmentSize
	}
	if pool == nil {
		pool = defaultPool
	}
	return &BytesStream{opts: opts, pool: pool}
}

func (s *BytesStream) grow() error {
	if s.opts.MaxSize > 0 && (len(s.segs)+1)*s.opts.SegmentSize > s.opts.MaxSize {
		return ErrSizeLimit
	}
	s.segs = append(s.segs, s.pool.Get(s.opts.SegmentSize))
	s.fill = append(s.fill, 0)
	return nil
}

// WriteSegment returns the writable free space of the current write segment,
// moving to the next segment when the current one is full. The next segment
// is a reused spare when one exists, otherwise a new one from the pool.
// Bytes copied into the returned slice become visible after Commit.
func (s *BytesStream) WriteSegment() ([]byte, error) {
	if len(s.segs) == 0 {
		if err := s.grow(); err != nil {
			return nil, err
		}
	}
	if s.fill[s.w] == len(s.segs[s.w]) {
		if s.w+1 == len(s.segs) {
			if err := s.grow(); err != nil {
				return nil, err
			}
		}
		s.w++
		s.fill[s.w] = 0
	}
	return s.segs[s.w][s.fill[s.w]:], nil
}

// Commit advances the write cursor by n bytes previously placed into the
// slice returned by WriteSegment.
func (s *BytesStream) Commit(n int) {
	if n <= 0 || len(s.segs) == 0 {
		return
	}
	s.fill[s.w] = min(s.fill[s.w]+n, len(s.segs[s.w]))
}

// Write appends p, growing the chain as needed. On ErrSizeLimit the bytes
// that fit have been written and n reports how many.
func (s *BytesStream) Write(p []byte) (n int, err error) {
	for n < len(p) {
		seg, err := s.WriteSegment()
		if err != nil {
			return n, err
		}
		c := copy(seg, p[n:])
		s.Commit(c)
		n += c
	}
	return n, nil
}

// WriteString is Write for strings
func (s *BytesStream) WriteString(str string) (n int, err error) {
	for n < len(str) {
		seg, err := s.WriteSegment()
		if err != nil {
			return n, err
		}
		c := copy(seg, str[n:])
		s.Commit(c)
		n += c
	}
	return n, nil
}

// advance moves the read cursor off exhausted segments
func (s *BytesStream) advance() {
	for s.r < s.w && s.rOff >= s.fill[s.r] {
		s.r++
		s.rOff = 0
	}
}

// ReadByte returns the next unread byte, or io.EOF when the read cursor has
// caught up with the write cursor.
func (s *BytesStream) ReadByte() (byte, error) {
	if len(s.segs) == 0 {
		return 0, io.EOF
	}
	s.advance()
	if s.rOff >= s.fill[s.r] {
		return 0, io.EOF
	}
	b := s.segs[s.r][s.rOff]
	s.rOff++
	return b, nil
}

// Readable returns the contiguous unread bytes of the current read segment
// without consuming them.
func (s *BytesStream) Readable() []byte {
	if len(s.segs) == 0 {
		return nil
	}
	s.advance()
	return s.segs[s.r][s.rOff:s.fill[s.r]]
}

// Skip consumes up to n unread bytes and returns how many were skipped
func (s *BytesStream) Skip(n int) int {
	skipped := 0
	for skipped < n {
		chunk := s.Readable()
		if len(chunk) == 0 {
			break
		}
		c := min(len(chunk), n-skipped)
		s.rOff += c
		skipped += c
	}
	return skipped
}

// Read drains unread bytes into p. It returns io.EOF only when nothing is
// available and p is non-empty.
func (s *BytesStream) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		chunk := s.Readable()
		if len(chunk) == 0 {
			break
		}
		c := copy(p[n:], chunk)
		s.rOff += c
		n += c
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Available returns the number of bytes between the read and write cursors
func (s *BytesStream) Available() int {
	if len(s.segs) == 0 {
		return 0
	}
	total := s.fill[s.r] - s.rOff
	for i := s.r + 1; i <= s.w; i++ {
		total += s.fill[i]
	}
	return total
}

// Reset rewinds both cursors to the head of the chain. Segments are kept.
func (s *BytesStream) Reset() {
	for i := range s.fill {
		s.fill[i] = 0
	}
	s.w, s.r, s.rOff = 0, 0, 0
}

// Shrink releases tail segments so that at most target bytes of capacity
// remain. Segments holding written data are never released.
func (s *BytesStream) Shrink(target int) {
	if len(s.segs) == 0 {
		return
	}
	keep := (target + s.opts.SegmentSize - 1) / s.opts.SegmentSize
	used := s.w + 1
	if s.w == 0 && s.fill[0] == 0 {
		used = 0
	}
	keep = max(keep, used)
	if keep >= len(s.segs) {
		return
	}
	for i := keep; i < len(s.segs); i++ {
		s.pool.Put(s.segs[i])
		s.segs[i] = nil
	}
	s.segs = s.segs[:keep]
	s.fill = s.fill[:keep]
	if keep == 0 {
		s.w, s.r, s.rOff = 0, 0, 0
	}
}

// Recycle splices fully-read leading segments to the tail of the chain so
// they are reused by later writes. It is a no-op when the chain has fewer
// than two segments, when the read cursor is still on the first segment, or
// when the retained size is at or above the recycle threshold.
func (s *BytesStream) Recycle() bool {
	if len(s.segs) < 2 {
		return false
	}
	s.advance()
	if s.r == 0 {
		return false
	}
	if s.opts.RecycleThreshold > 0 && s.Size() >= s.opts.RecycleThreshold {
		return false
	}

	k := s.r
	for i := 0; i < k; i++ {
		s.fill[i] = 0
	}
	rotate(s.segs, k)
	rotate(s.fill, k)
	s.w -= k
	s.r = 0
	return true
}

// rotate moves the first k elements of v to its end, in place
func rotate[T any](v []T, k int) {
	slices.Reverse(v[:k])
	slices.Reverse(v[k:])
	slices.Reverse(v)
}

// Release hands every segment back to the pool and empties the chain
func (s *BytesStream) Release() {
	for i, seg := range s.segs {
		s.pool.Put(seg)
		s.segs[i] = nil
	}
	s.segs = s.segs[:0]
	s.fill = s.fill[:0]
	s.w, s.r, s.rOff = 0, 0, 0
}

// Size returns the retained capacity in bytes
func (s *BytesStream) Size() int {
	return len(s.segs) * s.opts.SegmentSize
}

// Segments returns the number of segments in the chain
func (s *BytesStream) Segments() int {
	return len(s.segs)
}

// SegmentSize returns the configured segment capacity
func (s *BytesStream) SegmentSize() int {
	return s.opts.SegmentSize
}
