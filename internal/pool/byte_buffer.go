package pool

import "sync"

// Default sizes for the two pooled buffer classes.
//
// Chunk buffers back loader reads; their default matches the loader's chunk
// size. State buffers back persisted-state encoding, which is usually small.
const (
	ChunkBufferDefaultSize = 256 * 1024
	ChunkBufferMaxRetain   = 1024 * 1024
	StateBufferDefaultSize = 16 * 1024
	StateBufferMaxRetain   = 128 * 1024
)

// ByteBuffer is a reusable byte slice wrapper handed out by the pools below.
type ByteBuffer struct {
	// B is the underlying byte slice.
	B []byte
}

// NewByteBuffer creates a new ByteBuffer with the specified capacity.
func NewByteBuffer(capacity int) *ByteBuffer {
	return &ByteBuffer{B: make([]byte, 0, capacity)}
}

// Bytes returns the underlying byte slice.
func (bb *ByteBuffer) Bytes() []byte {
	return bb.B
}

// Len returns the length of the buffer.
func (bb *ByteBuffer) Len() int {
	return len(bb.B)
}

// Cap returns the capacity of the buffer.
func (bb *ByteBuffer) Cap() int {
	return cap(bb.B)
}

// Reset resets the buffer to be empty, retaining the allocated memory.
func (bb *ByteBuffer) Reset() {
	bb.B = bb.B[:0]
}

// MustWrite appends data to the buffer, growing it if necessary.
func (bb *ByteBuffer) MustWrite(data []byte) {
	bb.B = append(bb.B, data...)
}

// SetLength sets the length of the buffer to n, growing capacity if needed.
func (bb *ByteBuffer) SetLength(n int) {
	if n < 0 {
		panic("SetLength: negative length")
	}
	if n <= cap(bb.B) {
		bb.B = bb.B[:n]
		return
	}
	grown := make([]byte, n)
	copy(grown, bb.B)
	bb.B = grown
}

var chunkBufferPool = sync.Pool{
	New: func() any {
		return NewByteBuffer(ChunkBufferDefaultSize)
	},
}

var stateBufferPool = sync.Pool{
	New: func() any {
		return NewByteBuffer(StateBufferDefaultSize)
	},
}

// GetChunkBuffer returns a ByteBuffer sized for loader read chunks.
func GetChunkBuffer() *ByteBuffer {
	bb, _ := chunkBufferPool.Get().(*ByteBuffer)
	bb.Reset()

	return bb
}

// PutChunkBuffer returns a chunk buffer to the pool.
// Oversized buffers are dropped so a single huge read does not pin memory.
func PutChunkBuffer(bb *ByteBuffer) {
	if bb == nil || cap(bb.B) > ChunkBufferMaxRetain {
		return
	}
	chunkBufferPool.Put(bb)
}

// GetStateBuffer returns a ByteBuffer sized for persisted-state encoding.
func GetStateBuffer() *ByteBuffer {
	bb, _ := stateBufferPool.Get().(*ByteBuffer)
	bb.Reset()

	return bb
}

// PutStateBuffer returns a state buffer to the pool.
func PutStateBuffer(bb *ByteBuffer) {
	if bb == nil || cap(bb.B) > StateBufferMaxRetain {
		return
	}
	stateBufferPool.Put(bb)
}
