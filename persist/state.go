// Package persist encodes and decodes the compact state of a buffer: the
// unsaved edit log plus enough backing-file metadata to validate a replay.
//
// The format is versioned but deliberately not byte-stable across releases;
// a decoder rejects unknown versions outright rather than guessing. The
// payload is compressed with a codec recorded in the header and guarded by
// an xxHash64 checksum.
package persist

import (
	"encoding/binary"
	"fmt"

	"github.com/kovaxis/gaze/compress"
	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/internal/hash"
	"github.com/kovaxis/gaze/internal/pool"
)

// Op identifies one kind of logged edit.
type Op uint8

const (
	// OpInsertBytes inserts literal bytes carried in the log.
	OpInsertBytes Op = 0x1
	// OpInsertFileRegion inserts a region of the backing file by reference.
	OpInsertFileRegion Op = 0x2
	// OpDelete removes a virtual range.
	OpDelete Op = 0x3
)

// Edit is one entry of the unsaved edit log, replayed in order on restore.
type Edit struct {
	Op      Op
	Off     int64
	Bytes   []byte
	FileOff int64
	Len     int64
}

// State is the persisted form of a buffer: its backing file identity at
// persist time and the edits not yet saved. Replay validates the backing
// file length; a mismatch forces a full reload as unmapped.
type State struct {
	Path    string
	FileLen int64
	Edits   []Edit
}

const (
	stateMagic   = "GZST"
	stateVersion = 1
	headerSize   = 4 + 1 + 1 + 8 // magic, version, compression, checksum
)

// Encode serializes the state, compressing the payload with the given codec.
func Encode(s State, comp compress.Type) ([]byte, error) {
	codec, err := compress.GetCodec(comp)
	if err != nil {
		return nil, err
	}

	bb := pool.GetStateBuffer()
	defer pool.PutStateBuffer(bb)
	buf := bb.B
	buf = binary.AppendUvarint(buf, uint64(len(s.Path)))
	buf = append(buf, s.Path...)
	buf = binary.AppendVarint(buf, s.FileLen)
	buf = binary.AppendUvarint(buf, uint64(len(s.Edits)))
	for i := range s.Edits {
		e := &s.Edits[i]
		buf = append(buf, byte(e.Op))
		buf = binary.AppendVarint(buf, e.Off)
		switch e.Op {
		case OpInsertBytes:
			buf = binary.AppendUvarint(buf, uint64(len(e.Bytes)))
			buf = append(buf, e.Bytes...)
		case OpInsertFileRegion:
			buf = binary.AppendVarint(buf, e.FileOff)
			buf = binary.AppendVarint(buf, e.Len)
		case OpDelete:
			buf = binary.AppendVarint(buf, e.Len)
		default:
			return nil, fmt.Errorf("unknown edit op: %d", e.Op)
		}
	}
	bb.B = buf

	payload, err := codec.Compress(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to compress state payload: %w", err)
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, stateMagic...)
	out = append(out, stateVersion, byte(comp))
	out = binary.LittleEndian.AppendUint64(out, hash.Sum(payload))
	out = append(out, payload...)

	return out, nil
}

// Decode deserializes a state blob, validating magic, version, and checksum.
func Decode(blob []byte) (State, error) {
	if len(blob) < headerSize || string(blob[:4]) != stateMagic {
		return State{}, fmt.Errorf("%w: bad magic", errs.ErrStateTruncated)
	}
	if blob[4] != stateVersion {
		return State{}, fmt.Errorf("%w: version %d", errs.ErrStateVersion, blob[4])
	}
	comp := compress.Type(blob[5])
	sum := binary.LittleEndian.Uint64(blob[6:14])
	payload := blob[headerSize:]
	if hash.Sum(payload) != sum {
		return State{}, errs.ErrStateChecksum
	}
	codec, err := compress.GetCodec(comp)
	if err != nil {
		return State{}, err
	}
	buf, err := codec.Decompress(payload)
	if err != nil {
		return State{}, fmt.Errorf("failed to decompress state payload: %w", err)
	}

	d := decoder{buf: buf}
	var s State
	s.Path = d.str()
	s.FileLen = d.varint()
	n := d.uvarint()
	if d.err == nil && n > uint64(len(buf)) {
		return State{}, fmt.Errorf("%w: %d edits in %d bytes", errs.ErrStateTruncated, n, len(buf))
	}
	for i := uint64(0); i < n && d.err == nil; i++ {
		var e Edit
		e.Op = Op(d.byte())
		e.Off = d.varint()
		switch e.Op {
		case OpInsertBytes:
			e.Bytes = d.bytes()
		case OpInsertFileRegion:
			e.FileOff = d.varint()
			e.Len = d.varint()
		case OpDelete:
			e.Len = d.varint()
		default:
			if d.err == nil {
				d.err = fmt.Errorf("unknown edit op: %d", e.Op)
			}
		}
		s.Edits = append(s.Edits, e)
	}
	if d.err != nil {
		return State{}, d.err
	}

	return s, nil
}

// decoder reads the uncompressed payload with sticky error handling.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errs.ErrStateTruncated
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail()

		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]

	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()

		return 0
	}
	d.buf = d.buf[n:]

	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail()

		return 0
	}
	d.buf = d.buf[n:]

	return v
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil || n > uint64(len(d.buf)) {
		d.fail()

		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]

	return out
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	b := d.take(n)
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}

func (d *decoder) str() string {
	return string(d.take(d.uvarint()))
}
