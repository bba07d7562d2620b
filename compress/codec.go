// Package compress provides the pluggable codecs used when persisting buffer
// state. Persisted state is dominated by the unsaved edit log, whose inserted
// text compresses well; the codec is recorded in the state header so any
// supported codec can decode it back.
package compress

import (
	"fmt"

	"github.com/kovaxis/gaze/errs"
)

// Type identifies a compression algorithm in persisted state headers.
type Type uint8

const (
	None Type = 0x1 // None stores the payload verbatim.
	Zstd Type = 0x2 // Zstd favors ratio; the default for persisted state.
	S2   Type = 0x3 // S2 favors speed.
	LZ4  Type = 0x4 // LZ4 block compression.
)

func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Zstd:
		return "Zstd"
	case S2:
		return "S2"
	case LZ4:
		return "LZ4"
	default:
		return "Unknown"
	}
}

// Compressor compresses a complete payload.
type Compressor interface {
	// Compress compresses the input and returns a newly allocated result.
	// The input slice is not modified.
	Compress(data []byte) ([]byte, error)
}

// Decompressor restores a payload previously produced by the matching
// Compressor. Corrupted or mismatched input yields an error.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Codec combines both directions.
type Codec interface {
	Compressor
	Decompressor
}

var builtinCodecs = map[Type]Codec{
	None: NewNoOpCompressor(),
	Zstd: NewZstdCompressor(),
	S2:   NewS2Compressor(),
	LZ4:  NewLZ4Compressor(),
}

// GetCodec retrieves the built-in Codec for the given type.
func GetCodec(t Type) (Codec, error) {
	if codec, ok := builtinCodecs[t]; ok {
		return codec, nil
	}

	return nil, fmt.Errorf("%w: %s", errs.ErrUnknownCompression, t)
}
