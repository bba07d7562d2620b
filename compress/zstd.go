package compress

// ZstdCompressor provides Zstandard compression for persisted buffer state.
//
// Two implementations back it, selected at build time: the cgo binding when
// cgo is available, and a pure-Go implementation otherwise. Both produce
// standard zstd frames, so state persisted by one build decodes in the
// other.
type ZstdCompressor struct{}

var _ Codec = (*ZstdCompressor)(nil)

// NewZstdCompressor creates a new Zstd codec with default settings.
func NewZstdCompressor() ZstdCompressor {
	return ZstdCompressor{}
}
