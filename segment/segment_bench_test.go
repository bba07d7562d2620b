package segment

import "testing"

func BenchmarkInsert_Sequential(b *testing.B) {
	chunk := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var s Set
		for off := int64(0); off < 1<<20; off += 4096 {
			s.Insert(off, chunk)
		}
	}
}

func BenchmarkInsert_Scattered(b *testing.B) {
	chunk := make([]byte, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var s Set
		for k := int64(0); k < 256; k++ {
			s.Insert((k*7919)%(1<<20), chunk)
		}
	}
}

func BenchmarkLongestFrom(b *testing.B) {
	var s Set
	chunk := make([]byte, 4096)
	for off := int64(0); off < 1<<24; off += 8192 {
		s.Insert(off, chunk)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.LongestFrom(int64(i*8192) % (1 << 24))
	}
}
