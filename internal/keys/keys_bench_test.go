package keys

import "testing"

func BenchmarkFor(b *testing.B) {
	b.ReportAllocs()
	var sink Namespace
	for i := 0; i < b.N; i++ {
		sink = For("media")
	}
	_ = sink
}

func BenchmarkStamp(b *testing.B) {
	b.ReportAllocs()
	var s string
	for i := 0; i < b.N; i++ {
		s = Stamp("https://cdn.example.com/assets/video-0001.mp4")
	}
	_ = s
}
