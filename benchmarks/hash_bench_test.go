package benchmarks

import (
	"testing"

	"github.com/meshforge/fabricd/internal/hashcrack/algorithms"
)

var sampleCandidates = [][]byte{
	[]byte("a"),
	[]byte("password1"),
	[]byte("a much longer candidate string used to stress the digest loop"),
}

func BenchmarkCompute_MD5(b *testing.B) {
	benchmarkAlgo(b, algorithms.MD5)
}

func BenchmarkCompute_SHA256(b *testing.B) {
	benchmarkAlgo(b, algorithms.SHA256)
}

func BenchmarkCompute_SHA3_256(b *testing.B) {
	benchmarkAlgo(b, algorithms.SHA3256)
}

func BenchmarkCompute_Blake2b(b *testing.B) {
	benchmarkAlgo(b, algorithms.Blake2b)
}

func benchmarkAlgo(b *testing.B, name algorithms.Name) {
	for _, c := range sampleCandidates {
		b.Run(getLengthCategory(len(c)), func(b *testing.B) {
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := algorithms.Compute(name, c, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkCompute_Parallel(b *testing.B) {
	candidate := sampleCandidates[2]

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := algorithms.Compute(algorithms.SHA256, candidate, nil); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func getLengthCategory(length int) string {
	switch {
	case length < 5:
		return "short"
	case length < 32:
		return "medium"
	default:
		return "long"
	}
}

// Memory allocation benchmark
func BenchmarkComputeWPAPSK_Memory(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		algorithms.ComputeWPAPSK("passphrase123", "somessid")
	}
}
