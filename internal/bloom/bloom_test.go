package bloom

import (
	"fmt"
	"testing"
)

func TestAddContainsNoFalseNegatives(t *testing.T) {
	keys := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%04d", i)))
	}

	f := New(len(keys), 0.01)
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		if !f.Contains(k) {
			t.Fatalf("false negative for key %q", k)
		}
	}
}

func TestFalsePositiveRateBounded(t *testing.T) {
	const n = 2000
	keys := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, []byte(fmt.Sprintf("present-%05d", i)))
	}
	f := New(n, 0.01)
	for _, k := range keys {
		f.Add(k)
	}

	falsePositives := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		k := []byte(fmt.Sprintf("absent-%06d", i))
		if f.Contains(k) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / trials
	if rate > 0.02 {
		t.Fatalf("false positive rate %.4f exceeds 2x target (0.02)", rate)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}

	data := f.Encode()
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !decoded.Contains([]byte(fmt.Sprintf("k%d", i))) {
			t.Fatalf("decoded filter missing key k%d", i)
		}
	}
}

func TestDecodeRejectsForeignHashID(t *testing.T) {
	f := New(10, 0.01)
	data := f.Encode()
	data[0] ^= 0xFF // corrupt the embedded hash identifier

	if _, err := Decode(data); err == nil {
		t.Fatal("expected Decode to reject a mismatched hash identifier")
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected Decode to reject a truncated header")
	}
}
