// Copyright © 2018 Wei Shen <shenwei356@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package varbyte

import (
	"math/rand"
	"testing"
)

func TestUvarintRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 255, 256, 65535, 65536, 1 << 40, ^uint64(0)}
	for _, v := range vals {
		buf := AppendUvarint(nil, v)
		got, n, err := GetUvarint(buf)
		if err != nil {
			t.Fatalf("GetUvarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d => %d", v, got)
		}
		if n != len(buf) {
			t.Errorf("consumed %d, want %d", n, len(buf))
		}
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	counts := make([]uint32, 200)
	for i := range counts {
		counts[i] = uint32(rand.Intn(1000))
	}
	buf := EncodeDeltas(nil, counts)
	got, n, err := DecodeDeltas(buf, len(counts))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Errorf("consumed %d, want %d", n, len(buf))
	}
	for i := range counts {
		if counts[i] != got[i] {
			t.Errorf("index %d: got %d want %d", i, got[i], counts[i])
		}
	}
}

func TestDeltaEqualRunIsOneByteEach(t *testing.T) {
	counts := make([]uint32, 50)
	for i := range counts {
		counts[i] = 7
	}
	buf := EncodeDeltas(nil, counts)
	// first count (delta from 0) may need more than one byte; every
	// subsequent equal count is a zero delta -> 1 byte (the control byte alone).
	if len(buf) > 2+(len(counts)-1) {
		t.Errorf("equal-run encoding too large: %d bytes for %d counts", len(buf), len(counts))
	}
}
