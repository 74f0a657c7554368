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

package fastk

import (
	"testing"

	"github.com/will-rowe/nthash"
)

// bruteWindow is an O(window*m) reference implementation to check the
// monotonic-deque result against.
func bruteWindow(seq []byte, k, m int) []int {
	w := k - m + 1
	nmers := len(seq) - m + 1
	hasher, err := nthash.NewHasher(&seq, uint(m))
	if err != nil {
		panic(err)
	}
	vals := make([]uint64, nmers)
	for i := 0; i < nmers; i++ {
		code, ok := hasher.Next(true)
		if !ok {
			panic("short")
		}
		vals[i] = code
	}
	out := make([]int, len(seq)-k+1)
	for i := range out {
		best, bestI := vals[i], i
		for j := i + 1; j < i+w; j++ {
			if vals[j] < best {
				best, bestI = vals[j], j
			}
		}
		out[i] = bestI
	}
	return out
}

func TestMinimizerWindowMatchesBruteForce(t *testing.T) {
	seq := randSeq(300)
	k, m := 40, 15
	got, err := MinimizerWindow(seq, k, m, 64)
	if err != nil {
		t.Fatal(err)
	}
	want := bruteWindow(seq, k, m)
	if len(got) != len(want) {
		t.Fatalf("len got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("window %d: got minimizer pos %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMinimizerWindowExactK(t *testing.T) {
	seq := randSeq(40)
	got, err := MinimizerWindow(seq, 40, 15, 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one window, got %d", len(got))
	}
}

func TestMinimizerWindowShortSequence(t *testing.T) {
	seq := randSeq(10)
	if _, err := MinimizerWindow(seq, 40, 15, 64); err != ErrShortSequence {
		t.Errorf("expected ErrShortSequence, got %v", err)
	}
}
