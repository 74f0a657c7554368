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
	"errors"

	"github.com/will-rowe/nthash"
)

// ErrShortSequence means a sequence is shorter than the window it is
// being scanned with.
var ErrShortSequence = errors.New("fastk: sequence shorter than window")

// idxValue pairs a base position with its m-mer order key, the same
// shape the teacher's sketch.go uses for minimizer candidates.
type idxValue struct {
	idx int
	val uint64
}

// MinimizerWindow computes, for every KMER window of seq, the 0-based
// position of that window's minimizer m-mer, using a monotonic deque
// so each base is pushed and popped at most once (amortized O(1) per
// base). ringCap is the deque's backing ring-buffer
// capacity (the scheme's MOD_LEN: a power of two strictly greater than
// k-m+1), so wraparound is a bitmask AND rather than a modulo.
//
// The m-mer order key comes from will-rowe/nthash's rolling hash,
// which is why a sliding window can be re-scored in O(1): each shift
// updates the hash incrementally instead of rehashing m bytes.
func MinimizerWindow(seq []byte, k, m, ringCap int) ([]int, error) {
	w := k - m + 1 // number of m-mer windows per k-mer
	if w < 1 || m <= 0 {
		return nil, ErrInvalidK
	}
	if len(seq) < k {
		return nil, ErrShortSequence
	}
	if ringCap <= w {
		return nil, errors.New("fastk: ringCap must exceed the window width")
	}
	mask := ringCap - 1

	hasher, err := nthash.NewHasher(&seq, uint(m))
	if err != nil {
		return nil, err
	}
	nmers := len(seq) - m + 1
	mvals := make([]uint64, nmers)
	for i := 0; i < nmers; i++ {
		code, ok := hasher.Next(true)
		if !ok {
			return nil, ErrShortSequence
		}
		mvals[i] = code
	}

	ring := make([]idxValue, ringCap)
	head, tail := 0, 0 // live deque occupies [head,tail) mod ringCap, ascending by val

	out := make([]int, len(seq)-k+1)
	for j := 0; j < nmers; j++ {
		for head != tail {
			last := (tail - 1) & mask
			if ring[last].val <= mvals[j] {
				break
			}
			tail = last
		}
		ring[tail] = idxValue{idx: j, val: mvals[j]}
		tail = (tail + 1) & mask

		windowStart := j - w + 1
		for head != tail && ring[head].idx < windowStart {
			head = (head + 1) & mask
		}

		if j >= w-1 {
			out[windowStart] = ring[head].idx
		}
	}
	return out, nil
}
