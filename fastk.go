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

// Package fastk implements the byte-packed k-mer codec shared by every
// phase of the pipeline: 2-bit base encoding, canonical form, and the
// minimizer-window machinery used by the splitter and scheme selector.
//
// Unlike a single machine-word codec, KMER here is unbounded by 64 bits:
// a k-mer is packed into KmerBytes(k) = ceil(2*k/8) bytes, high-order
// base first, so the default KMER=40 (80 packed bits) works the same
// way as KMER=12.
package fastk

import (
	"bytes"
	"errors"
)

// ErrIllegalBase means a base outside the IUPAC symbol set was found.
var ErrIllegalBase = errors.New("fastk: illegal base")

// ErrInvalidK means k <= 0.
var ErrInvalidK = errors.New("fastk: invalid k-mer size")

// ErrKMismatch means two k-mers being compared/combined have different K.
var ErrKMismatch = errors.New("fastk: k-mer size mismatch")

// KmerBytes returns the number of bytes needed to pack k bases at 2 bits each.
func KmerBytes(k int) int {
	return (2*k + 7) / 8
}

// bit2base maps a 2-bit code to its base letter.
var bit2base = [4]byte{'A', 'C', 'G', 'T'}

// base2bit maps an IUPAC base byte to its 2-bit code, following the
// teacher's degenerate-base folding: ambiguous bases collapse to the
// first base listed in their IUPAC expansion.
func base2bit(b byte) (byte, bool) {
	switch b {
	case 'A', 'a', 'N', 'n', 'M', 'm', 'V', 'v', 'H', 'h', 'R', 'r', 'D', 'd', 'W', 'w':
		return 0, true
	case 'C', 'c', 'S', 's', 'B', 'b', 'Y', 'y':
		return 1, true
	case 'G', 'g', 'K', 'k':
		return 2, true
	case 'T', 't', 'U', 'u':
		return 3, true
	default:
		return 0, false
	}
}

// Encode packs a kmer of arbitrary length into KmerBytes(len(kmer)) bytes,
// high-order base first, with any unused bits in the final byte zeroed.
func Encode(kmer []byte) ([]byte, error) {
	k := len(kmer)
	if k == 0 {
		return nil, ErrInvalidK
	}
	nb := KmerBytes(k)
	buf := make([]byte, nb)

	// bitpos is the bit offset (from the most-significant bit of buf)
	// at which the current base's 2 bits land.
	bitpos := nb*8 - 2*k
	for i := 0; i < k; i++ {
		code, ok := base2bit(kmer[i])
		if !ok {
			return nil, ErrIllegalBase
		}
		pos := bitpos + i*2
		byteIdx := pos / 8
		shift := uint(6 - pos%8)
		buf[byteIdx] |= code << shift
	}
	return buf, nil
}

// Decode unpacks k bases from a KmerBytes(k)-byte packed representation.
func Decode(packed []byte, k int) []byte {
	if k <= 0 {
		panic(ErrInvalidK)
	}
	nb := KmerBytes(k)
	out := make([]byte, k)
	bitpos := nb*8 - 2*k
	for i := 0; i < k; i++ {
		pos := bitpos + i*2
		byteIdx := pos / 8
		shift := uint(6 - pos%8)
		code := (packed[byteIdx] >> shift) & 3
		out[i] = bit2base[code]
	}
	return out
}

// RevComp returns the packed reverse complement of a packed k-mer.
func RevComp(packed []byte, k int) []byte {
	if k <= 0 {
		panic(ErrInvalidK)
	}
	nb := KmerBytes(k)
	out := make([]byte, nb)
	bitpos := nb*8 - 2*k
	for i := 0; i < k; i++ {
		pos := bitpos + i*2
		byteIdx := pos / 8
		shift := uint(6 - pos%8)
		code := (packed[byteIdx] >> shift) & 3
		comp := code ^ 3 // A<->T, C<->G under the A=00 C=01 G=10 T=11 encoding

		// Reverse: base i of input becomes base (k-1-i) of output.
		outPos := bitpos + (k-1-i)*2
		outByteIdx := outPos / 8
		outShift := uint(6 - outPos%8)
		out[outByteIdx] |= comp << outShift
	}
	return out
}

// Compare orders two packed k-mers of equal K lexicographically by
// base, most-significant base first — the bucket sorter's tie-break
// rule for folding equal k-mers.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Canonical returns the lexicographically smaller of packed and its
// reverse complement.
func Canonical(packed []byte, k int) []byte {
	rc := RevComp(packed, k)
	if Compare(rc, packed) < 0 {
		return rc
	}
	return packed
}

// String renders a packed k-mer back to its base letters.
func String(packed []byte, k int) string {
	return string(Decode(packed, k))
}
