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

// Package varbyte implements the variable-byte integer encoding used
// for profile segments: counts are delta-encoded from the previous
// k-mer's count, so runs of equal counts collapse to one byte each.
//
// The one-control-byte-plus-payload shape below generalizes the
// teacher's two-value group-varint packing (varint-GB.go's
// PutUint64s/Uint64s, whose control byte records each value's
// big-endian byte length) down to a single self-delimited value per
// control byte, so a profile segment is a flat, appendable stream
// instead of a fixed pair.
package varbyte

import "errors"

// ErrTruncated means the buffer ended before a value's payload did.
var ErrTruncated = errors.New("varbyte: truncated input")

// byteLen returns how many bytes are needed to hold x, 0..8, where zero
// needs none (teacher's varint-GB.go byteLength, generalized to the
// full uint64 range).
func byteLen(x uint64) uint8 {
	n := uint8(0)
	for x > 0 {
		x >>= 8
		n++
	}
	return n
}

// PutUvarint writes x into buf as one control byte (byteLen(x), 0..8)
// followed by that many big-endian bytes, and returns the total bytes
// written; zero is the control byte alone. buf must have capacity for
// at least 9 bytes.
func PutUvarint(buf []byte, x uint64) int {
	n := byteLen(x)
	buf[0] = n
	for i := int(n) - 1; i >= 0; i-- {
		buf[1+i] = byte(x & 0xff)
		x >>= 8
	}
	return int(n) + 1
}

// AppendUvarint appends x's self-delimited encoding to buf.
func AppendUvarint(buf []byte, x uint64) []byte {
	var tmp [9]byte
	n := PutUvarint(tmp[:], x)
	return append(buf, tmp[:n]...)
}

// GetUvarint reads one self-delimited value from the front of buf,
// returning the value and the number of bytes consumed.
func GetUvarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrTruncated
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return 0, 0, ErrTruncated
	}
	var x uint64
	for i := 0; i < n; i++ {
		x = x<<8 | uint64(buf[1+i])
	}
	return x, 1 + n, nil
}

// zigzag maps a signed delta to an unsigned value so small negative
// and small positive deltas both encode short.
func zigzag(d int64) uint64 {
	return uint64((d << 1) ^ (d >> 63))
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// EncodeDeltas appends the delta-encoded, varint-packed counts of a
// profile segment to buf: counts[i] is stored as
// zigzag(counts[i]-counts[i-1]), counts[0] relative to 0.
// Equal-count runs (the common case at low error rate) encode to a
// single repeated zero byte each.
func EncodeDeltas(buf []byte, counts []uint32) []byte {
	var prev int64
	for _, c := range counts {
		d := int64(c) - prev
		buf = AppendUvarint(buf, zigzag(d))
		prev = int64(c)
	}
	return buf
}

// DecodeAllDeltas decodes a full delta-encoded profile segment
// payload whose entry count isn't known ahead of time (only its byte
// length is recorded), consuming buf to exhaustion.
func DecodeAllDeltas(buf []byte) ([]uint32, error) {
	var counts []uint32
	var prev int64
	for len(buf) > 0 {
		u, n, err := GetUvarint(buf)
		if err != nil {
			return nil, err
		}
		prev += unzigzag(u)
		counts = append(counts, uint32(prev))
		buf = buf[n:]
	}
	return counts, nil
}

// DecodeDeltas decodes n delta-encoded counts from the front of buf,
// returning the counts and the number of bytes consumed.
func DecodeDeltas(buf []byte, n int) ([]uint32, int, error) {
	counts := make([]uint32, n)
	var prev int64
	pos := 0
	for i := 0; i < n; i++ {
		u, consumed, err := GetUvarint(buf[pos:])
		if err != nil {
			return nil, pos, err
		}
		prev += unzigzag(u)
		counts[i] = uint32(prev)
		pos += consumed
	}
	return counts, pos, nil
}
