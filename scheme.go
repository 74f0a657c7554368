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
	"fmt"

	"github.com/cespare/xxhash"
)

// Scheme holds every derived size and chosen parameter. It is written
// once by Select and is read-only thereafter, shared by reference
// across every phase and every worker thread.
type Scheme struct {
	Kmer int // KMER

	ModLen int // MOD_LEN: smallest power of two > KMER
	ModMsk int // MOD_MSK = ModLen-1

	MinimizerLen int // m, minimizer length, m < KMER
	Pad          int // p, pad length

	MaxSuper int // MAX_SUPER
	Smer     int // SMER = MaxSuper + Kmer - 1

	SlenBits  int // bits to encode MAX_SUPER
	SlenBytes int // ceil(SlenBits/8)

	KmerBytes int // ceil(2*KMER/8)
	SmerBytes int // ceil(2*SMER/8)

	SmerWord int // SmerBytes + SlenBytes
	KmerWord int // KmerBytes + 2
	TmerWord int // KmerBytes + 2
	PlenBytes int // ceil((SlenBits+1)/8)

	NParts int // number of buckets

	SortMemory int64 // SORT_MEMORY, bytes

	RMax      int64 // bound on run-index
	RunBytes  int   // ceil(log2(RMax)/8)

	CountWidth int // byte width of a k-mer table count (fixed at 2)
}

// bitsFor returns the number of bits needed to represent values in [0,n].
func bitsFor(n int) int {
	bits := 1
	for (1 << uint(bits)) <= n {
		bits++
	}
	return bits
}

// nextPow2GT returns the smallest power of two strictly greater than n.
func nextPow2GT(n int) int {
	p := 1
	for p <= n {
		p <<= 1
	}
	return p
}

// SampleStats summarizes the first ~1GB of bases used by Select.
type SampleStats struct {
	NReads   int64
	TotLen   int64
	MaxReadL int
}

// AverageReadLen returns TotLen/NReads, or 0 if NReads is 0.
func (s SampleStats) AverageReadLen() float64 {
	if s.NReads == 0 {
		return 0
	}
	return float64(s.TotLen) / float64(s.NReads)
}

// ErrReadsTooShort is the input error raised when the sample's
// average read length is below 1.5*KMER.
var ErrReadsTooShort = fmt.Errorf("fastk: sequences too short")

// Select chooses MOD_LEN/pad, MAX_SUPER, and NPARTS from a sample.
// estKmerRecordBytes is the scheme selector's estimate of total
// packed k-mer record bytes the run will produce (used only to size
// NPARTS); sortMemory is the user's -M budget.
func Select(sample SampleStats, kmer int, estKmerRecordBytes, sortMemory int64, maxReadLen int) (*Scheme, error) {
	if kmer <= 0 {
		return nil, ErrInvalidK
	}
	if sample.AverageReadLen() < 1.5*float64(kmer) {
		return nil, ErrReadsTooShort
	}

	modLen := nextPow2GT(kmer)

	// Minimizer length: roughly half of KMER, clamped to a sane
	// [8,28] band so bucket occupancy stays close to uniform across
	// the realistic KMER range (the exact constant is a judgment call).
	m := kmer / 2
	if m < 8 {
		m = 8
	}
	if m > 28 {
		m = 28
	}
	if m >= kmer {
		m = kmer - 1
	}
	pad := modLen - kmer

	// MAX_SUPER: the longest super-mer the scheme promises to bound
	// every read's minimizer runs to. A read entirely covered by one
	// minimizer needs maxReadLen-kmer+1 k-mers in one super-mer; cap
	// it at 65535 so SLEN_BITS stays within 16 (SLEN_BYTES at most 2).
	maxSuper := maxReadLen - kmer + 1
	if maxSuper < 1 {
		maxSuper = 1
	}
	if maxSuper > 65535 {
		maxSuper = 65535
	}

	slenBits := bitsFor(maxSuper)
	slenBytes := (slenBits + 7) / 8
	kmerBytes := KmerBytes(kmer)
	smer := maxSuper + kmer - 1
	smerBytes := KmerBytes(smer)

	nparts := 1
	if sortMemory > 0 && estKmerRecordBytes > 0 {
		nparts = int((estKmerRecordBytes + sortMemory - 1) / sortMemory)
		if nparts < 1 {
			nparts = 1
		}
	}

	rmax := int64(1) << 32
	runBytes := 4

	return &Scheme{
		Kmer:         kmer,
		ModLen:       modLen,
		ModMsk:       modLen - 1,
		MinimizerLen: m,
		Pad:          pad,
		MaxSuper:     maxSuper,
		Smer:         smer,
		SlenBits:     slenBits,
		SlenBytes:    slenBytes,
		KmerBytes:    kmerBytes,
		SmerBytes:    smerBytes,
		SmerWord:     smerBytes + slenBytes,
		KmerWord:     kmerBytes + 2,
		TmerWord:     kmerBytes + 2,
		PlenBytes:    (slenBits + 1 + 7) / 8,
		NParts:       nparts,
		SortMemory:   sortMemory,
		RMax:         rmax,
		RunBytes:     runBytes,
		CountWidth:   2,
	}, nil
}

// BucketOf returns the bucket index in [0,NParts) a minimizer's packed
// bytes are assigned to: hash(minimizer) mod NPARTS, using xxhash as
// the hash family.
func (s *Scheme) BucketOf(minimizerPacked []byte) int {
	h := xxhash.Sum64(minimizerPacked)
	return int(h % uint64(s.NParts))
}
