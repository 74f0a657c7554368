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

// Package split implements the splitter phase: for each read it
// slides the monotonic-deque minimizer window, cuts super-mers at
// minimizer changes / read boundaries / the MAX_SUPER cap, and writes
// each to the bucket file owned by this thread, alongside a parallel
// run-index entry. One Splitter is owned by exactly one worker thread
// for the phase's duration, each with its own file descriptor per
// bucket.
package split

import (
	"github.com/pkg/errors"
	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
)

// ErrSuperMerInvariant is raised when an emitted super-mer's length
// falls outside [1,MAX_SUPER] — it should be unreachable given the
// cut logic below, and existing only means a bug in this package.
var ErrSuperMerInvariant = bucket.ErrInvariant

// BucketWriters groups the per-bucket artifacts one Splitter thread
// owns: the super-mer file and its parallel run-index file.
type BucketWriters struct {
	SuperMer *bucket.SuperMerWriter
	RunIndex *bucket.RunIndexWriter
}

// Splitter is the per-thread splitter state.
type Splitter struct {
	scheme   *fastk.Scheme
	buckets  []BucketWriters
	runIndex uint64

	// stats, read by the pipeline orchestrator for the -v summary.
	ReadsScanned    int64
	SuperMersEmitted int64
}

// New returns a Splitter writing into the given per-bucket writers,
// one pair per scheme.NParts bucket, in bucket-id order.
func New(scheme *fastk.Scheme, buckets []BucketWriters) (*Splitter, error) {
	if len(buckets) != scheme.NParts {
		return nil, errors.Errorf("split: got %d bucket writers, want %d", len(buckets), scheme.NParts)
	}
	return &Splitter{scheme: scheme, buckets: buckets}, nil
}

// Read is the minimal view of partition.Block the Splitter needs,
// decoupling this package from partition's import (avoids a cycle
// with pipeline, which wires both together).
type Read struct {
	Bases []byte
}

// ProcessReads scans every read, in order, bumping the run index once
// per read: partition has already split on N and trimmed bc_prefix,
// so every Read here is exactly one contiguous emission from the
// original source read.
func (s *Splitter) ProcessReads(reads []Read) error {
	for _, r := range reads {
		if err := s.processRead(r.Bases); err != nil {
			return err
		}
	}
	return nil
}

func (s *Splitter) processRead(bases []byte) error {
	s.ReadsScanned++
	s.runIndex++

	k, m := s.scheme.Kmer, s.scheme.MinimizerLen
	windows, err := fastk.MinimizerWindow(bases, k, m, s.scheme.ModLen)
	if err != nil {
		// partition guarantees len(bases) >= k; a short sequence here
		// would be a caller bug.
		return errors.Wrap(err, "split: computing minimizer windows")
	}

	lo := 0
	for i := 1; i <= len(windows); i++ {
		atEnd := i == len(windows)
		changed := !atEnd && windows[i] != windows[lo]
		tooLong := !atEnd && (i-lo+1) > s.scheme.MaxSuper
		if atEnd || changed || tooLong {
			if err := s.emit(bases, lo, i-1, windows[lo]); err != nil {
				return err
			}
			lo = i
		}
	}
	return nil
}

// emit writes one super-mer covering k-mer start positions [lo,hi] of
// bases, whose window minimizer starts at minimizerPos.
func (s *Splitter) emit(bases []byte, lo, hi, minimizerPos int) error {
	k, m := s.scheme.Kmer, s.scheme.MinimizerLen
	lengthMinusKm1 := hi - lo + 1
	if lengthMinusKm1 < 1 || lengthMinusKm1 > s.scheme.MaxSuper {
		return ErrSuperMerInvariant
	}

	superBases := bases[lo : hi+k]
	packed, err := fastk.Encode(superBases)
	if err != nil {
		return errors.Wrap(err, "split: encoding super-mer")
	}

	minPacked, err := fastk.Encode(bases[minimizerPos : minimizerPos+m])
	if err != nil {
		return errors.Wrap(err, "split: encoding minimizer")
	}
	b := s.scheme.BucketOf(minPacked)

	bw := s.buckets[b]
	if err := bw.SuperMer.WriteSuperMer(packed, lengthMinusKm1); err != nil {
		return errors.Wrapf(err, "split: writing super-mer to bucket %d", b)
	}
	if err := bw.RunIndex.WriteRunIndex(s.runIndex); err != nil {
		return errors.Wrapf(err, "split: writing run index to bucket %d", b)
	}
	s.SuperMersEmitted++
	return nil
}

// RunIndex returns the most recently assigned run index, for tests
// and for the pipeline's per-thread stats.
func (s *Splitter) RunIndex() uint64 { return s.runIndex }
