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

// Package mergeprofile implements the profile merger: for each
// thread, it N-way merges that thread's profile segments across every
// bucket, keyed by run index, stitching a read's per-bucket segments
// back into one position-ordered count vector; threads are then
// concatenated in thread-major, run-index-minor order.
//
// Within one run index, a read's segments can come from more than one
// bucket when the read's minimizer changes bucket mid-read. This
// package orders same-run-index segments by ascending bucket id: the
// splitter itself never reorders a read's bases, so bucket id is the
// only ordering key available without a dedicated emission sequence
// number, and it is deterministic and stable across runs.
package mergeprofile

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/shenwei356/fastk/bucket"
	"github.com/shenwei356/fastk/varbyte"
)

var be = binary.BigEndian

// Stats carries the counters the pipeline reports under -v.
type Stats struct {
	ReadsWritten  int64
	EntriesWritten int64
}

// BucketSource opens bucket b's profile stream for thread t, or
// returns (nil, nil) if that (t,b) pair produced no profile file
// (the bucket never received a super-mer from that thread).
type BucketSource func(threadID, bucketID int) (io.ReadCloser, error)

// MergeThread merges one thread's profile segments across nbuckets
// buckets, writing that thread's shard ({i64 nreads,
// offsets[nreads+1], varbyte profile segments}) to out.
func MergeThread(threadID, nbuckets int, runBytes, plenBytes int, open BucketSource, out io.Writer) (Stats, error) {
	var stats Stats

	segments := map[uint64][][]uint32{} // run index -> per-bucket absolute count vectors, bucket-ascending
	var maxRun uint64

	for b := 0; b < nbuckets; b++ {
		rc, err := open(threadID, b)
		if err != nil {
			return stats, errors.Wrapf(err, "mergeprofile: opening thread %d bucket %d", threadID, b)
		}
		if rc == nil {
			continue
		}
		pr := bucket.NewProfileReader(rc, runBytes, plenBytes)
		for {
			seg, err := pr.ReadSegment()
			if err == io.EOF {
				break
			}
			if err != nil {
				rc.Close()
				return stats, errors.Wrapf(err, "mergeprofile: reading thread %d bucket %d", threadID, b)
			}
			// Each bucket's segment is delta-encoded independently
			// (relative to 0), so it must be decoded to absolute
			// counts before stitching with another bucket's segment
			// — concatenating raw payload bytes would corrupt the
			// delta state at the boundary.
			counts, err := varbyte.DecodeAllDeltas(seg.Payload)
			if err != nil {
				rc.Close()
				return stats, errors.Wrapf(err, "mergeprofile: decoding thread %d bucket %d run %d", threadID, b, seg.RunIndex)
			}
			segments[seg.RunIndex] = append(segments[seg.RunIndex], counts)
			if seg.RunIndex > maxRun {
				maxRun = seg.RunIndex
			}
		}
		if err := rc.Close(); err != nil {
			return stats, errors.Wrapf(err, "mergeprofile: closing thread %d bucket %d", threadID, b)
		}
	}

	if len(segments) == 0 {
		return stats, writeShard(out, nil, &stats)
	}

	reads := make([][]byte, 0, len(segments))
	for run := uint64(1); run <= maxRun; run++ {
		perBucket, ok := segments[run]
		if !ok {
			continue
		}
		var full []uint32
		for _, counts := range perBucket {
			full = append(full, counts...)
		}
		reads = append(reads, varbyte.EncodeDeltas(nil, full))
	}

	return stats, writeShard(out, reads, &stats)
}

// writeShard writes the {i64 nreads, offsets[nreads+1], payload bytes}
// shard format; offsets are byte offsets into the concatenated
// payload stream that follows, letting a random-access reader seek
// straight to a read's profile.
func writeShard(w io.Writer, reads [][]byte, stats *Stats) error {
	if err := binary.Write(w, be, int64(len(reads))); err != nil {
		return errors.Wrap(err, "mergeprofile: writing nreads")
	}
	offsets := make([]int64, len(reads)+1)
	var pos int64
	for i, r := range reads {
		offsets[i] = pos
		pos += int64(len(r))
	}
	offsets[len(reads)] = pos
	if err := binary.Write(w, be, offsets); err != nil {
		return errors.Wrap(err, "mergeprofile: writing offsets")
	}
	for _, r := range reads {
		if _, err := w.Write(r); err != nil {
			return errors.Wrap(err, "mergeprofile: writing payload")
		}
		stats.EntriesWritten += int64(len(r))
	}
	stats.ReadsWritten = int64(len(reads))
	return nil
}

// Merge drives MergeThread for every thread in thread-id order,
// writing each thread's shard via shardWriters[t].
func Merge(nthreads, nbuckets int, runBytes, plenBytes int, open BucketSource, shardWriters []io.Writer) (Stats, error) {
	var total Stats
	if len(shardWriters) != nthreads {
		return total, errors.Errorf("mergeprofile: %d shard writers, want %d", len(shardWriters), nthreads)
	}
	for t := 0; t < nthreads; t++ {
		st, err := MergeThread(t, nbuckets, runBytes, plenBytes, open, shardWriters[t])
		if err != nil {
			return total, err
		}
		total.ReadsWritten += st.ReadsWritten
		total.EntriesWritten += st.EntriesWritten
	}
	return total, nil
}

// WriteStub writes the ".prof" stub header, mirroring mergetable's
// ".ktab" stub shape.
func WriteStub(w io.Writer, kmer, nthreads int) error {
	return binary.Write(w, be, [2]int32{int32(kmer), int32(nthreads)})
}

// DecodeRead decodes one read's full stitched profile (its
// concatenated, still delta-encoded payload) back into per-position
// counts, undoing the delta encoding varbyte applies because it does
// not know the entry count ahead of time.
func DecodeRead(payload []byte) ([]uint32, error) {
	return varbyte.DecodeAllDeltas(payload)
}
