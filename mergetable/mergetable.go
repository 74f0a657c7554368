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

// Package mergetable implements the table merger: an N-way merge of
// the NPARTS sorted bucket.table files into one global sorted k-mer
// table, split into NTHREADS output shards (".ktab" stub + hidden
// shard format). Because each distinct k-mer is assigned
// deterministically to exactly one bucket by its minimizer, equal
// keys never arrive from two different buckets — the heap below
// orders bucket outputs, it never folds across them — generalizing
// the teacher's util-sort.go mergeChunksFile/codeEntryHeap from
// uint64 codes to packed-byte-slice k-mer keys with a running cutoff
// filter instead of a dedup filter.
package mergetable

import (
	"container/heap"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
)

var be = binary.BigEndian

// Stats carries the counters the pipeline reports under -v.
type Stats struct {
	EntriesMerged  int64
	EntriesDropped int64 // count < cutoff
}

type entry struct {
	bucketIdx int
	packed    []byte
	count     uint16
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return fastk.Compare(h[i].packed, h[j].packed) < 0
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merge performs the N-way merge of bucketTables (one sorted
// bucket.table file path per bucket, in bucket-id order — order
// across buckets is otherwise immaterial since the heap reorders by
// key) and writes the result as nthreads roughly-equal shards via
// shardWriters, each framed as an int64 entry count followed by that
// many (kmerBytes+2)-byte entries. Entries with count below cutoff
// are dropped.
func Merge(scheme *fastk.Scheme, bucketTables []string, cutoff uint16, shardWriters []io.Writer) (Stats, error) {
	var stats Stats
	if len(shardWriters) == 0 {
		return stats, errors.New("mergetable: need at least one shard writer")
	}

	readers := make([]*bucket.TableReader, len(bucketTables))
	files := make([]*os.File, len(bucketTables))
	for i, path := range bucketTables {
		f, err := os.Open(path)
		if err != nil {
			return stats, errors.Wrapf(err, "mergetable: opening bucket table %s", path)
		}
		files[i] = f
		readers[i] = bucket.NewTableReader(f, scheme.KmerBytes)
	}
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()

	h := &entryHeap{}
	heap.Init(h)
	pull := func(i int) error {
		e, err := readers[i].ReadEntry()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "mergetable: reading bucket table %s", bucketTables[i])
		}
		heap.Push(h, &entry{bucketIdx: i, packed: e.Packed, count: e.Count})
		return nil
	}
	for i := range readers {
		if err := pull(i); err != nil {
			return stats, err
		}
	}

	var kept []entry
	for h.Len() > 0 {
		top := heap.Pop(h).(*entry)
		if top.count >= cutoff {
			kept = append(kept, entry{packed: top.packed, count: top.count})
			stats.EntriesMerged++
		} else {
			stats.EntriesDropped++
		}
		if err := pull(top.bucketIdx); err != nil {
			return stats, err
		}
	}

	return stats, writeShards(scheme, kept, shardWriters)
}

// writeShards splits kept into len(shardWriters) contiguous,
// roughly-equal runs: since every kept key is already globally
// distinct and sorted, any contiguous split is a valid shard
// boundary.
func writeShards(scheme *fastk.Scheme, kept []entry, shardWriters []io.Writer) error {
	n := len(shardWriters)
	total := len(kept)
	base := total / n
	rem := total % n

	pos := 0
	for i := 0; i < n; i++ {
		count := base
		if i < rem {
			count++
		}
		shard := kept[pos : pos+count]
		pos += count

		if err := binary.Write(shardWriters[i], be, int64(len(shard))); err != nil {
			return errors.Wrapf(err, "mergetable: writing shard %d header", i)
		}
		tw := bucket.NewTableWriter(shardWriters[i], scheme.KmerBytes)
		for _, e := range shard {
			if err := tw.WriteEntry(e.packed, e.count); err != nil {
				return errors.Wrapf(err, "mergetable: writing shard %d entry", i)
			}
		}
		if err := tw.Flush(); err != nil {
			return errors.Wrapf(err, "mergetable: flushing shard %d", i)
		}
	}
	return nil
}

// WriteStub writes the ".ktab" stub header: {i32 kmer, i32 nthreads}.
func WriteStub(w io.Writer, kmer, nthreads int) error {
	return binary.Write(w, be, [2]int32{int32(kmer), int32(nthreads)})
}
