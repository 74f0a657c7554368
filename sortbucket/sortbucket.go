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

// Package sortbucket implements the bucket sorter: Stage 1 folds
// duplicate super-mers, Stage 2 expands survivors into weighted
// canonical k-mers, sorts and folds those, and emits the bucket's
// sorted k-mer table plus, optionally, its profile segments. Large
// buckets spill to disk via a k-way merge in the teacher's
// util-sort.go mergeChunksFile style (generalized from k-mer codes to
// packed byte slices).
package sortbucket

import (
	"bytes"
	"container/heap"
	"io"
	"io/ioutil"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/twotwotwo/sorts"

	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
	"github.com/shenwei356/fastk/varbyte"
)

// ErrBucketUnsplittable names a bucket that exceeds SORT_MEMORY even
// after spilling to single-record runs. No function in this package
// returns it: SortBucket merges spilled runs whatever their size.
var ErrBucketUnsplittable = errors.New("sortbucket: bucket cannot be split further")

// ThreadSource is one (thread_id, bucket) pair's super-mer stream:
// a bucket's on-disk contents are the union, across NTHREADS splitter
// threads, of what each thread wrote to this bucket id.
type ThreadSource struct {
	ThreadID int
	SuperMer *bucket.SuperMerReader
	RunIndex *bucket.RunIndexReader
}

// instance is one original (pre-fold) super-mer occurrence, tagged
// with the (thread,run-index) pair the profile merger needs to key
// its segments on. Each thread writes its own profile file per bucket
// (mirroring the splitter's per-thread-per-bucket file layout), so the
// pair is represented as "which file" (thread) plus a plain run index
// inside it, rather than a packed composite key — run indices stay
// within scheme.RunBytes.
type instance struct {
	packed         []byte
	lengthMinusKm1 int
	threadID       int
	runIndex       uint64
}

type weighted struct {
	packed         []byte
	bases          []byte // decoded bases, kept for sorting and Stage 2 expansion
	lengthMinusKm1 int
	mult           uint32
}

// byBasesThenLength sorts weighted records lexicographically by base
// letter, most-significant base first; comparing the decoded bases
// directly — rather than the packed bytes,
// whose bit alignment differs across super-mer lengths — naturally
// orders a shorter super-mer before a longer one sharing its prefix.
type byBasesThenLength []weighted

func (s byBasesThenLength) Len() int      { return len(s) }
func (s byBasesThenLength) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byBasesThenLength) Less(i, j int) bool {
	return bytes.Compare(s[i].bases, s[j].bases) < 0
}
type kmerEntry struct {
	packed []byte
	mult   uint32
}

type byKmer []kmerEntry

func (s byKmer) Len() int      { return len(s) }
func (s byKmer) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byKmer) Less(i, j int) bool {
	return fastk.Compare(s[i].packed, s[j].packed) < 0
}

// Result carries the per-bucket statistics the pipeline reports under -v.
type Result struct {
	SuperMersRead     int64
	WeightedSuperMers int64
	KmerRecords       int64
	Spilled           bool
}

// SortBucket runs Stage 1 and Stage 2 for one bucket, reading every
// thread's contribution, writing the sorted k-mer table to tableOut
// and, if profileOut is non-nil, the bucket's profile segments.
// spillThreshold bounds in-memory instance count before falling back
// to the disk-spilling k-way merge path. profileOuts, if non-nil,
// must have one entry per element of sources
// (by index) — the per-thread profile stream for this bucket; a nil
// entry skips that thread's profile output.
func SortBucket(scheme *fastk.Scheme, sources []ThreadSource, tableOut io.Writer, profileOuts []io.Writer, tmpDir string, spillThreshold int) (Result, error) {
	var res Result

	instances, err := readAllInstances(sources)
	if err != nil {
		return res, errors.Wrap(err, "sortbucket: reading sources")
	}
	res.SuperMersRead = int64(len(instances))

	var final []kmerEntry
	var spilled bool
	if spillThreshold > 0 && len(instances) > spillThreshold {
		final, err = sortSpilled(scheme, instances, tmpDir, spillThreshold)
		spilled = true
	} else {
		final, err = sortInMemory(scheme, instances)
	}
	if err != nil {
		return res, err
	}
	res.Spilled = spilled
	res.KmerRecords = int64(len(final))

	tw := bucket.NewTableWriter(tableOut, scheme.KmerBytes)
	for _, e := range final {
		count := e.mult
		if count > 0xFFFF {
			count = 0xFFFF
		}
		if err := tw.WriteEntry(e.packed, uint16(count)); err != nil {
			return res, errors.Wrap(err, "sortbucket: writing table entry")
		}
	}
	if err := tw.Flush(); err != nil {
		return res, errors.Wrap(err, "sortbucket: flushing table")
	}

	if profileOuts != nil {
		if err := writeProfiles(scheme, sources, instances, final, profileOuts); err != nil {
			return res, err
		}
	}

	return res, nil
}

func readAllInstances(sources []ThreadSource) ([]instance, error) {
	var out []instance
	for _, src := range sources {
		for {
			rec, err := src.SuperMer.ReadSuperMer()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			ri, err := src.RunIndex.ReadRunIndex()
			if err != nil {
				return nil, errors.Wrap(err, "sortbucket: run-index table shorter than super-mer table")
			}
			out = append(out, instance{
				packed:         rec.Packed,
				lengthMinusKm1: rec.LengthMinusKm1,
				threadID:       src.ThreadID,
				runIndex:       ri,
			})
		}
	}
	return out, nil
}

// foldSuperMers is Stage 1: sort by decoded bases, fold adjacent equal
// records into weighted super-mers.
func foldSuperMers(scheme *fastk.Scheme, instances []instance) []weighted {
	tmp := make([]weighted, len(instances))
	for i, inst := range instances {
		totalLen := inst.lengthMinusKm1 + scheme.Kmer - 1
		tmp[i] = weighted{
			packed:         inst.packed,
			bases:          fastk.Decode(inst.packed, totalLen),
			lengthMinusKm1: inst.lengthMinusKm1,
			mult:           1,
		}
	}
	sorts.Quicksort(byBasesThenLength(tmp))

	var folded []weighted
	for _, w := range tmp {
		n := len(folded)
		if n > 0 && bytes.Equal(folded[n-1].bases, w.bases) {
			folded[n-1].mult++
			continue
		}
		folded = append(folded, w)
	}
	return folded
}

// expandAndFoldKmers is Stage 2: expand each weighted super-mer to its
// constituent canonical k-mers, sort, and fold equal k-mers by summing
// multiplicities.
func expandAndFoldKmers(scheme *fastk.Scheme, folded []weighted) []kmerEntry {
	var entries []kmerEntry
	for _, w := range folded {
		for p := 0; p < w.lengthMinusKm1; p++ {
			kmer := w.bases[p : p+scheme.Kmer]
			packed, err := fastk.Encode(kmer)
			if err != nil {
				panic(err) // bases already validated by partition/split
			}
			canon := fastk.Canonical(packed, scheme.Kmer)
			entries = append(entries, kmerEntry{packed: canon, mult: w.mult})
		}
	}
	sorts.Quicksort(byKmer(entries))

	var folded2 []kmerEntry
	for _, e := range entries {
		n := len(folded2)
		if n > 0 && fastk.Compare(folded2[n-1].packed, e.packed) == 0 {
			folded2[n-1].mult += e.mult
			continue
		}
		folded2 = append(folded2, e)
	}
	return folded2
}

func sortInMemory(scheme *fastk.Scheme, instances []instance) ([]kmerEntry, error) {
	folded := foldSuperMers(scheme, instances)
	return expandAndFoldKmers(scheme, folded), nil
}

// sortSpilled implements the disk-spilling path: split instances into
// equal-sized runs, fold+sort each run in
// memory exactly as sortInMemory would, write each run's weighted
// k-mer entries to a temp file, then k-way merge the runs with a
// heap, folding again across run boundaries — identical folding
// semantics to the in-memory path, just staged.
func sortSpilled(scheme *fastk.Scheme, instances []instance, tmpDir string, runSize int) ([]kmerEntry, error) {
	var runFiles []string
	defer func() {
		for _, f := range runFiles {
			os.Remove(f)
		}
	}()

	for i := 0; i < len(instances); i += runSize {
		end := i + runSize
		if end > len(instances) {
			end = len(instances)
		}
		entries := expandAndFoldKmers(scheme, foldSuperMers(scheme, instances[i:end]))

		f, err := ioutil.TempFile(tmpDir, "fastk-sort-run-*.tmp")
		if err != nil {
			return nil, errors.Wrap(err, "sortbucket: creating spill run")
		}
		tw := bucket.NewTableWriter(f, scheme.KmerBytes)
		for _, e := range entries {
			count := e.mult
			if count > 0xFFFF {
				count = 0xFFFF
			}
			if err := tw.WriteEntry(e.packed, uint16(count)); err != nil {
				f.Close()
				return nil, err
			}
		}
		if err := tw.Flush(); err != nil {
			f.Close()
			return nil, err
		}
		name := f.Name()
		f.Close()
		runFiles = append(runFiles, name)
	}

	return mergeRuns(scheme, runFiles)
}

type runEntry struct {
	runIdx int
	packed []byte
	mult   uint32
}

type runEntryHeap []*runEntry

func (h runEntryHeap) Len() int { return len(h) }
func (h runEntryHeap) Less(i, j int) bool {
	return fastk.Compare(h[i].packed, h[j].packed) < 0
}
func (h runEntryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runEntryHeap) Push(x interface{}) { *h = append(*h, x.(*runEntry)) }
func (h *runEntryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeRuns is the generalization of the teacher's util-sort.go
// mergeChunksFile/codeEntryHeap: a priority-queue k-way merge, here
// over packed-byte-slice keys instead of uint64 codes, folding equal
// adjacent k-mers across run boundaries the same way Stage 2 does.
func mergeRuns(scheme *fastk.Scheme, runFiles []string) ([]kmerEntry, error) {
	readers := make([]*bucket.TableReader, len(runFiles))
	files := make([]*os.File, len(runFiles))
	for i, name := range runFiles {
		f, err := os.Open(name)
		if err != nil {
			return nil, errors.Wrapf(err, "sortbucket: opening run %s", name)
		}
		files[i] = f
		readers[i] = bucket.NewTableReader(f, scheme.KmerBytes)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	h := &runEntryHeap{}
	heap.Init(h)
	pull := func(i int) error {
		e, err := readers[i].ReadEntry()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		heap.Push(h, &runEntry{runIdx: i, packed: e.Packed, mult: uint32(e.Count)})
		return nil
	}
	for i := range readers {
		if err := pull(i); err != nil {
			return nil, err
		}
	}

	var out []kmerEntry
	for h.Len() > 0 {
		top := heap.Pop(h).(*runEntry)
		n := len(out)
		if n > 0 && fastk.Compare(out[n-1].packed, top.packed) == 0 {
			out[n-1].mult += top.mult
			if out[n-1].mult > 0xFFFF {
				out[n-1].mult = 0xFFFF
			}
		} else {
			out = append(out, kmerEntry{packed: top.packed, mult: top.mult})
		}
		if err := pull(top.runIdx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// writeProfiles is the profile branch of Stage 2: for each original
// super-mer instance, recover each k-mer's final folded count via
// binary search into the bucket's sorted table, delta-encode the
// per-position vector, and group segments by run index within each
// thread's own stream before writing — a read's super-mer emissions
// can be non-contiguous within a bucket, so every instance from the
// same thread sharing a run index contributes to the same segment.
// The (thread_id, run_index) pair the profile merger keys on is thus
// (which file, RunIndex field) rather than a packed composite.
func writeProfiles(scheme *fastk.Scheme, sources []ThreadSource, instances []instance, final []kmerEntry, profileOuts []io.Writer) error {
	if len(profileOuts) != len(sources) {
		return errors.Errorf("sortbucket: %d profile outputs, want %d (one per source)", len(profileOuts), len(sources))
	}

	lookup := func(canon []byte) uint32 {
		i := sort.Search(len(final), func(i int) bool {
			return fastk.Compare(final[i].packed, canon) >= 0
		})
		if i < len(final) && fastk.Compare(final[i].packed, canon) == 0 {
			return final[i].mult
		}
		panic(bucket.ErrInvariant) // disjointness guarantee violated
	}

	byThread := make(map[int][]instance, len(sources))
	for _, inst := range instances {
		byThread[inst.threadID] = append(byThread[inst.threadID], inst)
	}

	for srcIdx, src := range sources {
		out := profileOuts[srcIdx]
		if out == nil {
			continue
		}

		order := make([]uint64, 0)
		seen := map[uint64]bool{}
		counts := map[uint64][]uint32{}
		for _, inst := range byThread[src.ThreadID] {
			if !seen[inst.runIndex] {
				seen[inst.runIndex] = true
				order = append(order, inst.runIndex)
			}
			totalLen := inst.lengthMinusKm1 + scheme.Kmer - 1
			bases := fastk.Decode(inst.packed, totalLen)
			for p := 0; p < inst.lengthMinusKm1; p++ {
				kmer := bases[p : p+scheme.Kmer]
				packed, err := fastk.Encode(kmer)
				if err != nil {
					panic(err)
				}
				canon := fastk.Canonical(packed, scheme.Kmer)
				count := lookup(canon)
				if count > 0xFFFF {
					count = 0xFFFF
				}
				counts[inst.runIndex] = append(counts[inst.runIndex], count)
			}
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		pw := bucket.NewProfileWriter(out, scheme.RunBytes, scheme.PlenBytes)
		for _, runIdx := range order {
			payload := varbyte.EncodeDeltas(nil, counts[runIdx])
			if err := pw.WriteSegment(runIdx, payload); err != nil {
				return errors.Wrapf(err, "sortbucket: writing profile segment for thread %d", src.ThreadID)
			}
		}
		if err := pw.Flush(); err != nil {
			return errors.Wrapf(err, "sortbucket: flushing profile stream for thread %d", src.ThreadID)
		}
	}
	return nil
}
