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

package mergetable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
)

// kmerCount pairs a plain-base k-mer with its bucket-local count; a
// real bucket.table file is already sorted by packed key (SortBucket's
// output), so fixtures must be given in that order explicitly rather
// than built from a Go map, whose iteration order is randomized.
type kmerCount struct {
	kmer  string
	count uint16
}

func writeBucketTable(t *testing.T, dir, name string, scheme *fastk.Scheme, entries []kmerCount) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tw := bucket.NewTableWriter(f, scheme.KmerBytes)
	var prev []byte
	for _, e := range entries {
		packed, err := fastk.Encode([]byte(e.kmer))
		if err != nil {
			t.Fatal(err)
		}
		if prev != nil && fastk.Compare(prev, packed) >= 0 {
			t.Fatalf("fixture %s not given in sorted order at %q", name, e.kmer)
		}
		prev = packed
		if err := tw.WriteEntry(packed, e.count); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Flush(); err != nil {
		t.Fatal(err)
	}
	return path
}

func testScheme(k int) *fastk.Scheme {
	sch, err := fastk.Select(fastk.SampleStats{NReads: 10, TotLen: 10 * 100}, k, 0, 0, 100)
	if err != nil {
		panic(err)
	}
	return sch
}

func TestMergeOrdersAndFiltersByCutoff(t *testing.T) {
	dir := t.TempDir()
	scheme := testScheme(4)

	// These buckets are pre-sorted individually (as SortBucket would
	// produce); the merge must interleave them into one global order.
	b0 := writeBucketTable(t, dir, "b0.table", scheme, []kmerCount{
		{"AAAA", 5},
		{"CCCC", 1},
	})
	b1 := writeBucketTable(t, dir, "b1.table", scheme, []kmerCount{
		{"GGGG", 3},
		{"TTTT", 7},
	})

	var shard bytes.Buffer
	stats, err := Merge(scheme, []string{b0, b1}, 2, []io.Writer{&shard})
	if err != nil {
		t.Fatal(err)
	}
	if stats.EntriesMerged != 3 {
		t.Errorf("EntriesMerged = %d, want 3 (CCCC with count 1 dropped)", stats.EntriesMerged)
	}
	if stats.EntriesDropped != 1 {
		t.Errorf("EntriesDropped = %d, want 1", stats.EntriesDropped)
	}

	// Re-read the shard and check global sort order.
	data := shard.Bytes()
	var n int64
	if err := binary.Read(bytes.NewReader(data[:8]), be, &n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("shard n_entries = %d, want 3", n)
	}
	tr := bucket.NewTableReader(bytes.NewReader(data[8:]), scheme.KmerBytes)
	var prev []byte
	for i := int64(0); i < n; i++ {
		e, err := tr.ReadEntry()
		if err != nil {
			t.Fatal(err)
		}
		if prev != nil && fastk.Compare(prev, e.Packed) >= 0 {
			t.Errorf("entry %d out of order", i)
		}
		prev = e.Packed
	}
}
