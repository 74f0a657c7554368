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

package sortbucket

import (
	"bytes"
	"io"
	"testing"

	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
)

func testScheme(kmer, maxSuper int) *fastk.Scheme {
	s, err := fastk.Select(fastk.SampleStats{NReads: 1, TotLen: int64(3 * kmer)}, kmer, 1<<20, 1<<20, maxSuper+kmer-1)
	if err != nil {
		panic(err)
	}
	return s
}

// sourceFixture builds one thread's super-mer + run-index streams from
// a list of (bases, runIndex) super-mers.
func sourceFixture(t *testing.T, scheme *fastk.Scheme, threadID int, superMers []string, runIdx []uint64) ThreadSource {
	t.Helper()
	if len(superMers) != len(runIdx) {
		t.Fatalf("fixture mismatch: %d super-mers, %d run indices", len(superMers), len(runIdx))
	}

	var smBuf, riBuf bytes.Buffer
	sw, err := bucket.NewSuperMerWriter(&smBuf, scheme)
	if err != nil {
		t.Fatal(err)
	}
	rw := bucket.NewRunIndexWriter(&riBuf, scheme.RunBytes)
	for i, bases := range superMers {
		packed, err := fastk.Encode([]byte(bases))
		if err != nil {
			t.Fatal(err)
		}
		lengthMinusKm1 := len(bases) - scheme.Kmer + 1
		if err := sw.WriteSuperMer(packed, lengthMinusKm1); err != nil {
			t.Fatal(err)
		}
		if err := rw.WriteRunIndex(runIdx[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := sw.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatal(err)
	}

	smReader, err := bucket.NewSuperMerReader(&smBuf, scheme.SlenBytes)
	if err != nil {
		t.Fatal(err)
	}
	riReader := bucket.NewRunIndexReader(&riBuf, scheme.RunBytes)
	return ThreadSource{ThreadID: threadID, SuperMer: smReader, RunIndex: riReader}
}

func readTable(t *testing.T, buf *bytes.Buffer, kmerBytes int) map[string]uint16 {
	t.Helper()
	tr := bucket.NewTableReader(buf, kmerBytes)
	out := map[string]uint16{}
	for {
		e, err := tr.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		out[string(e.Packed)] = e.Count
	}
	return out
}

// canonKey mirrors what SortBucket writes: canonical packed k-mer bytes
// as a map key, so expectations can be written in plain bases.
func canonKey(t *testing.T, scheme *fastk.Scheme, bases string) string {
	t.Helper()
	packed, err := fastk.Encode([]byte(bases))
	if err != nil {
		t.Fatal(err)
	}
	return string(fastk.Canonical(packed, scheme.Kmer))
}

// TestSortBucketFoldsDuplicateSuperMers covers Stage 1 folding: two
// threads each contribute the identical super-mer "AAAAA" (k=3, so it
// carries 3 overlapping k-mers); the two occurrences must fold into a
// single weighted instance (multiplicity 2) before k-mer expansion,
// giving AAA a final count of 2 instances x 3 occurrences = 6.
func TestSortBucketFoldsDuplicateSuperMers(t *testing.T) {
	scheme := testScheme(3, 5)

	src0 := sourceFixture(t, scheme, 0, []string{"AAAAA"}, []uint64{1})
	src1 := sourceFixture(t, scheme, 1, []string{"AAAAA"}, []uint64{1})

	var table bytes.Buffer
	res, err := SortBucket(scheme, []ThreadSource{src0, src1}, &table, nil, t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.SuperMersRead != 2 {
		t.Fatalf("SuperMersRead = %d, want 2", res.SuperMersRead)
	}

	entries := readTable(t, &table, scheme.KmerBytes)
	// AAAAA has 3 k-mers of length 3: AAA, AAA, AAA -> all identical
	// (and self-canonical under revcomp for this alphabet edge case is
	// not guaranteed, so just check via canonKey).
	want := canonKey(t, scheme, "AAA")
	if entries[want] != 6 {
		t.Fatalf("count for AAA = %d, want 6", entries[want])
	}
	if len(entries) != 1 {
		t.Fatalf("got %d distinct k-mers, want 1", len(entries))
	}
}

// TestSortBucketDistinctSuperMersExpandSeparately covers the case where
// two super-mers share no sequence: every k-mer they produce keeps its
// own count.
func TestSortBucketDistinctSuperMersExpandSeparately(t *testing.T) {
	scheme := testScheme(3, 5)
	src := sourceFixture(t, scheme, 0, []string{"AAAAA", "CCCCC"}, []uint64{1, 2})

	var table bytes.Buffer
	res, err := SortBucket(scheme, []ThreadSource{src}, &table, nil, t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.KmerRecords != 2 {
		t.Fatalf("KmerRecords = %d, want 2 (AAA and CCC canonical classes)", res.KmerRecords)
	}

	entries := readTable(t, &table, scheme.KmerBytes)
	if entries[canonKey(t, scheme, "AAA")] != 3 {
		t.Fatalf("count for AAA = %d, want 3", entries[canonKey(t, scheme, "AAA")])
	}
	if entries[canonKey(t, scheme, "CCC")] != 3 {
		t.Fatalf("count for CCC = %d, want 3", entries[canonKey(t, scheme, "CCC")])
	}
}

// TestSortBucketSpillMatchesInMemory covers boundary behavior at the
// bucket level: forcing every instance into its own
// disk-spilled run (spillThreshold=1) must produce the exact same
// folded k-mer table as the in-memory path for the same input.
func TestSortBucketSpillMatchesInMemory(t *testing.T) {
	scheme := testScheme(3, 8)
	bases := []string{"AAAAAAAA", "CCCCAAAA", "GGGGCCCC", "AAAACCCC", "TTTTGGGG"}
	runIdx := []uint64{1, 2, 3, 4, 5}

	src := sourceFixture(t, scheme, 0, bases, runIdx)
	var inMem bytes.Buffer
	if _, err := SortBucket(scheme, []ThreadSource{src}, &inMem, nil, t.TempDir(), 0); err != nil {
		t.Fatal(err)
	}

	srcSpill := sourceFixture(t, scheme, 0, bases, runIdx)
	var spilled bytes.Buffer
	res, err := SortBucket(scheme, []ThreadSource{srcSpill}, &spilled, nil, t.TempDir(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Spilled {
		t.Fatal("expected Spilled=true with spillThreshold=1")
	}

	wantEntries := readTable(t, &inMem, scheme.KmerBytes)
	gotEntries := readTable(t, &spilled, scheme.KmerBytes)
	if len(wantEntries) != len(gotEntries) {
		t.Fatalf("entry count mismatch: in-memory=%d spilled=%d", len(wantEntries), len(gotEntries))
	}
	for k, v := range wantEntries {
		if gotEntries[k] != v {
			t.Errorf("kmer %q: in-memory count=%d spilled count=%d", k, v, gotEntries[k])
		}
	}
}

// TestSortBucketWritesProfiles covers the profile branch: each
// super-mer instance's k-mers are looked up in the final folded table
// and delta-encoded per run index.
func TestSortBucketWritesProfiles(t *testing.T) {
	scheme := testScheme(3, 5)
	src := sourceFixture(t, scheme, 0, []string{"AAAAA"}, []uint64{7})

	var table, profile bytes.Buffer
	_, err := SortBucket(scheme, []ThreadSource{src}, &table, []io.Writer{&profile}, t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	pr := bucket.NewProfileReader(&profile, scheme.RunBytes, scheme.PlenBytes)
	seg, err := pr.ReadSegment()
	if err != nil {
		t.Fatal(err)
	}
	if seg.RunIndex != 7 {
		t.Fatalf("RunIndex = %d, want 7", seg.RunIndex)
	}
	if len(seg.Payload) == 0 {
		t.Fatal("expected non-empty profile payload")
	}
	if _, err := pr.ReadSegment(); err != io.EOF {
		t.Fatalf("expected a single profile segment, got err=%v", err)
	}
}
