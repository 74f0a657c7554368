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
	"bytes"
	"math/rand"
	"testing"
)

var bases = [4]byte{'A', 'C', 'G', 'T'}

func randSeq(n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = bases[rand.Intn(4)]
	}
	return s
}

func TestEncodeDecode(t *testing.T) {
	for _, k := range []int{1, 4, 12, 31, 32, 33, 40, 63, 64, 65, 100} {
		mer := randSeq(k)
		packed, err := Encode(mer)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if len(packed) != KmerBytes(k) {
			t.Errorf("k=%d: packed len %d, want %d", k, len(packed), KmerBytes(k))
		}
		back := Decode(packed, k)
		if !bytes.Equal(back, mer) {
			t.Errorf("k=%d: decode(encode(%s)) = %s", k, mer, back)
		}
	}
}

func TestRevCompInvolution(t *testing.T) {
	for _, k := range []int{1, 5, 33, 40, 65} {
		mer := randSeq(k)
		packed, _ := Encode(mer)
		rc := RevComp(packed, k)
		rc2 := RevComp(rc, k)
		if !bytes.Equal(rc2, packed) {
			t.Errorf("k=%d: RevComp(RevComp(x)) != x", k)
		}
	}
}

func TestRevCompKnownValue(t *testing.T) {
	packed, _ := Encode([]byte("ACGT"))
	rc := RevComp(packed, 4)
	if got := string(Decode(rc, 4)); got != "ACGT" {
		t.Errorf("revcomp(ACGT) = %s, want ACGT", got)
	}

	packed, _ = Encode([]byte("AAACCC"))
	rc = RevComp(packed, 6)
	if got := string(Decode(rc, 6)); got != "GGGTTT" {
		t.Errorf("revcomp(AAACCC) = %s, want GGGTTT", got)
	}
}

func TestCanonicalPicksLexSmaller(t *testing.T) {
	packed, _ := Encode([]byte("TTTT"))
	canon := Canonical(packed, 4)
	if string(Decode(canon, 4)) != "AAAA" {
		t.Errorf("canonical(TTTT) = %s, want AAAA", Decode(canon, 4))
	}
}

func TestDegenerateBaseFolding(t *testing.T) {
	a, _ := Encode([]byte("A"))
	n, _ := Encode([]byte("N"))
	if !bytes.Equal(a, n) {
		t.Error("N should fold to A per IUPAC-first-base convention")
	}
}

func TestIllegalBase(t *testing.T) {
	if _, err := Encode([]byte("ACGX")); err != ErrIllegalBase {
		t.Errorf("expected ErrIllegalBase, got %v", err)
	}
}

func TestEmptyKmer(t *testing.T) {
	if _, err := Encode(nil); err != ErrInvalidK {
		t.Errorf("expected ErrInvalidK, got %v", err)
	}
}
