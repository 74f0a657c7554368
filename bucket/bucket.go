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

// Package bucket implements the on-disk record formats shared by the
// splitter, bucket sorter, table merger and profile merger. The
// Magic+Header+Reader/Writer shape is adapted from the teacher's
// serialization.go (unikmer's .unik format): a fixed 8-byte magic, a
// small metadata header, then a stream of fixed- or length-prefixed
// records — generalized here into three record kinds (super-mer,
// k-mer table entry, profile segment) instead of the teacher's single
// k-mer-code record.
package bucket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/shenwei356/fastk"
)

var be = binary.BigEndian

// Magic identifies a FastK bucket file, distinct from the teacher's
// ".unikmer" magic since the record shape differs.
var Magic = [8]byte{'.', 'f', 'a', 's', 't', 'k', 'b', 'k'}

// ErrInvalidFileFormat means the magic number didn't match.
var ErrInvalidFileFormat = errors.New("bucket: invalid file format")

// Header is written once at the start of every super-mer bucket file;
// table and profile streams carry no header.
type Header struct {
	Kmer     int32
	MaxSuper int32
}

func writeHeader(w io.Writer, h Header) error {
	if err := binary.Write(w, be, Magic); err != nil {
		return err
	}
	return binary.Write(w, be, [2]int32{h.Kmer, h.MaxSuper})
}

func readHeader(r io.Reader) (Header, error) {
	var m [8]byte
	if err := binary.Read(r, be, &m); err != nil {
		return Header{}, err
	}
	if m != Magic {
		return Header{}, ErrInvalidFileFormat
	}
	var meta [2]int32
	if err := binary.Read(r, be, &meta); err != nil {
		return Header{}, err
	}
	return Header{Kmer: meta[0], MaxSuper: meta[1]}, nil
}

// SuperMerWriter serializes super-mer records: a length-prefix
// (length_minus_km1) followed by that many packed bases. Records are
// written back to back with no padding.
type SuperMerWriter struct {
	w         *bufio.Writer
	scheme    *fastk.Scheme
	slenBytes int
	wrote     bool
}

// NewSuperMerWriter returns a SuperMerWriter over w for the given scheme.
func NewSuperMerWriter(w io.Writer, s *fastk.Scheme) (*SuperMerWriter, error) {
	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, Header{Kmer: int32(s.Kmer), MaxSuper: int32(s.MaxSuper)}); err != nil {
		return nil, err
	}
	return &SuperMerWriter{w: bw, scheme: s, slenBytes: s.SlenBytes}, nil
}

// WriteSuperMer writes one (packedBases, lengthMinusKm1) record.
func (sw *SuperMerWriter) WriteSuperMer(packedBases []byte, lengthMinusKm1 int) error {
	if lengthMinusKm1 < 1 || lengthMinusKm1 > sw.scheme.MaxSuper {
		return ErrInvariant
	}
	var lbuf [8]byte
	putUintN(lbuf[:sw.slenBytes], uint64(lengthMinusKm1))
	if _, err := sw.w.Write(lbuf[:sw.slenBytes]); err != nil {
		return err
	}
	_, err := sw.w.Write(packedBases)
	return err
}

// Flush flushes buffered output.
func (sw *SuperMerWriter) Flush() error { return sw.w.Flush() }

// ErrInvariant is returned when a super-mer length falls outside
// [1,MAX_SUPER].
var ErrInvariant = errors.New("bucket: super-mer length out of range")

// SuperMerRecord is one decoded super-mer: its packed bases and the
// base length of the super-mer (KMER-1 + LengthMinusKm1).
type SuperMerRecord struct {
	Packed         []byte
	LengthMinusKm1 int
}

// BaseLen returns the super-mer's length in bases.
func (r SuperMerRecord) BaseLen(k int) int { return r.LengthMinusKm1 + k - 1 }

// SuperMerReader deserializes a bucket file written by SuperMerWriter.
type SuperMerReader struct {
	r         *bufio.Reader
	Header    Header
	slenBytes int
}

// NewSuperMerReader returns a SuperMerReader, validating the header.
func NewSuperMerReader(r io.Reader, slenBytes int) (*SuperMerReader, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &SuperMerReader{r: br, Header: h, slenBytes: slenBytes}, nil
}

// ReadSuperMer reads the next record, or io.EOF when exhausted.
func (sr *SuperMerReader) ReadSuperMer() (SuperMerRecord, error) {
	var lbuf [8]byte
	if _, err := io.ReadFull(sr.r, lbuf[:sr.slenBytes]); err != nil {
		return SuperMerRecord{}, err
	}
	lengthMinusKm1 := int(getUintN(lbuf[:sr.slenBytes]))
	nb := fastk.KmerBytes(lengthMinusKm1 + int(sr.Header.Kmer) - 1)
	packed := make([]byte, nb)
	if _, err := io.ReadFull(sr.r, packed); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return SuperMerRecord{}, err
	}
	return SuperMerRecord{Packed: packed, LengthMinusKm1: lengthMinusKm1}, nil
}

func putUintN(buf []byte, x uint64) {
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(x)
		x >>= 8
	}
}

func getUintN(buf []byte) uint64 {
	var x uint64
	for _, b := range buf {
		x = x<<8 | uint64(b)
	}
	return x
}

// TableEntry is one (canonical k-mer, count) record.
type TableEntry struct {
	Packed []byte
	Count  uint16
}

// TableWriter serializes k-mer table entries: KmerBytes bytes of
// packed canonical k-mer followed by a 2-byte count.
type TableWriter struct {
	w         *bufio.Writer
	kmerBytes int
	n         int64
}

// NewTableWriter returns a TableWriter. It writes no header and no
// entry count; N reports how many entries were written, and callers
// that need n_entries on disk write it themselves (mergetable does).
func NewTableWriter(w io.Writer, kmerBytes int) *TableWriter {
	return &TableWriter{w: bufio.NewWriter(w), kmerBytes: kmerBytes}
}

// WriteEntry appends one table entry.
func (tw *TableWriter) WriteEntry(packed []byte, count uint16) error {
	if _, err := tw.w.Write(packed); err != nil {
		return err
	}
	var cbuf [2]byte
	be.PutUint16(cbuf[:], count)
	if _, err := tw.w.Write(cbuf[:]); err != nil {
		return err
	}
	tw.n++
	return nil
}

// N returns the number of entries written so far.
func (tw *TableWriter) N() int64 { return tw.n }

// Flush flushes buffered output.
func (tw *TableWriter) Flush() error { return tw.w.Flush() }

// TableReader deserializes a bucket_b.table (or final shard) file.
type TableReader struct {
	r         *bufio.Reader
	kmerBytes int
}

// NewTableReader returns a TableReader for fixed-width entries of
// kmerBytes+2 bytes each (no header: table files are pure entry
// streams framed by their shard's own n_entries count).
func NewTableReader(r io.Reader, kmerBytes int) *TableReader {
	return &TableReader{r: bufio.NewReader(r), kmerBytes: kmerBytes}
}

// ReadEntry reads the next entry, or io.EOF.
func (tr *TableReader) ReadEntry() (TableEntry, error) {
	packed := make([]byte, tr.kmerBytes)
	if _, err := io.ReadFull(tr.r, packed); err != nil {
		return TableEntry{}, err
	}
	var cbuf [2]byte
	if _, err := io.ReadFull(tr.r, cbuf[:]); err != nil {
		return TableEntry{}, io.ErrUnexpectedEOF
	}
	return TableEntry{Packed: packed, Count: be.Uint16(cbuf[:])}, nil
}

// RunIndexWriter writes the parallel per-bucket run-index table that
// lets the profile merger recover which super-mers belong to which
// read. One fixed-width entry per super-mer record, in lockstep with
// the SuperMerWriter for the same bucket.
type RunIndexWriter struct {
	w        *bufio.Writer
	runBytes int
}

// NewRunIndexWriter returns a RunIndexWriter.
func NewRunIndexWriter(w io.Writer, runBytes int) *RunIndexWriter {
	return &RunIndexWriter{w: bufio.NewWriter(w), runBytes: runBytes}
}

// WriteRunIndex appends one run index entry.
func (rw *RunIndexWriter) WriteRunIndex(runIndex uint64) error {
	var buf [8]byte
	putUintN(buf[:rw.runBytes], runIndex)
	_, err := rw.w.Write(buf[:rw.runBytes])
	return err
}

// Flush flushes buffered output.
func (rw *RunIndexWriter) Flush() error { return rw.w.Flush() }

// RunIndexReader reads a run-index table written by RunIndexWriter.
type RunIndexReader struct {
	r        *bufio.Reader
	runBytes int
}

// NewRunIndexReader returns a RunIndexReader.
func NewRunIndexReader(r io.Reader, runBytes int) *RunIndexReader {
	return &RunIndexReader{r: bufio.NewReader(r), runBytes: runBytes}
}

// ReadRunIndex reads the next entry, or io.EOF.
func (rr *RunIndexReader) ReadRunIndex() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rr.r, buf[:rr.runBytes]); err != nil {
		return 0, err
	}
	return getUintN(buf[:rr.runBytes]), nil
}

// ProfileSegment is one read's contribution from a single bucket: its
// run index and the delta-varbyte-encoded count payload.
type ProfileSegment struct {
	RunIndex uint64
	Payload  []byte
}

// ProfileWriter serializes profile segments: run_index (RunBytes
// bytes) + byte_length (PlenBytes bytes) + payload.
type ProfileWriter struct {
	w         *bufio.Writer
	runBytes  int
	plenBytes int
}

// NewProfileWriter returns a ProfileWriter.
func NewProfileWriter(w io.Writer, runBytes, plenBytes int) *ProfileWriter {
	return &ProfileWriter{w: bufio.NewWriter(w), runBytes: runBytes, plenBytes: plenBytes}
}

// WriteSegment appends one profile segment.
func (pw *ProfileWriter) WriteSegment(runIndex uint64, payload []byte) error {
	var rbuf [8]byte
	putUintN(rbuf[:pw.runBytes], runIndex)
	if _, err := pw.w.Write(rbuf[:pw.runBytes]); err != nil {
		return err
	}
	var lbuf [8]byte
	putUintN(lbuf[:pw.plenBytes], uint64(len(payload)))
	if _, err := pw.w.Write(lbuf[:pw.plenBytes]); err != nil {
		return err
	}
	_, err := pw.w.Write(payload)
	return err
}

// Flush flushes buffered output.
func (pw *ProfileWriter) Flush() error { return pw.w.Flush() }

// ProfileReader deserializes a profile segment stream.
type ProfileReader struct {
	r         *bufio.Reader
	runBytes  int
	plenBytes int
}

// NewProfileReader returns a ProfileReader.
func NewProfileReader(r io.Reader, runBytes, plenBytes int) *ProfileReader {
	return &ProfileReader{r: bufio.NewReader(r), runBytes: runBytes, plenBytes: plenBytes}
}

// ReadSegment reads the next segment, or io.EOF.
func (pr *ProfileReader) ReadSegment() (ProfileSegment, error) {
	var rbuf [8]byte
	if _, err := io.ReadFull(pr.r, rbuf[:pr.runBytes]); err != nil {
		return ProfileSegment{}, err
	}
	runIndex := getUintN(rbuf[:pr.runBytes])
	var lbuf [8]byte
	if _, err := io.ReadFull(pr.r, lbuf[:pr.plenBytes]); err != nil {
		return ProfileSegment{}, io.ErrUnexpectedEOF
	}
	plen := int(getUintN(lbuf[:pr.plenBytes]))
	payload := make([]byte, plen)
	if _, err := io.ReadFull(pr.r, payload); err != nil {
		return ProfileSegment{}, io.ErrUnexpectedEOF
	}
	return ProfileSegment{RunIndex: runIndex, Payload: payload}, nil
}
