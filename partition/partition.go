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

// Package partition is the input partition stage: it streams reads
// from FASTA/FASTQ sources and presents them as Blocks of packed
// 2-bit sequences, skipping reads too short to carry one k-mer and
// splitting on runs of N. It is the one external-collaborator
// contract the core pipeline owns a concrete implementation of.
package partition

import (
	"io"
	"os"
	"path/filepath"

	"github.com/clausecker/pospop"
	"github.com/iafan/cwalk"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/fastk"
)

// ErrMalformedBlock is the input-error class for a block whose
// invariants (non-negative lengths, consistent counts) don't hold.
var ErrMalformedBlock = errors.New("partition: malformed input block")

// Read is one accepted, N-free, bc_prefix-trimmed run of bases from a
// source read, packed 2 bits per base.
type Read struct {
	Packed []byte
	Len    int // bases
}

// Block is a batch of Reads plus the summary stats the scheme
// selector and splitter need.
type Block struct {
	Reads  []Read
	NReads int64
	TotLen int64
	// Ratio is the block's k-mers per base, used only to estimate the
	// k-mer record volume that sizes NPARTS up front.
	Ratio float64
	// NDensity is the fraction of raw input bases that were N, computed
	// cheaply via pospop.Count8 over a per-base N-bitmask rather than a
	// per-byte loop; the pipeline aggregates it across blocks to decide
	// whether a run's N-content is worth logging.
	NDensity float64
}

// Input streams one or more FASTA/FASTQ sources (optionally gzipped,
// optionally directories expanded in parallel) into Blocks.
type Input struct {
	k        int
	bcPrefix int
	compress bool // homopolymer compression (see compressHomopolymers)

	files  []string
	cur    int
	reader *fastx.Reader

	closed bool
}

// Open expands any directory sources with cwalk, validates k and
// bcPrefix, and returns a ready-to-iterate Input over every source
// file. Used by the scheme selector's single sampling pass, which
// needs the whole input, not one thread's shard of it.
func Open(k, bcPrefix int, homopolymerCompress bool, sources ...string) (*Input, error) {
	return OpenShard(k, bcPrefix, homopolymerCompress, 0, 1, sources...)
}

// OpenShard is Open, restricted to the files assigned to threadID out
// of nthreads by round-robin — sharded at file granularity, the
// coarsest split that still keeps every worker reading disjoint
// sources with no cross-thread coordination.
func OpenShard(k, bcPrefix int, homopolymerCompress bool, threadID, nthreads int, sources ...string) (*Input, error) {
	if k <= 0 {
		return nil, errors.Wrap(fastk.ErrInvalidK, "partition.Open")
	}
	if nthreads <= 0 {
		nthreads = 1
	}
	all, err := expandSources(sources)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errors.New("partition: no input files")
	}
	var files []string
	for i, f := range all {
		if i%nthreads == threadID {
			files = append(files, f)
		}
	}
	return &Input{k: k, bcPrefix: bcPrefix, compress: homopolymerCompress, files: files}, nil
}

// expandSources resolves directory sources into their contained files
// via a parallel cwalk, leaving plain file sources untouched.
func expandSources(sources []string) ([]string, error) {
	var files []string
	for _, src := range sources {
		fi, err := os.Stat(src)
		if err != nil {
			return nil, errors.Wrapf(err, "partition: stat %s", src)
		}
		if !fi.IsDir() {
			files = append(files, src)
			continue
		}
		err = cwalk.Walk(src, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			files = append(files, filepath.Join(src, path))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "partition: walking directory %s", src)
		}
	}
	return files, nil
}

// minRunLen is the shortest accepted run after bc_prefix trimming and
// N-splitting: reads shorter than k plus bc_prefix are silently
// skipped, and a run's own length must still reach k once the prefix
// has already been stripped once per read, not per run.
func (in *Input) minRunLen() int { return in.k }

// FirstBlock reads just enough sequence to reach budgetBases, for use
// by the scheme selector's sampling pass.
func (in *Input) FirstBlock(budgetBases int64) (*Block, error) {
	return in.nextBlock(budgetBases)
}

// IterBlocks returns a channel of Blocks over this Input's files; the
// round-robin split of whole source files across threads is done by
// OpenShard. Each Input instance should only be iterated by one goroutine; callers
// open one *Input per thread via OpenShard, sharing the
// k/bcPrefix/compress configuration.
func (in *Input) IterBlocks(budgetBasesPerBlock int64) (<-chan *Block, <-chan error) {
	blocks := make(chan *Block)
	errc := make(chan error, 1)
	go func() {
		defer close(blocks)
		defer close(errc)
		for {
			blk, err := in.nextBlock(budgetBasesPerBlock)
			if err != nil {
				errc <- err
				return
			}
			if blk == nil {
				return
			}
			blocks <- blk
		}
	}()
	return blocks, errc
}

// Close releases the current source file handle, if any.
func (in *Input) Close() error {
	in.closed = true
	if in.reader != nil {
		in.reader.Close()
		in.reader = nil
	}
	return nil
}

func (in *Input) nextBlock(budgetBases int64) (*Block, error) {
	if in.closed {
		return nil, errors.New("partition: read on closed Input")
	}

	blk := &Block{}
	var nBitmask []byte
	var nBitCount int

	pushRun := func(bases []byte) {
		if in.compress {
			bases = compressHomopolymers(bases)
		}
		if len(bases) < in.minRunLen() {
			return
		}
		packed, err := fastk.Encode(bases)
		if err != nil {
			// Runs are pre-filtered to ACGT only by splitOnN; an
			// error here means a caller bug, not bad input.
			panic(err)
		}
		blk.Reads = append(blk.Reads, Read{Packed: packed, Len: len(bases)})
		blk.NReads++
		blk.TotLen += int64(len(bases))
	}

	for blk.TotLen < budgetBases || budgetBases <= 0 {
		if in.reader == nil {
			if in.cur >= len(in.files) {
				break
			}
			r, err := fastx.NewDefaultReader(in.files[in.cur])
			if err != nil {
				return nil, errors.Wrapf(err, "partition: opening %s", in.files[in.cur])
			}
			in.reader = r
		}

		record, err := in.reader.Read()
		if err != nil {
			in.cur++
			in.reader = nil
			if err == io.EOF {
				continue
			}
			return nil, errors.Wrapf(err, "partition: reading %s", in.files[in.cur-1])
		}

		bases := record.Seq.Seq
		if in.bcPrefix > 0 {
			if in.bcPrefix >= len(bases) {
				continue
			}
			bases = bases[in.bcPrefix:]
		}

		for _, run := range splitOnN(bases, &nBitmask, &nBitCount) {
			pushRun(run)
		}

		if budgetBases <= 0 && in.cur >= len(in.files) && in.reader == nil {
			break
		}
	}

	if blk.NReads == 0 {
		return nil, nil
	}
	if blk.TotLen > 0 {
		blk.Ratio = float64(blk.TotLen-int64(blk.NReads)*int64(in.k-1)) / float64(blk.TotLen)
	}
	if nBitCount > 0 {
		var counts [8]int
		pospop.Count8(&counts, nBitmask)
		total := 0
		for _, c := range counts {
			total += c
		}
		blk.NDensity = float64(total) / float64(nBitCount)
	}
	return blk, nil
}

// splitOnN splits bases on runs of N (any case), appending one bit
// per base (set if N) to *bitmask for the caller's pospop density
// accounting, and returns the non-N runs.
func splitOnN(bases []byte, bitmask *[]byte, bitCount *int) [][]byte {
	var runs [][]byte
	start := -1
	var cur byte
	var nbits int
	for i, b := range bases {
		isN := b == 'N' || b == 'n'
		if nbits%8 == 0 {
			*bitmask = append(*bitmask, 0)
		}
		if isN {
			cur |= 1 << uint(7-nbits%8)
		}
		nbits++
		if nbits%8 == 0 {
			(*bitmask)[len(*bitmask)-1] = cur
			cur = 0
		}
		if isN {
			if start >= 0 {
				runs = append(runs, bases[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if nbits%8 != 0 {
		*bitmask = append(*bitmask, cur)
	}
	if start >= 0 {
		runs = append(runs, bases[start:])
	}
	*bitCount += len(bases)
	return runs
}

// compressHomopolymers collapses runs of identical bases to a single
// base, applied before k-mer extraction and before the
// minimum-run-length check.
func compressHomopolymers(bases []byte) []byte {
	if len(bases) == 0 {
		return bases
	}
	out := make([]byte, 0, len(bases))
	out = append(out, bases[0])
	for i := 1; i < len(bases); i++ {
		if bases[i] != bases[i-1] {
			out = append(out, bases[i])
		}
	}
	return out
}
