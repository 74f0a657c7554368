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

// Package pipeline is the orchestrator: it drives the partition ->
// scheme-select -> split -> sort -> {merge-table, merge-profile} phase
// pipeline, joining all worker threads at each phase boundary. It owns
// the handle table (handles.go), raises the file-descriptor limit
// (fdlimit.go), and reports per-phase stats. No phase here ever
// mutates a Scheme once Select has produced it.
package pipeline

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
	yaml "gopkg.in/yaml.v2"

	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
	"github.com/shenwei356/fastk/mergeprofile"
	"github.com/shenwei356/fastk/mergetable"
	"github.com/shenwei356/fastk/partition"
	"github.com/shenwei356/fastk/sortbucket"
	"github.com/shenwei356/fastk/split"
)

// sampleBudgetBases is the "~1 GB" worth of bases the scheme selector
// samples before committing to a Scheme.
const sampleBudgetBases = 1 << 30

// blockBudgetBases bounds how many bases a splitter thread reads
// before handing a Block to the Splitter, just a batching knob.
const blockBudgetBases = 32 << 20

// Stats summarizes one run for the -v stats table.
type Stats struct {
	ReadsScanned     int64
	SuperMersEmitted int64
	KmerRecordsTotal int64
	BucketsSpilled   int64
	TableEntries     int64
	TableDropped     int64
	ProfileReads     int64
	// NDensity is the fraction of scanned input bases that were N,
	// weighted by block length across every splitter thread; lets a
	// -v run flag a noticeably N-heavy input without a separate pass.
	NDensity float64
}

// Run executes the full pipeline for opts against opts.Sources,
// writing OutRoot.ktab / OutRoot.prof as requested.
func Run(opts Options) (Stats, error) {
	var stats Stats

	if opts.ProfileTable != "" {
		// Reserved for a future profile-restricted-to-an-existing-table
		// mode; never implemented.
		return stats, &ConfigError{Err: errors.New("-p:TABLE.ktab is reserved and not implemented")}
	}
	if opts.Kmer <= 0 {
		return stats, &ConfigError{Err: fastk.ErrInvalidK}
	}
	if !opts.Table && !opts.Profiles {
		return stats, &ConfigError{Err: errors.New("neither -t nor -p requested: nothing to do")}
	}
	if opts.NThreads <= 0 {
		opts.NThreads = 1
	}
	tmpDir := opts.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if err := checkTmpDir(tmpDir); err != nil {
		return stats, err
	}
	opts.TmpDir = tmpDir

	scheme, err := selectScheme(opts)
	if err != nil {
		return stats, err
	}

	if err := raiseFDLimit(scheme.NParts, opts.NThreads, opts.FDReserve); err != nil {
		return stats, err
	}

	if opts.Verbose {
		if err := writeSchemeDump(opts.OutRoot, scheme); err != nil {
			return stats, &IOError{Err: err}
		}
	}

	handles := newHandleTable(tmpDir, opts.OutRoot, opts.NThreads, scheme.NParts)
	progress := newProgress(opts.Verbose)

	// --- Phase C: Splitter ----------------------------------------------

	splitterResults, err := runSplitters(opts, scheme, handles, progress)
	if err != nil {
		handles.removeAll()
		return stats, err
	}
	var nWeighted, nTotalLen float64
	for _, r := range splitterResults {
		if r.splitter == nil {
			continue
		}
		stats.ReadsScanned += r.splitter.ReadsScanned
		stats.SuperMersEmitted += r.splitter.SuperMersEmitted
		nWeighted += r.nWeighted
		nTotalLen += r.totalLen
	}
	if nTotalLen > 0 {
		stats.NDensity = nWeighted / nTotalLen
	}
	if opts.Stage == StageSplit {
		handles.removeAll()
		return stats, nil
	}

	// --- Phase D: Bucket Sorter ------------------------------------------

	sortResults, bucketTables, err := runSorters(opts, scheme, handles, progress)
	if err != nil {
		handles.removeAll()
		return stats, err
	}
	for _, r := range sortResults {
		stats.KmerRecordsTotal += r.KmerRecords
		if r.Spilled {
			stats.BucketsSpilled++
		}
	}
	if opts.Stage == StageSort {
		handles.removeAll()
		return stats, nil
	}

	// --- Table merge and profile merge are independent of each other
	// (linear dataflow, no profile<->table cycle), so they run
	// concurrently. -------------------------------------------------

	var wg sync.WaitGroup
	var tableErr, profileErr error

	if opts.Table && opts.Stage != StageMergeProfile {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mergeStats, err := runTableMerger(opts, scheme, bucketTables, progress)
			if err != nil {
				tableErr = err
				return
			}
			stats.TableEntries = mergeStats.EntriesMerged
			stats.TableDropped = mergeStats.EntriesDropped
		}()
	}
	if opts.Profiles && opts.Stage != StageMergeTable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			profStats, err := runProfileMerger(opts, scheme, handles, progress)
			if err != nil {
				profileErr = err
				return
			}
			stats.ProfileReads = profStats.ReadsWritten
		}()
	}
	wg.Wait()
	if progress != nil {
		progress.Wait()
	}

	handles.removeAll()

	if tableErr != nil {
		return stats, tableErr
	}
	if profileErr != nil {
		return stats, profileErr
	}
	return stats, nil
}

// selectScheme samples the input once, then hands the sample to the
// scheme selector.
func selectScheme(opts Options) (*fastk.Scheme, error) {
	sampleIn, err := partition.Open(opts.Kmer, opts.BcPrefix, opts.Compress, opts.Sources...)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	defer sampleIn.Close()

	sampleBlock, err := sampleIn.FirstBlock(sampleBudgetBases)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	if sampleBlock == nil {
		return nil, &InputError{Err: errors.New("no reads found in input sources")}
	}

	sample := fastk.SampleStats{NReads: sampleBlock.NReads, TotLen: sampleBlock.TotLen}
	maxReadLen := 0
	for _, r := range sampleBlock.Reads {
		if r.Len > maxReadLen {
			maxReadLen = r.Len
		}
	}
	estKmerRecordBytes := estimateKmerRecordBytes(sampleBlock, opts.Kmer)

	scheme, err := fastk.Select(sample, opts.Kmer, estKmerRecordBytes, opts.SortMemoryBytes(), maxReadLen)
	if err != nil {
		if errors.Is(err, fastk.ErrReadsTooShort) {
			return nil, &InputError{Err: err}
		}
		return nil, &ConfigError{Err: err}
	}
	return scheme, nil
}

// estimateKmerRecordBytes computes the k-mer record bytes (KmerBytes+2
// per k-mer) of the sampled block alone, using the sample's own
// expansion ratio, feeding the NPARTS sizing formula. It only sizes
// NPARTS; getting it somewhat wrong only skews bucket count, never
// correctness.
func estimateKmerRecordBytes(block *partition.Block, kmer int) int64 {
	if block.TotLen == 0 {
		return 0
	}
	perKmer := int64(fastk.KmerBytes(kmer) + 2)
	kmersPerBase := block.Ratio
	if kmersPerBase <= 0 {
		kmersPerBase = 1
	}
	return int64(float64(block.TotLen) * kmersPerBase * float64(perKmer))
}

func writeSchemeDump(outRoot string, scheme *fastk.Scheme) error {
	data, err := yaml.Marshal(scheme)
	if err != nil {
		return err
	}
	return os.WriteFile(outRoot+".scheme.yaml", data, 0o644)
}

func newProgress(verbose bool) *mpb.Progress {
	if !verbose {
		return nil
	}
	return mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
}

func addPhaseBar(p *mpb.Progress, name string, total int64) *mpb.Bar {
	if p == nil {
		return nil
	}
	return p.AddBar(total,
		mpb.BarStyle("[=>-]<+"),
		mpb.PrependDecorators(
			decor.Name(name+": ", decor.WC{W: len(name) + 2, C: decor.DidentRight}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
	)
}

func incBar(bar *mpb.Bar) {
	if bar != nil {
		bar.Increment()
	}
}

// splitOutcome is one thread's Splitter plus the N-density weighting
// terms accumulated from the blocks it scanned (pipeline-level
// aggregation stays out of the split package, which has no reason to
// know about per-run input-quality reporting).
type splitOutcome struct {
	splitter  *split.Splitter
	nWeighted float64 // sum of blk.NDensity*blk.TotLen across this thread's blocks
	totalLen  float64 // sum of blk.TotLen across this thread's blocks
}

// runSplitters fans the Splitter phase out across opts.NThreads
// threads. Each thread opens its own file-sharded partition.Input and
// owns its row of the handle table for the phase's duration.
func runSplitters(opts Options, scheme *fastk.Scheme, handles *handleTable, progress *mpb.Progress) ([]splitOutcome, error) {
	results := make([]splitOutcome, opts.NThreads)
	errs := make([]error, opts.NThreads)
	bar := addPhaseBar(progress, "split", int64(opts.NThreads))

	var wg sync.WaitGroup
	for t := 0; t < opts.NThreads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			defer incBar(bar)
			o, err := runOneSplitter(opts, scheme, handles, t)
			results[t] = o
			errs[t] = err
		}(t)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func runOneSplitter(opts Options, scheme *fastk.Scheme, handles *handleTable, threadID int) (splitOutcome, error) {
	var outcome splitOutcome

	in, err := partition.OpenShard(opts.Kmer, opts.BcPrefix, opts.Compress, threadID, opts.NThreads, opts.Sources...)
	if err != nil {
		return outcome, &InputError{Err: err}
	}
	defer in.Close()

	writers := make([]split.BucketWriters, scheme.NParts)
	var openFiles []*os.File
	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()

	for b := 0; b < scheme.NParts; b++ {
		smf, err := os.Create(handles.superMerPath(threadID, b))
		if err != nil {
			return outcome, &IOError{Err: err}
		}
		openFiles = append(openFiles, smf)
		sw, err := bucket.NewSuperMerWriter(smf, scheme)
		if err != nil {
			return outcome, &IOError{Err: err}
		}

		rif, err := os.Create(handles.runIndexPath(threadID, b))
		if err != nil {
			return outcome, &IOError{Err: err}
		}
		openFiles = append(openFiles, rif)
		rw := bucket.NewRunIndexWriter(rif, scheme.RunBytes)

		writers[b] = split.BucketWriters{SuperMer: sw, RunIndex: rw}
	}

	splitter, err := split.New(scheme, writers)
	if err != nil {
		return outcome, &ConfigError{Err: err}
	}
	outcome.splitter = splitter

	blocks, errc := in.IterBlocks(blockBudgetBases)
	for blk := range blocks {
		outcome.nWeighted += blk.NDensity * float64(blk.TotLen)
		outcome.totalLen += float64(blk.TotLen)

		reads := make([]split.Read, len(blk.Reads))
		for i, r := range blk.Reads {
			reads[i] = split.Read{Bases: fastk.Decode(r.Packed, r.Len)}
		}
		if err := splitter.ProcessReads(reads); err != nil {
			return outcome, classifySplitError(err)
		}
	}
	if err := <-errc; err != nil {
		return outcome, &IOError{Err: err}
	}

	for _, bw := range writers {
		if err := bw.SuperMer.Flush(); err != nil {
			return outcome, &IOError{Err: err}
		}
		if err := bw.RunIndex.Flush(); err != nil {
			return outcome, &IOError{Err: err}
		}
	}
	return outcome, nil
}

func classifySplitError(err error) error {
	if errors.Is(err, split.ErrSuperMerInvariant) {
		return &InvariantError{Err: err}
	}
	return &IOError{Err: err}
}

// runSorters fans the bucket-sort phase out across a worker pool of
// size opts.NThreads, each worker taking an exclusive bucket id at a
// time: every sorter thread owns its buckets exclusively.
func runSorters(opts Options, scheme *fastk.Scheme, handles *handleTable, progress *mpb.Progress) ([]sortbucket.Result, []string, error) {
	results := make([]sortbucket.Result, scheme.NParts)
	tablePaths := make([]string, scheme.NParts)
	errs := make([]error, scheme.NParts)
	bar := addPhaseBar(progress, "sort", int64(scheme.NParts))

	spillThreshold := opts.SpillThreshold
	if spillThreshold <= 0 {
		perRecord := int64(scheme.SmerWord)
		if perRecord > 0 {
			spillThreshold = int(opts.SortMemoryBytes() / perRecord)
		}
		if spillThreshold <= 0 {
			spillThreshold = 1 << 20
		}
	}

	sem := make(chan struct{}, opts.NThreads)
	var wg sync.WaitGroup
	for b := 0; b < scheme.NParts; b++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(b int) {
			defer wg.Done()
			defer func() { <-sem }()
			defer incBar(bar)
			res, path, err := runOneSorter(opts, scheme, handles, b, spillThreshold)
			results[b] = res
			tablePaths[b] = path
			errs[b] = err
		}(b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, tablePaths, err
		}
	}
	return results, tablePaths, nil
}

func runOneSorter(opts Options, scheme *fastk.Scheme, handles *handleTable, bucketID, spillThreshold int) (sortbucket.Result, string, error) {
	var res sortbucket.Result

	var sources []sortbucket.ThreadSource
	var openFiles []*os.File
	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()

	for t := 0; t < opts.NThreads; t++ {
		smf, err := os.Open(handles.superMerPath(t, bucketID))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return res, "", &IOError{Err: err}
		}
		openFiles = append(openFiles, smf)
		smReader, err := bucket.NewSuperMerReader(smf, scheme.SlenBytes)
		if err != nil {
			return res, "", &IOError{Err: err}
		}

		rif, err := os.Open(handles.runIndexPath(t, bucketID))
		if err != nil {
			return res, "", &IOError{Err: err}
		}
		openFiles = append(openFiles, rif)
		riReader := bucket.NewRunIndexReader(rif, scheme.RunBytes)

		sources = append(sources, sortbucket.ThreadSource{ThreadID: t, SuperMer: smReader, RunIndex: riReader})
	}

	tablePath := handles.bucketTablePath(bucketID)
	tableOut, err := os.Create(tablePath)
	if err != nil {
		return res, "", &IOError{Err: err}
	}
	defer tableOut.Close()

	var profileOuts []io.Writer
	if opts.Profiles {
		profileOuts = make([]io.Writer, len(sources))
		for i, src := range sources {
			f, err := os.Create(handles.profilePath(src.ThreadID, bucketID))
			if err != nil {
				return res, "", &IOError{Err: err}
			}
			openFiles = append(openFiles, f)
			profileOuts[i] = f
		}
	}

	res, err = sortbucket.SortBucket(scheme, sources, tableOut, profileOuts, opts.TmpDir, spillThreshold)
	if err != nil {
		if errors.Is(err, sortbucket.ErrBucketUnsplittable) {
			return res, "", &ResourceError{Err: err}
		}
		return res, "", &IOError{Err: err}
	}
	return res, tablePath, nil
}

func runTableMerger(opts Options, scheme *fastk.Scheme, bucketTables []string, progress *mpb.Progress) (mergetable.Stats, error) {
	bar := addPhaseBar(progress, "merge-table", 1)
	defer incBar(bar)

	stubPath := opts.OutRoot + ".ktab"
	stub, err := os.Create(stubPath)
	if err != nil {
		return mergetable.Stats{}, &IOError{Err: err}
	}
	defer stub.Close()
	if err := mergetable.WriteStub(stub, scheme.Kmer, opts.NThreads); err != nil {
		return mergetable.Stats{}, &IOError{Err: err}
	}

	shardFiles, writers, err := createShards(stubPath, opts.NThreads)
	if err != nil {
		return mergetable.Stats{}, err
	}
	defer closeAll(shardFiles)

	var nonEmpty []string
	for _, p := range bucketTables {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	st, err := mergetable.Merge(scheme, nonEmpty, opts.Cutoff, writers)
	if err != nil {
		return st, &IOError{Err: err}
	}
	return st, nil
}

func runProfileMerger(opts Options, scheme *fastk.Scheme, handles *handleTable, progress *mpb.Progress) (mergeprofile.Stats, error) {
	bar := addPhaseBar(progress, "merge-profile", 1)
	defer incBar(bar)

	stubPath := opts.OutRoot + ".prof"
	stub, err := os.Create(stubPath)
	if err != nil {
		return mergeprofile.Stats{}, &IOError{Err: err}
	}
	defer stub.Close()
	if err := mergeprofile.WriteStub(stub, scheme.Kmer, opts.NThreads); err != nil {
		return mergeprofile.Stats{}, &IOError{Err: err}
	}

	shardFiles, writers, err := createShards(stubPath, opts.NThreads)
	if err != nil {
		return mergeprofile.Stats{}, err
	}
	defer closeAll(shardFiles)

	open := func(threadID, bucketID int) (io.ReadCloser, error) {
		f, err := os.Open(handles.profilePath(threadID, bucketID))
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	st, err := mergeprofile.Merge(opts.NThreads, scheme.NParts, scheme.RunBytes, scheme.PlenBytes, open, writers)
	if err != nil {
		return st, &IOError{Err: err}
	}
	return st, nil
}

func createShards(stubPath string, n int) ([]*os.File, []io.Writer, error) {
	files := make([]*os.File, n)
	writers := make([]io.Writer, n)
	for i := 0; i < n; i++ {
		f, err := os.Create(shardPath(stubPath, i+1))
		if err != nil {
			closeAll(files)
			return nil, nil, &IOError{Err: err}
		}
		files[i] = f
		writers[i] = f
	}
	return files, writers, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// shardPath names a hidden per-thread shard file next to its stub,
// e.g. .OUT.ktab.1 ... .OUT.ktab.NTHREADS.
func shardPath(stub string, n int) string {
	dir, base := filepath.Split(stub)
	return filepath.Join(dir, "."+base+"."+itoa(uint64(n)))
}
