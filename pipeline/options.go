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

package pipeline

import "fmt"

// Stage is a developer-only dispatch enum: normal runs use StageAll;
// the others exist only so tests can isolate one phase.
type Stage int

const (
	StageAll Stage = iota
	StageSplit
	StageSort
	StageMergeTable
	StageMergeProfile
)

// Options is the immutable configuration a Run call is parameterized
// by, built from the CLI flags. It never changes once Run starts —
// the same immutable-value discipline applied to Options one level up
// is what lets Scheme itself stay a read-only value shared across
// every worker thread.
type Options struct {
	Sources []string

	Kmer     int  // -k, default 40
	Cutoff   uint16 // -t[CUTOFF], default 4 when -t has no argument
	Table    bool // -t given
	Profiles bool // -p given
	// ProfileTable is the reserved-but-unreachable -p:TABLE.ktab
	// surface: parsed and stored, Run always returns a ConfigError if
	// it is non-empty.
	ProfileTable string

	Compress bool // -c, homopolymer compression
	BcPrefix int  // -bc N

	OutRoot string // -N (the CLI defaults it to "fastk-out")
	TmpDir  string // -P, default os.TempDir()

	SortMemoryGB float64 // -M
	NThreads     int     // -T
	IThreads     int     // distinct input-reading thread count

	Verbose bool

	// Stage ends the run after the named phase (StageMergeTable and
	// StageMergeProfile each run only their own merge); it is set only
	// through a hidden CLI flag.
	Stage Stage

	// SpillThreshold caps in-memory super-mer instance count per
	// bucket before sortbucket spills to disk; 0 means "derive from
	// SortMemoryGB".
	SpillThreshold int

	// FDReserve is the constant reserve term in the file-descriptor
	// formula (NPARTS+2)*NTHREADS + reserve.
	FDReserve int
}

// DefaultOptions returns library defaults. They match the CLI's flag
// defaults except OutRoot ("fastk" here, "fastk-out" in the CLI) and
// NThreads (4 here, at most 2 in the CLI).
func DefaultOptions() Options {
	return Options{
		Kmer:         40,
		Cutoff:       4,
		OutRoot:      "fastk",
		SortMemoryGB: 4,
		NThreads:     4,
		IThreads:     1,
		FDReserve:    16,
	}
}

// SortMemoryBytes returns the -M budget in bytes.
func (o Options) SortMemoryBytes() int64 {
	return int64(o.SortMemoryGB * float64(1<<30))
}

// ParseStage parses the hidden --stage flag's value.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "", "all":
		return StageAll, nil
	case "split":
		return StageSplit, nil
	case "sort":
		return StageSort, nil
	case "merge", "merge-table":
		return StageMergeTable, nil
	case "merge-profile":
		return StageMergeProfile, nil
	default:
		return StageAll, fmt.Errorf("pipeline: unknown stage %q", s)
	}
}
