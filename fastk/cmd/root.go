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

package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	humanize "github.com/dustin/go-humanize"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/shenwei356/fastk/pipeline"
)

// RootCmd is also the counter itself: fastk takes its input files as
// positional args and flags directly, mirroring the original FastK
// command line.
var RootCmd = &cobra.Command{
	Use:   "fastk",
	Short: "K-mer counter for high-fidelity sequencing reads",
	Long: fmt.Sprintf(`fastk - K-mer counter for high-fidelity sequencing reads

Builds a global table of k-mer counts and, optionally, per-read k-mer
count profiles from a collection of FASTA/FASTQ sources, via a
minimizer-partitioned, two-stage external sort.

Version: %s

Author: Wei Shen <shenwei356@gmail.com>

`, VERSION),
	Run: func(cmd *cobra.Command, args []string) {
		runtime.GOMAXPROCS(getFlagInt(cmd, "threads"))

		if dir := getFlagString(cmd, "pprof"); dir != "" {
			defer profile.Start(profile.ProfilePath(dir)).Stop()
		}

		opts := pipeline.DefaultOptions()
		opts.Sources = getFileList(args)
		opts.Kmer = getFlagInt(cmd, "kmer")
		opts.Compress = getFlagBool(cmd, "compress")
		opts.BcPrefix = getFlagNonNegativeInt(cmd, "bc")
		opts.Verbose = getFlagBool(cmd, "verbose")
		opts.OutRoot = expandHome(getFlagString(cmd, "out"))
		opts.TmpDir = expandHome(getFlagString(cmd, "tmp-dir"))
		opts.SortMemoryGB = getFlagFloat64(cmd, "sort-memory")
		opts.NThreads = getFlagInt(cmd, "nthreads")

		table, cutoff := parseTableFlag(getFlagString(cmd, "table"))
		opts.Table = table
		opts.Cutoff = cutoff

		profiles, profileTable := parseProfileFlag(getFlagString(cmd, "profile"))
		opts.Profiles = profiles
		opts.ProfileTable = profileTable

		if stage := getFlagString(cmd, "stage"); stage != "" {
			s, err := pipeline.ParseStage(stage)
			checkError(err)
			opts.Stage = s
		}

		if opts.Verbose {
			log.Infof("counting k-mers of length %d from %d source(s)", opts.Kmer, len(opts.Sources))
		}
		stats, err := pipeline.Run(opts)
		checkError(err)
		if opts.Verbose {
			log.Infof("reads scanned: %s, super-mers: %s, k-mer records: %s, table entries: %s (%s dropped below cutoff), N density: %.4f%%",
				humanize.Comma(stats.ReadsScanned), humanize.Comma(stats.SuperMersEmitted),
				humanize.Comma(stats.KmerRecordsTotal), humanize.Comma(stats.TableEntries),
				humanize.Comma(stats.TableDropped), stats.NDensity*100)
		}
	},
}

// parseTableFlag implements "-t[CUTOFF]": bare "-t" requests a table
// at the default cutoff of 4; "-t6" requests cutoff 6.
func parseTableFlag(v string) (requested bool, cutoff uint16) {
	if v == "" {
		return false, 0
	}
	if v == "true" {
		return true, 4
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
		checkError(fmt.Errorf("invalid -t value: %q", v))
	}
	return true, uint16(n)
}

// parseProfileFlag implements "-p[:TABLE.ktab]": bare "-p" requests
// profiles against this run's own table; "-p:FILE" is the reserved
// (unimplemented) external-table form.
func parseProfileFlag(v string) (requested bool, tablePath string) {
	if v == "" {
		return false, ""
	}
	if v == "true" {
		return true, ""
	}
	return true, strings.TrimPrefix(v, ":")
}

// expandHome resolves a leading "~" in -P/-N paths against the user's
// home directory; an expansion failure just passes the path through
// unchanged rather than failing the run over a convenience feature.
func expandHome(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// Execute adds all child commands to RootCmd and runs it.
func Execute() {
	// pflag reads "-t6" as "-t" followed by an unknown "-6" shorthand
	// (and "-p:FILE" likewise), so attach those optional values with "=".
	args := append([]string(nil), os.Args[1:]...)
	for i, a := range args {
		if a == "--" {
			break
		}
		if len(a) > 2 && ((a[:2] == "-t" && a[2] >= '0' && a[2] <= '9') || a[:3] == "-p:") {
			args[i] = a[:2] + "=" + a[2:]
		}
	}
	RootCmd.SetArgs(args)
	checkError(RootCmd.Execute())
}

func init() {
	defaultThreads := runtime.NumCPU()
	if defaultThreads > 2 {
		defaultThreads = 2
	}

	RootCmd.Flags().IntP("kmer", "k", 40, "k-mer length")
	RootCmd.Flags().StringP("table", "t", "", `request a global k-mer table; bare -t uses cutoff 4, -t6 sets cutoff 6`)
	RootCmd.Flags().Lookup("table").NoOptDefVal = "true"
	RootCmd.Flags().StringP("profile", "p", "", `request per-read k-mer count profiles; -p:FILE.ktab is reserved and not implemented`)
	RootCmd.Flags().Lookup("profile").NoOptDefVal = "true"
	RootCmd.Flags().BoolP("compress", "c", false, "homopolymer-compress bases before k-merizing")
	RootCmd.Flags().Int("bc", 0, "skip the first N bases of each read (barcode prefix)")
	RootCmd.Flags().BoolP("verbose", "v", false, "print progress and a summary stats table")
	RootCmd.Flags().StringP("out", "N", "fastk-out", "output root (writes OUT.ktab / OUT.prof)")
	RootCmd.Flags().StringP("tmp-dir", "P", os.TempDir(), "temp directory for bucket intermediates")
	RootCmd.Flags().Float64P("sort-memory", "M", 4, "sort memory budget in GB")
	RootCmd.Flags().IntP("nthreads", "T", defaultThreads, "worker threads for the splitter/sorter/merger phases")
	RootCmd.Flags().IntP("threads", "j", defaultThreads, "GOMAXPROCS")

	RootCmd.Flags().String("stage", "", "developer-only: stop after one of all|split|sort|merge|merge-profile")
	RootCmd.Flags().MarkHidden("stage")
	RootCmd.Flags().String("pprof", "", "developer-only: write pprof profiles to this directory")
	RootCmd.Flags().MarkHidden("pprof")
}
