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
	"encoding/binary"
	"fmt"
	"os"

	"github.com/shenwei356/breader"
	"github.com/shenwei356/xopen"
	"github.com/spf13/cobra"

	"github.com/shenwei356/fastk"
	"github.com/shenwei356/fastk/bucket"
)

// dumpCmd prints a .ktab shard in human-readable form, or builds one
// from a plain-text k-mer list — a developer/test-fixture tool, not
// part of the core pipeline.
var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "print a .ktab shard as text, or build one from a plain-text k-mer list",
	Long: `print a .ktab shard as text, or build one from a plain-text k-mer list

`,
	Run: func(cmd *cobra.Command, args []string) {
		k := getFlagInt(cmd, "kmer")
		if k <= 0 {
			checkError(fastk.ErrInvalidK)
		}
		kmerBytes := fastk.KmerBytes(k)

		if fromText := getFlagString(cmd, "from-text"); fromText != "" {
			dumpFromText(cmd, fromText, k)
			return
		}

		for _, file := range getFileList(args) {
			dumpShard(file, kmerBytes, k)
		}
	},
}

// dumpShard reads a hidden per-thread shard file (int64 n_entries
// header + fixed-width table entries) and prints one k-mer per line.
func dumpShard(file string, kmerBytes, k int) {
	f, err := os.Open(file)
	checkError(err)
	defer f.Close()

	var n int64
	checkError(binary.Read(f, binary.BigEndian, &n))

	tr := bucket.NewTableReader(f, kmerBytes)
	for i := int64(0); i < n; i++ {
		e, err := tr.ReadEntry()
		checkError(err)
		fmt.Printf("%s\t%d\n", fastk.String(e.Packed, k), e.Count)
	}
}

// dumpFromText ingests a plain-text, one-k-mer-per-line file via
// breader and writes a single-shard .ktab with count 1 per distinct
// line, for building small test fixtures without a full pipeline run.
func dumpFromText(cmd *cobra.Command, file string, k int) {
	outFile := getFlagString(cmd, "out")
	out, err := xopen.Wopen(outFile)
	checkError(err)
	defer out.Close()

	seen := map[string]struct{}{}
	var kmers []string

	reader, err := breader.NewDefaultBufferedReader(file)
	checkError(err)
	for chunk := range reader.Ch {
		checkError(chunk.Err)
		for _, data := range chunk.Data {
			line := data.(string)
			if line == "" {
				continue
			}
			if len(line) != k {
				checkError(fmt.Errorf("dump: line length %d != -k %d: %q", len(line), k, line))
			}
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			kmers = append(kmers, line)
		}
	}

	checkError(binary.Write(out, binary.BigEndian, int64(len(kmers))))
	tw := bucket.NewTableWriter(out, fastk.KmerBytes(k))
	for _, s := range kmers {
		packed, err := fastk.Encode([]byte(s))
		checkError(err)
		checkError(tw.WriteEntry(fastk.Canonical(packed, k), 1))
	}
	checkError(tw.Flush())
}

func init() {
	RootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().IntP("kmer", "k", 40, "k-mer length")
	dumpCmd.Flags().String("from-text", "", "build a single-shard .ktab from this plain-text k-mer list")
	dumpCmd.Flags().String("out", "dump.ktab.1", "output shard path for --from-text")
}
