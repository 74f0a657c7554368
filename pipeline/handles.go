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

// handles.go implements an explicit two-dimensional handle table:
// bucket temporary files are named and tracked by (thread, bucket)
// pair by one coordinator, each worker borrowing its row for the
// phase's duration, so no phase needs to reconstruct a naming
// convention on its own. Names are salted with the process PID and
// OutRoot so concurrent runs never collide.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shenwei356/util/pathutil"
)

// handleTable owns every bucket/run-index/profile temporary path for
// one run: a coordinator allocates them once; Splitter/Sorter/Merger
// phases borrow the slice that belongs to them.
type handleTable struct {
	tmpDir   string
	runTag   string // PID + OutRoot, for collision-freedom
	nthreads int
	nparts   int
}

func newHandleTable(tmpDir, outRoot string, nthreads, nparts int) *handleTable {
	tag := fmt.Sprintf("fastk-%d-%s", os.Getpid(), filepath.Base(outRoot))
	return &handleTable{tmpDir: tmpDir, runTag: tag, nthreads: nthreads, nparts: nparts}
}

func (h *handleTable) superMerPath(thread, bucket int) string {
	return filepath.Join(h.tmpDir, fmt.Sprintf("%s.t%d.b%d.smer", h.runTag, thread, bucket))
}

func (h *handleTable) runIndexPath(thread, bucket int) string {
	return filepath.Join(h.tmpDir, fmt.Sprintf("%s.t%d.b%d.rix", h.runTag, thread, bucket))
}

func (h *handleTable) bucketTablePath(bucket int) string {
	return filepath.Join(h.tmpDir, fmt.Sprintf("%s.b%d.table", h.runTag, bucket))
}

func (h *handleTable) profilePath(thread, bucket int) string {
	return filepath.Join(h.tmpDir, fmt.Sprintf("%s.t%d.b%d.prof", h.runTag, thread, bucket))
}

// removeAll unlinks every temporary this table could have created,
// ignoring not-exist errors; bucket files are deleted once the
// mergers have consumed them.
func (h *handleTable) removeAll() {
	for t := 0; t < h.nthreads; t++ {
		for b := 0; b < h.nparts; b++ {
			os.Remove(h.superMerPath(t, b))
			os.Remove(h.runIndexPath(t, b))
			os.Remove(h.profilePath(t, b))
		}
	}
	for b := 0; b < h.nparts; b++ {
		os.Remove(h.bucketTablePath(b))
	}
}

// checkTmpDir validates -P: must exist and be a writable directory.
func checkTmpDir(dir string) error {
	existed, err := pathutil.DirExists(dir)
	if err != nil {
		return &ConfigError{Err: errors.Wrapf(err, "temp dir %s", dir)}
	}
	if !existed {
		return &ConfigError{Err: errors.Errorf("temp dir %s does not exist", dir)}
	}
	probe := filepath.Join(dir, fmt.Sprintf(".fastk-probe-%d", os.Getpid()))
	f, err := os.Create(probe)
	if err != nil {
		return &ConfigError{Err: errors.Wrapf(err, "temp dir %s is not writable", dir)}
	}
	f.Close()
	os.Remove(probe)
	return nil
}
