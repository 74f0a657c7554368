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

import "syscall"

// neededFDs implements the formula (NPARTS + 2) * NTHREADS + reserve:
// one descriptor per bucket per thread plus two more per thread, and
// reserve for stdio/output/table/profile handles. The splitter itself
// holds two files per bucket per thread (super-mer + run-index).
func neededFDs(nparts, nthreads, reserve int) uint64 {
	return uint64((nparts+2)*nthreads + reserve)
}

// raiseFDLimit raises RLIMIT_NOFILE to its hard ceiling and checks
// that the formula's requirement fits under it; if the kernel hard
// limit is lower, the run aborts before doing any I/O.
func raiseFDLimit(nparts, nthreads, reserve int) error {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return &ResourceError{Err: err}
	}
	need := neededFDs(nparts, nthreads, reserve)

	if rl.Cur < rl.Max {
		raised := rl
		raised.Cur = rl.Max
		// Best-effort: some sandboxes reject Setrlimit even when
		// Cur<Max; fall through to the need-vs-Max check either way.
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &raised); err == nil {
			rl = raised
		}
	}
	if need > rl.Max {
		return &ResourceError{Err: errTooManyFDs(need, rl.Max)}
	}
	return nil
}

type fdLimitErr struct {
	need, max uint64
}

func (e fdLimitErr) Error() string {
	return "file-descriptor limit unreachable: need " + itoa(e.need) + ", hard limit is " + itoa(e.max)
}

func errTooManyFDs(need, max uint64) error { return fdLimitErr{need: need, max: max} }

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
