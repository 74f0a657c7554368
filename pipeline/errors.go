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

// Five error kinds, each a distinct wrapped type so callers can tell
// setup mistakes (exit 1, no cleanup guarantee promised) apart from
// bugs (InvariantError).

// ConfigError is an invalid flag or incompatible pre-existing table.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return fmt.Sprintf("config error: %s", e.Err) }
func (e *ConfigError) Unwrap() error  { return e.Err }

// ResourceError is an unreachable file-descriptor limit or a bucket
// that cannot be split further under SORT_MEMORY.
type ResourceError struct{ Err error }

func (e *ResourceError) Error() string { return fmt.Sprintf("resource error: %s", e.Err) }
func (e *ResourceError) Unwrap() error  { return e.Err }

// InputError is sequences-too-short or a malformed input block.
type InputError struct{ Err error }

func (e *InputError) Error() string { return fmt.Sprintf("input error: %s", e.Err) }
func (e *InputError) Unwrap() error  { return e.Err }

// IOError wraps a read/write/unlink failure on a bucket or output file.
type IOError struct{ Err error }

func (e *IOError) Error() string { return fmt.Sprintf("I/O error: %s", e.Err) }
func (e *IOError) Unwrap() error  { return e.Err }

// InvariantError indicates a bug: an assertion the design guarantees
// (super-mer length bounds, bucket disjointness) did not hold.
type InvariantError struct{ Err error }

func (e *InvariantError) Error() string { return fmt.Sprintf("invariant violation: %s", e.Err) }
func (e *InvariantError) Unwrap() error  { return e.Err }
