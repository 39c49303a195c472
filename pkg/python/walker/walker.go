// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package walker reconstructs the call stacks of a live CPython process
// from the outside.
//
// The target is an uncontrolled concurrent actor: every pointer followed
// here may be stale, torn, or adversarial. The walker never re-reads an
// address to confirm a value; it compensates with visited sets, depth
// bounds and partial-result statuses instead of attempting consistency.
package walker

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/pystack/pkg/python/layout"
	"github.com/parca-dev/pystack/pkg/python/mem"
	"github.com/parca-dev/pystack/pkg/remote"
)

const (
	// MaxStackDepth bounds the frames walked per thread. Foreign frame
	// chains can be corrupted into unbounded shapes that a visited set
	// alone does not catch (e.g. ever-changing garbage pointers).
	MaxStackDepth = 256

	// maxThreads bounds the combined interpreter and thread list walks.
	maxThreads = 4096

	// UnresolvedName stands in for a function or file whose code object
	// could not be read.
	UnresolvedName = "<unresolved>"
)

// Status is the terminal state of one reconstructed call stack.
type Status int32

const (
	// StatusComplete: the walk ended at a null back-pointer.
	StatusComplete Status = iota
	// StatusPartial: a read failed mid-walk; the frames collected up to
	// that point are kept, or a frame's location could not be resolved.
	StatusPartial
	// StatusCycleDetected: a previously visited frame address reappeared.
	StatusCycleDetected
	// StatusTruncated: the depth bound tripped.
	StatusTruncated
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusPartial:
		return "partial"
	case StatusCycleDetected:
		return "cycle-detected"
	case StatusTruncated:
		return "truncated"
	default:
		return "<unknown status>"
	}
}

// Frame is a fully decoded activation record. The only data that survives
// a sample.
type Frame struct {
	Function string
	File     string
	Line     int32
	Depth    int32
}

// CallStack is the ordered stack of one target thread, innermost frame
// first, outermost (program entry) last.
type CallStack struct {
	ThreadID uint64
	Status   Status
	Frames   []Frame
	// Active marks the thread that held the GIL when the snapshot was
	// taken. Set by callers that know which thread state was current.
	Active bool
}

// ThreadState hands the address of a live thread-state struct to the frame
// walker, along with the snapshot of its first frame pointer. Neither
// address is ever dereferenced twice expecting identical contents.
type ThreadState struct {
	Addr      uint64
	FrameAddr uint64 // zero if the thread has no active Python frame
	ThreadID  uint64
}

// LocationKey identifies a decoded source location. Code objects are
// immutable in the target, so locations may be memoized across samples
// even though frame and thread snapshots may not.
type LocationKey struct {
	Code  uint64
	LastI int32
}

// LocationCache memoizes resolved locations. Implementations must be safe
// for concurrent use; per-thread walks run in parallel goroutines.
type LocationCache interface {
	Get(key LocationKey) (Frame, bool)
	Add(key LocationKey, f Frame)
}

// Walker walks interpreter and frame lists of one target process using a
// single layout selected for the session.
type Walker struct {
	logger log.Logger
	acc    *mem.Accessor
	layout *layout.Layout

	// locations is optional; nil resolves every frame from scratch.
	locations LocationCache

	// interned memoizes strings the target marked as interned: those are
	// immortal and immutable, so their addresses stay valid for the
	// session.
	interned *xsync.MapOf[uint64, string]
}

func New(logger log.Logger, r remote.MemoryReader, l *layout.Layout, locations LocationCache) *Walker {
	return &Walker{
		logger:    logger,
		acc:       mem.NewAccessor(r),
		layout:    l,
		locations: locations,
		interned:  xsync.NewMapOf[uint64, string](),
	}
}

// fatal reports errors that invalidate the whole session: the layout table
// is wrong for the target, so every later read would be garbage too.
func fatal(err error) bool {
	return errors.Is(err, layout.ErrUnsupportedField) || errors.Is(err, layout.ErrUnsupportedVersion)
}

// EnumerateThreads walks the interpreter-state list starting at
// interpStateAddr and each interpreter's thread list, in the target's own
// registration order. A read error mid-walk ends the enumeration early and
// returns the threads collected so far with partial=true; only an
// unsupported layout aborts with an error.
func (w *Walker) EnumerateThreads(ctx context.Context, interpStateAddr uint64) ([]ThreadState, bool, error) {
	var (
		threads     []ThreadState
		partial     bool
		seenInterp  = map[uint64]struct{}{}
		seenThreads = map[uint64]struct{}{}
	)

	interp := interpStateAddr
	for interp != 0 {
		if err := ctx.Err(); err != nil {
			return threads, true, nil
		}
		if _, ok := seenInterp[interp]; ok || len(seenInterp) >= maxThreads {
			partial = true
			break
		}
		seenInterp[interp] = struct{}{}

		tstate, err := w.acc.Pointer(interp, w.layout.PyInterp.TStateHead, "interp.tstate_head")
		if err != nil {
			if fatal(err) {
				return nil, false, err
			}
			level.Debug(w.logger).Log("msg", "thread list head unreadable", "interp", fmt.Sprintf("0x%x", interp), "err", err)
			return threads, true, nil
		}

		for tstate != 0 {
			if err := ctx.Err(); err != nil {
				return threads, true, nil
			}
			if _, ok := seenThreads[tstate]; ok || len(seenThreads) >= maxThreads {
				partial = true
				break
			}
			seenThreads[tstate] = struct{}{}

			ts, err := w.readThreadState(tstate)
			if err != nil {
				if fatal(err) {
					return nil, false, err
				}
				level.Debug(w.logger).Log("msg", "thread state unreadable", "tstate", fmt.Sprintf("0x%x", tstate), "err", err)
				return threads, true, nil
			}
			threads = append(threads, ts)

			tstate, err = w.acc.Pointer(tstate, w.layout.PyThread.Next, "tstate.next")
			if err != nil {
				if fatal(err) {
					return nil, false, err
				}
				return threads, true, nil
			}
		}

		next, err := w.acc.Pointer(interp, w.layout.PyInterp.Next, "interp.next")
		if err != nil {
			if fatal(err) {
				return nil, false, err
			}
			return threads, true, nil
		}
		interp = next
	}

	return threads, partial, nil
}

func (w *Walker) readThreadState(tstate uint64) (ThreadState, error) {
	frame, err := w.acc.Pointer(tstate, w.layout.PyThread.Frame, "tstate.frame")
	if err != nil {
		return ThreadState{}, err
	}
	// The thread id is informational; a thread whose id cannot be read is
	// still walkable.
	tid, err := w.acc.Uint64(tstate, w.layout.PyThread.ThreadID, "tstate.thread_id")
	if err != nil && fatal(err) {
		return ThreadState{}, err
	}
	return ThreadState{Addr: tstate, FrameAddr: frame, ThreadID: tid}, nil
}

// Walk follows the frame chain of one thread and resolves every frame into
// a Frame record, innermost first. All transient read failures are absorbed
// into the stack's status; only an unsupported layout is returned as an
// error.
func (w *Walker) Walk(ctx context.Context, ts ThreadState) (CallStack, error) {
	stack := CallStack{ThreadID: ts.ThreadID, Status: StatusComplete}
	if ts.FrameAddr == 0 {
		// A thread with no active frame is a valid, empty sample.
		return stack, nil
	}

	seen := map[uint64]struct{}{}
	frame := ts.FrameAddr
	for depth := int32(0); frame != 0; depth++ {
		if err := ctx.Err(); err != nil {
			stack.Status = StatusPartial
			return stack, nil
		}
		if _, ok := seen[frame]; ok {
			stack.Status = StatusCycleDetected
			return stack, nil
		}
		if depth >= MaxStackDepth {
			stack.Status = StatusTruncated
			return stack, nil
		}
		seen[frame] = struct{}{}

		resolved, err := w.resolveFrame(frame, depth)
		if err != nil {
			if fatal(err) {
				return CallStack{}, err
			}
			// The frame struct itself is gone; keep what we have.
			stack.Status = StatusPartial
			return stack, nil
		}
		if resolved.Function == UnresolvedName || resolved.File == UnresolvedName {
			stack.Status = StatusPartial
		}
		stack.Frames = append(stack.Frames, resolved)

		back, err := w.acc.Pointer(frame, w.layout.PyFrame.Back, "frame.f_back")
		if err != nil {
			if fatal(err) {
				return CallStack{}, err
			}
			stack.Status = StatusPartial
			return stack, nil
		}
		frame = back
	}

	return stack, nil
}

// resolveFrame turns one frame address into a Frame record. A frame whose
// code object is unreadable resolves to the unresolved placeholder rather
// than failing the walk; an unreadable frame struct is an error for the
// caller to absorb.
func (w *Walker) resolveFrame(frame uint64, depth int32) (Frame, error) {
	code, err := w.acc.Pointer(frame, w.layout.PyFrame.Code, "frame.f_code")
	if err != nil {
		return Frame{}, err
	}
	lasti, err := w.acc.Int32(frame, w.layout.PyFrame.LastI, "frame.f_lasti")
	if err != nil {
		return Frame{}, err
	}

	if w.locations != nil {
		if loc, ok := w.locations.Get(LocationKey{Code: code, LastI: lasti}); ok {
			loc.Depth = depth
			return loc, nil
		}
	}

	loc, err := w.ResolveLocation(code, lasti)
	if err != nil {
		if fatal(err) {
			return Frame{}, err
		}
		level.Debug(w.logger).Log("msg", "code object unreadable", "code", fmt.Sprintf("0x%x", code), "err", err)
		return Frame{Function: UnresolvedName, File: UnresolvedName, Line: 0, Depth: depth}, nil
	}
	if w.locations != nil {
		w.locations.Add(LocationKey{Code: code, LastI: lasti}, loc)
	}
	loc.Depth = depth
	return loc, nil
}

// ResolveLocation decodes function name, file name and current line for a
// code object address and instruction offset. Exported for the sampler's
// location cache: code objects are immutable, so (code, lasti) pairs may
// be cached across samples even though frames may not.
func (w *Walker) ResolveLocation(code uint64, lasti int32) (Frame, error) {
	namePtr, err := w.acc.Pointer(code, w.layout.PyCode.Name, "code.co_name")
	if err != nil {
		return Frame{}, err
	}
	name, err := w.readString(namePtr)
	if err != nil {
		if fatal(err) {
			return Frame{}, err
		}
		name = UnresolvedName
	}

	filePtr, err := w.acc.Pointer(code, w.layout.PyCode.Filename, "code.co_filename")
	if err != nil {
		return Frame{}, err
	}
	file, err := w.readString(filePtr)
	if err != nil {
		if fatal(err) {
			return Frame{}, err
		}
		file = UnresolvedName
	}

	line, err := w.lineNumber(code, lasti)
	if err != nil {
		if fatal(err) {
			return Frame{}, err
		}
		// Line zero marks an undecodable location; name and file alone
		// are still worth keeping.
		line = 0
	}

	return Frame{Function: name, File: file, Line: line}, nil
}
