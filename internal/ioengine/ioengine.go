package ioengine

// ioengine.go implements the async I/O engine contract of spec §4.2 on top
// of internal/pagecache. Submission starts one I/O goroutine per operation
// (the Go stand-in for io_submit, see file.go's package doc); the number in
// flight is capped at the queue depth only when Step is asked to cap it;
// completions are delivered back over a channel that the owning worker
// drains in its main loop (the stand-in for io_getevents). No worker
// goroutine ever blocks except in WaitForCompletion, the single suspension
// point spec §5 allows.
//
// © 2025 kvell authors. MIT License.

import (
	"errors"
	"sync/atomic"

	"github.com/kvellstore/kvell/internal/pagecache"
)

// ErrPartialIO marks a short read/write — per spec §7 this is Fatal
// ("I/O submission short-count, read/write of wrong byte count ... is
// fatal"); the worker layer converts it into a panic via FatalError rather
// than retrying, since partial completions indicate a corrupted assumption
// about the underlying storage.
var ErrPartialIO = errors.New("partial I/O")

// Completion is invoked once a page is resident (after a read) or once a
// write has been durably submitted (after a write). err is non-nil only for
// conditions the engine could not treat as Fatal internally (callers decide).
type Completion func(frame *pagecache.Frame, err error)

var nextFileID uint32

// request is an internal unit of work sitting in the pending queue or
// in-flight with an I/O goroutine.
type request struct {
	file    *File
	page    int64
	isWrite bool
	data    []byte // write payload (exactly PageSize), nil for reads
	frame   int32
	hash    uint64
	done    Completion
	err     error
}

// Engine is the per-worker async I/O driver. It is not safe for concurrent
// use by more than one worker goroutine (matching spec §5's single-owner
// discipline for all per-shard structures).
type Engine struct {
	cache *pagecache.Cache

	queueDepth int
	inFlight   atomic.Int32

	pending []*request
	linked  map[uint64][]*request

	completions chan *request

	sentIO int64
}

// New constructs an async I/O engine whose page cache has room for
// capacityFrames pages and whose queue depth is queueDepth (spec §6
// QUEUE_DEPTH). In-flight operations stay at or below queueDepth only while
// Step is called with neverExceedQueueDepth set; otherwise every pending
// operation is submitted at once.
func New(capacityFrames, queueDepth int) *Engine {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Engine{
		cache:       pagecache.New(capacityFrames),
		queueDepth:  queueDepth,
		linked:      make(map[uint64][]*request),
		completions: make(chan *request, queueDepth),
	}
}

// Cache exposes the underlying page cache (used by tests and by the worker
// dispatcher for capacity introspection).
func (e *Engine) Cache() *pagecache.Cache { return e.cache }

// SentIO reports how many operations have been submitted to the kernel
// (file) layer so far, a diagnostic counter mirroring the C source's
// sent_io.
func (e *Engine) SentIO() int64 { return e.sentIO }

// Pending reports the number of operations not yet submitted to an I/O
// goroutine (waiting for a free slot under queueDepth).
func (e *Engine) Pending() int { return len(e.pending) }

// InFlight reports the number of operations currently submitted and awaiting
// completion.
func (e *Engine) InFlight() int { return int(e.inFlight.Load()) }

// newFileID assigns file handles a process-unique id for page hashing.
func newFileID() uint32 {
	for {
		old := atomic.LoadUint32(&nextFileID)
		if atomic.CompareAndSwapUint32(&nextFileID, old, old+1) {
			return old + 1
		}
	}
}

// ReadPageAsync implements spec §4.2's read_page_async: resolve the frame for
// (file, page); if already resident, invoke done synchronously; if another
// read for the same page is already outstanding, link done behind it;
// otherwise enqueue a fresh submission.
func (e *Engine) ReadPageAsync(f *File, page int64, done Completion) {
	hash := pagecache.HashPage(f.id, page)
	idx, present := e.cache.Get(hash)
	frame := e.cache.Frame(idx)

	if present && frame.Resident {
		done(frame, nil)
		return
	}
	if present && !frame.Resident {
		// Another read for this page is already in flight or queued;
		// coalesce (spec §4.2 "linked callbacks").
		e.linked[hash] = append(e.linked[hash], &request{file: f, page: page, frame: idx, hash: hash, done: done})
		return
	}

	frame.FileID = f.id
	frame.PageNo = page
	frame.Pinned++
	e.pending = append(e.pending, &request{file: f, page: page, frame: idx, hash: hash, done: done})
}

// WritePageAsync implements spec §4.2's write_page_async: the frame must
// already be resident (callers perform a read first for read-modify-write
// slot updates). If a write for this page is already dirty/in-flight, link
// the callback; otherwise mark the frame dirty and enqueue the write. Dirty
// stays set until the write completes (complete clears it), so a second
// write to the same page in the meantime is linked behind this one and
// replayed with the frame's latest bytes rather than silently dropped.
func (e *Engine) WritePageAsync(f *File, page int64, data []byte, done Completion) {
	hash := pagecache.HashPage(f.id, page)
	idx, present := e.cache.Get(hash)
	frame := e.cache.Frame(idx)
	if !present && !frame.Resident {
		panic("kvell: write_page_async on a non-resident frame")
	}

	copy(frame.Data, data)
	frame.Resident = true

	if frame.Dirty {
		e.linked[hash] = append(e.linked[hash], &request{file: f, page: page, frame: idx, hash: hash, isWrite: true, done: done})
		return
	}
	frame.Dirty = true
	frame.Pinned++
	e.pending = append(e.pending, &request{file: f, page: page, frame: idx, hash: hash, isWrite: true, data: frame.Data, done: done})
}

// Step performs one iteration of the worker's I/O loop (spec §4.8 step 1-2):
// submit up to the configured queue depth, drain whatever completions have
// already arrived (non-blocking), and replay linked callbacks whose frame
// became resident. NeverExceedQueueDepth mirrors spec §6's knob of the same
// name: when true, submission never pushes in-flight above queueDepth.
func (e *Engine) Step(neverExceedQueueDepth bool) {
	e.submit(neverExceedQueueDepth)
	e.drainCompletions(false)
}

// WaitForCompletion blocks until at least one completion is available,
// implementing spec §5's single suspension point for I/O. Callers check
// InFlight()>0 before calling to avoid blocking forever.
func (e *Engine) WaitForCompletion() {
	e.drainCompletions(true)
}

func (e *Engine) submit(neverExceedQueueDepth bool) {
	for len(e.pending) > 0 {
		if neverExceedQueueDepth && int(e.inFlight.Load()) >= e.queueDepth {
			break
		}
		req := e.pending[0]
		e.pending = e.pending[1:]
		e.inFlight.Add(1)
		e.sentIO++
		go e.execute(req)
	}
}

// execute performs the actual pread/pwrite. It always runs on its own
// goroutine, never on the worker's goroutine, preserving the "operation
// handlers never block" rule of spec §5.
func (e *Engine) execute(req *request) {
	offset := req.page * pagecache.PageSize
	frame := e.cache.Frame(req.frame)
	var err error
	if req.isWrite {
		_, err = req.file.WriteAt(req.data, offset)
	} else {
		_, err = req.file.ReadAt(frame.Data, offset)
	}
	req.err = err
	req.data = nil
	e.completions <- req
}

func (e *Engine) drainCompletions(blocking bool) {
	for {
		var req *request
		if blocking {
			req = <-e.completions
			blocking = false // only the first receive may block per call
		} else {
			select {
			case req = <-e.completions:
			default:
				return
			}
		}
		e.complete(req)
	}
}

func (e *Engine) complete(req *request) {
	e.inFlight.Add(-1)
	frame := e.cache.Frame(req.frame)
	frame.Pinned--
	if req.isWrite {
		frame.Dirty = false
	} else {
		frame.Resident = true
	}
	if req.err != nil {
		req.done(frame, req.err)
	} else {
		req.done(frame, nil)
	}
	e.replayLinked(req.hash, frame)
}

// replayLinked re-attempts every callback queued behind a hash once its
// frame's state has changed, retrying (re-submitting) any whose frame is
// still not in the state they need — matching spec §4.2's "drains the
// linked-callbacks list (retrying any whose frame is still not resident)".
func (e *Engine) replayLinked(hash uint64, frame *pagecache.Frame) {
	waiters := e.linked[hash]
	if len(waiters) == 0 {
		return
	}
	delete(e.linked, hash)
	for _, w := range waiters {
		if w.isWrite {
			e.WritePageAsync(w.file, w.page, frame.Data, w.done)
		} else if frame.Resident {
			w.done(frame, nil)
		} else {
			e.ReadPageAsync(w.file, w.page, w.done)
		}
	}
}
