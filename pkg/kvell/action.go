package kvell

// action.go re-exports internal/worker's request vocabulary so external
// collaborators binding against the async Submit API (spec §6's callback
// style) never need to import an internal package directly.
//
// © 2025 kvell authors. MIT License.

import "github.com/kvellstore/kvell/internal/worker"

// Action identifies one of spec §6's request kinds.
type Action = worker.Action

// Action values, re-exported from internal/worker.
const (
	Add                    = worker.Add
	Update                 = worker.Update
	UpdateInPlace          = worker.UpdateInPlace
	AddOrUpdateInPlace     = worker.AddOrUpdateInPlace
	Delete                 = worker.Delete
	Read                   = worker.Read
	ReadForWrite           = worker.ReadForWrite
	ReadNext               = worker.ReadNext
	ReadNextBatch          = worker.ReadNextBatch
	Revert                 = worker.Revert
	StartTransactionCommit = worker.StartTransactionCommit
	EndTransactionCommit   = worker.EndTransactionCommit
	Map                    = worker.Map
)

// Result is what a Request's continuation receives.
type Result = worker.Result

// Continuation pairs a callback with an optional injector queue redirection:
// with no queue the callback runs on the worker goroutine; with one it runs
// on whichever goroutine drains that queue, which is where a continuation
// that issues further operations runs (spec §4.8).
type Continuation = worker.Continuation

// InjectorQueue lets a continuation safely issue further operations by
// running on whichever goroutine drains it.
type InjectorQueue = worker.InjectorQueue

// NewInjectorQueue constructs an injector queue with the given buffer depth.
func NewInjectorQueue(depth int) *InjectorQueue { return worker.NewInjectorQueue(depth) }

// Request is one submitted asynchronous operation.
type Request = worker.Request
