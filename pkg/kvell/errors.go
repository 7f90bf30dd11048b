package kvell

// errors.go collects the typed errors this package returns, including a
// re-export of internal/worker's FatalError so callers outside the module
// boundary can errors.As against it without importing an internal package.
//
// © 2025 kvell authors. MIT License.

import (
	"errors"

	"github.com/kvellstore/kvell/internal/txn"
	"github.com/kvellstore/kvell/internal/worker"
)

// ErrNotFound names the case of a key with no visible version under the
// caller's snapshot. Get and Txn.Get do not return it: they report that case
// through their bool result.
var ErrNotFound = errors.New("kvell: key not found")

// ErrClosed is returned by any Engine method called after Close.
var ErrClosed = errors.New("kvell: engine closed")

// ErrTransactionFailed is returned when an operation is attempted against a
// transaction that has already failed a prior operation (spec §4.6: a
// transaction that fails any operation is marked failed and can only abort).
var ErrTransactionFailed = txn.ErrFailed

// FatalError is the public alias of internal/worker.FatalError: the Fatal
// conditions the worker raises through it (corruption, an exhausted GC ring,
// a short I/O) are logged once on the owning worker's own goroutine and then
// re-panicked as this type, crashing the process rather than serving against
// state the engine can no longer trust. See pkg/kvell's package doc comment
// and internal/worker.Worker.Run.
type FatalError = worker.FatalError
