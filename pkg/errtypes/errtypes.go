// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errtypes contains the definitions for the error kinds that
// travel across the command and RPC boundaries. It would have been nice
// to call this package errors, err or error but errors clashes with
// github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

// NotFound is the error to use when an entity or permission is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// InvalidArgument is the error to use when the input is malformed.
type InvalidArgument string

func (e InvalidArgument) Error() string { return "error: invalid argument: " + string(e) }

// IsInvalidArgument implements the IsInvalidArgument interface.
func (e InvalidArgument) IsInvalidArgument() {}

// CyclicHierarchy is the error to use when linking two entities would
// close a cycle in the parent/child relation.
type CyclicHierarchy string

func (e CyclicHierarchy) Error() string { return "error: cyclic hierarchy: " + string(e) }

// IsCyclicHierarchy implements the IsCyclicHierarchy interface.
func (e CyclicHierarchy) IsCyclicHierarchy() {}

// CapacityExceeded is the error to use when a parent already holds the
// maximum number of children, or a port pool is exhausted.
type CapacityExceeded string

func (e CapacityExceeded) Error() string { return "error: capacity exceeded: " + string(e) }

// IsCapacityExceeded implements the IsCapacityExceeded interface.
func (e CapacityExceeded) IsCapacityExceeded() {}

// ConflictingPolarity is the error to use when a permission with the
// opposite polarity already exists for the same URI and verb.
type ConflictingPolarity string

func (e ConflictingPolarity) Error() string { return "error: conflicting polarity: " + string(e) }

// IsConflictingPolarity implements the IsConflictingPolarity interface.
func (e ConflictingPolarity) IsConflictingPolarity() {}

// EdgeMissing is the error to use when unlinking an edge that does not exist.
type EdgeMissing string

func (e EdgeMissing) Error() string { return "error: edge missing: " + string(e) }

// IsEdgeMissing implements the IsEdgeMissing interface.
func (e EdgeMissing) IsEdgeMissing() {}

// Cancelled is the error to use when the caller gave up before the
// command was picked up by the writer loop.
type Cancelled string

func (e Cancelled) Error() string { return "error: cancelled: " + string(e) }

// IsCancelled implements the IsCancelled interface.
func (e Cancelled) IsCancelled() {}

// DeadlineExceeded is the error to use when a deadline expired.
type DeadlineExceeded string

func (e DeadlineExceeded) Error() string { return "error: deadline exceeded: " + string(e) }

// IsDeadlineExceeded implements the IsDeadlineExceeded interface.
func (e DeadlineExceeded) IsDeadlineExceeded() {}

// StartupFailed is the error to use when a tenant backend did not come
// up healthy within the startup window.
type StartupFailed string

func (e StartupFailed) Error() string { return "error: startup failed: " + string(e) }

// IsStartupFailed implements the IsStartupFailed interface.
func (e StartupFailed) IsStartupFailed() {}

// Shutdown is the error to use when the backend is draining and the
// command will not be processed.
type Shutdown string

func (e Shutdown) Error() string { return "error: shutdown: " + string(e) }

// IsShutdown implements the IsShutdown interface.
func (e Shutdown) IsShutdown() {}

// TraceOverflow is the error to use when an evaluation considered more
// matches than the trace can hold.
type TraceOverflow string

func (e TraceOverflow) Error() string { return "error: trace overflow: " + string(e) }

// IsTraceOverflow implements the IsTraceOverflow interface.
func (e TraceOverflow) IsTraceOverflow() {}

// InternalError is the error to use when we really don't know what happened.
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that an entity or permission is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsInvalidArgument is the interface to implement
// to specify that the input is malformed.
type IsInvalidArgument interface {
	IsInvalidArgument()
}

// IsCyclicHierarchy is the interface to implement
// to specify that a link would close a cycle.
type IsCyclicHierarchy interface {
	IsCyclicHierarchy()
}

// IsCapacityExceeded is the interface to implement
// to specify that a bounded resource is full.
type IsCapacityExceeded interface {
	IsCapacityExceeded()
}

// IsConflictingPolarity is the interface to implement
// to specify that an opposite-polarity permission exists.
type IsConflictingPolarity interface {
	IsConflictingPolarity()
}

// IsEdgeMissing is the interface to implement
// to specify that an edge does not exist.
type IsEdgeMissing interface {
	IsEdgeMissing()
}

// IsCancelled is the interface to implement
// to specify that the caller cancelled.
type IsCancelled interface {
	IsCancelled()
}

// IsDeadlineExceeded is the interface to implement
// to specify that a deadline expired.
type IsDeadlineExceeded interface {
	IsDeadlineExceeded()
}

// IsStartupFailed is the interface to implement
// to specify that a backend failed to start.
type IsStartupFailed interface {
	IsStartupFailed()
}

// IsShutdown is the interface to implement
// to specify that the backend is draining.
type IsShutdown interface {
	IsShutdown()
}

// IsTraceOverflow is the interface to implement
// to specify that the evaluation trace overflowed.
type IsTraceOverflow interface {
	IsTraceOverflow()
}

// IsInternalError is the interface to implement
// to specify that something unexpected happened.
type IsInternalError interface {
	IsInternalError()
}

// Kind returns the wire name for err, or "Internal" when the error does
// not carry one of the tagged variants.
func Kind(err error) string {
	switch err.(type) {
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case CyclicHierarchy:
		return "CyclicHierarchy"
	case CapacityExceeded:
		return "CapacityExceeded"
	case ConflictingPolarity:
		return "ConflictingPolarity"
	case EdgeMissing:
		return "EdgeMissing"
	case Cancelled:
		return "Cancelled"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case StartupFailed:
		return "StartupFailed"
	case Shutdown:
		return "Shutdown"
	case TraceOverflow:
		return "TraceOverflow"
	default:
		return "Internal"
	}
}

// FromKind rebuilds the tagged variant for a wire error kind. Unknown
// kinds map to InternalError so a mismatched peer never hides failures.
func FromKind(kind, msg string) error {
	switch kind {
	case "NotFound":
		return NotFound(msg)
	case "InvalidArgument":
		return InvalidArgument(msg)
	case "CyclicHierarchy":
		return CyclicHierarchy(msg)
	case "CapacityExceeded":
		return CapacityExceeded(msg)
	case "ConflictingPolarity":
		return ConflictingPolarity(msg)
	case "EdgeMissing":
		return EdgeMissing(msg)
	case "Cancelled":
		return Cancelled(msg)
	case "DeadlineExceeded":
		return DeadlineExceeded(msg)
	case "StartupFailed":
		return StartupFailed(msg)
	case "Shutdown":
		return Shutdown(msg)
	case "TraceOverflow":
		return TraceOverflow(msg)
	default:
		return InternalError(msg)
	}
}
