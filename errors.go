package buildbtw

import "fmt"

// The following types implement the error kinds from the error handling
// design: each HTTP-facing error carries enough structure for the
// transport layer to pick a status code without string-matching error
// messages. Callers use errors.As to recover a specific kind.

// NameTaken is returned when creating a namespace whose name already
// exists.
type NameTaken struct{ Name string }

func (e *NameTaken) Error() string { return fmt.Sprintf("namespace %q already exists", e.Name) }

// OriginUnknown is returned when an origin changeset references a
// pkgbase the Source Mirror has never seen.
type OriginUnknown struct{ Pkgbase string }

func (e *OriginUnknown) Error() string { return fmt.Sprintf("unknown pkgbase %q", e.Pkgbase) }

// BranchMissing is returned when an origin changeset references a
// branch that does not exist on the given pkgbase's repository.
type BranchMissing struct {
	Pkgbase string
	Branch  string
}

func (e *BranchMissing) Error() string {
	return fmt.Sprintf("pkgbase %q has no branch %q", e.Pkgbase, e.Branch)
}

// MalformedRequest is returned for HTTP requests that fail to decode or
// fail basic structural validation.
type MalformedRequest struct{ Reason string }

func (e *MalformedRequest) Error() string { return "malformed request: " + e.Reason }

// ForgeUnavailable wraps a transient failure talking to the forge API.
// Callers should retry at the next control-loop tick.
type ForgeUnavailable struct{ Cause error }

func (e *ForgeUnavailable) Error() string { return fmt.Sprintf("forge unavailable: %v", e.Cause) }
func (e *ForgeUnavailable) Unwrap() error { return e.Cause }

// GitFetchFailed wraps a transient failure updating a Source Mirror
// repository.
type GitFetchFailed struct {
	Pkgbase string
	Cause   error
}

func (e *GitFetchFailed) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Pkgbase, e.Cause)
}
func (e *GitFetchFailed) Unwrap() error { return e.Cause }

// ExecutorDispatchFailed wraps a transient failure dispatching a build
// to an executor (CI pipeline creation, worker assignment push).
type ExecutorDispatchFailed struct {
	Pkgbase string
	Cause   error
}

func (e *ExecutorDispatchFailed) Error() string {
	return fmt.Sprintf("dispatching %s: %v", e.Pkgbase, e.Cause)
}
func (e *ExecutorDispatchFailed) Unwrap() error { return e.Cause }

// MetadataInvalid reports that one package's metadata could not be read
// or parsed. The planner returns it, aborting planning, when an origin
// package's metadata is invalid. A non-origin package with invalid
// metadata has no dependency edges in the Global Dependency Graph, so it
// never becomes part of a build graph and is not marked Blocked.
type MetadataInvalid struct {
	Pkgbase string
	Cause   error
}

func (e *MetadataInvalid) Error() string {
	return fmt.Sprintf("invalid metadata for %s: %v", e.Pkgbase, e.Cause)
}
func (e *MetadataInvalid) Unwrap() error { return e.Cause }

// CycleUnbreakable is returned by the planner when the documented
// tie-break policy fails to produce an acyclic graph (should not happen
// in practice; every cycle has a largest-in-degree vertex).
type CycleUnbreakable struct{ Members []string }

func (e *CycleUnbreakable) Error() string {
	return fmt.Sprintf("cannot break cycle among %v", e.Members)
}

// IllegalTransition is returned when a reported build-node state
// transition would move a node backwards or away from a terminal state.
type IllegalTransition struct {
	Pkgbase  string
	From, To string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.Pkgbase, e.From, e.To)
}

// IterationSuperseded is returned to executors reporting status against
// an iteration that is no longer the namespace's current one.
type IterationSuperseded struct{ IterationID string }

func (e *IterationSuperseded) Error() string {
	return fmt.Sprintf("iteration %s has been superseded", e.IterationID)
}

// PersistenceCorrupted and ConfigInvalid are fatal: callers should abort
// the process at startup rather than attempt to continue serving.

type PersistenceCorrupted struct{ Cause error }

func (e *PersistenceCorrupted) Error() string {
	return fmt.Sprintf("persistence corrupted: %v", e.Cause)
}
func (e *PersistenceCorrupted) Unwrap() error { return e.Cause }

type ConfigInvalid struct{ Reason string }

func (e *ConfigInvalid) Error() string { return "invalid configuration: " + e.Reason }
