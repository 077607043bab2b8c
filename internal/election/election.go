// Package election defines the contract the master process consumes for
// primary-master designation. Leader election among masters is explicitly
// out of scope for the core (spec §1 "the leader election among masters");
// this package only specifies the PrimaryElection interface and ships one
// concrete, Raft-backed implementation so the rest of the control plane has
// something real to run against.
package election

// PrimaryElection answers "who is the primary master right now" and lets
// the local node try to become it. The core never reaches into Raft (or
// whatever backs this) directly -- it only ever sees this interface.
type PrimaryElection interface {
	// IsPrimary reports whether the local node currently holds primary
	// status.
	IsPrimary() bool

	// PrimaryAddress returns the known primary's host:port, or ("", false)
	// if no primary is currently known.
	PrimaryAddress() (string, bool)

	// Campaign starts or rejoins the election process. It does not block
	// until a primary is decided; callers poll IsPrimary/PrimaryAddress or
	// subscribe via Notify.
	Campaign() error

	// Notify returns a channel that receives the new primary address (or
	// "" if primary-ness was lost) every time the designation changes.
	Notify() <-chan string

	// Resign steps down if currently primary, so another campaigning node
	// can be elected; a no-op if not currently primary.
	Resign() error

	// Shutdown releases the election backend's resources.
	Shutdown() error
}
