// Package netcoreerr defines the error taxonomy shared by every layer of
// the networking core, named by meaning rather than by any specific
// wire or errno constant.
package netcoreerr

import "errors"

var (
	// ErrNoResources covers exhaustion of any fixed-size pool: message
	// buffers, reassembly slots, routing entries, raw socket slots.
	ErrNoResources = errors.New("out of resources")

	// ErrTryAgain signals backpressure: a full TX descriptor window, a
	// work handler waiting on ARP resolution, an empty RX queue.
	ErrTryAgain = errors.New("try again")

	// ErrInvalidArgument covers malformed caller input: bad address
	// length, wrong family, a socket bound twice, a forbidden wildcard.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnreachable covers routing failure (no route found).
	ErrUnreachable = errors.New("unreachable")

	// ErrMessageTooBig covers the DF-set-but-must-fragment case. It sits
	// in the same taxonomy bucket as ErrUnreachable but is a separate
	// sentinel (errors.Is(ErrMessageTooBig, ErrUnreachable) is false),
	// because callers branch on it independently of "no route".
	ErrMessageTooBig = errors.New("message too big")

	// ErrNotConnected and ErrAlreadyConnected cover conflicting use of
	// send/sendto against a connected or unconnected socket.
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")

	// ErrAddressInUse covers bind conflicts and ephemeral port
	// exhaustion.
	ErrAddressInUse = errors.New("address in use")

	// ErrIO covers driver rejection with no recoverable remedy and
	// unrecognized ethertypes.
	ErrIO = errors.New("i/o failure")

	// ErrInvariant marks a violated internal invariant (assertion
	// failure): hole-size assumptions, reassembly-offset bounds, and
	// similar programmer errors that should never occur at runtime.
	ErrInvariant = errors.New("invariant violated")
)
