// Package threadid exposes the identity of the calling goroutine.
//
// Instances are bound to the goroutine that created them: the underlying
// storage handle is not safe for concurrent use, and this layer provides
// no cross-goroutine synchronization. Goroutine identity is the Go
// analogue of a thread ID for that purpose; goroutines migrate between
// OS threads, so OS-thread identity would be meaningless here.
package threadid

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID identifies a goroutine. IDs are unique for the lifetime of the
// goroutine and are never reused while it is running.
type ID uint64

// Current returns the ID of the calling goroutine.
//
// The runtime does not expose goroutine IDs directly; the first line of
// a stack trace ("goroutine N [running]:") is the stable way to read
// one. The header is always present and well-formed, so parse failures
// panic rather than return a bogus identity.
func Current() ID {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := buf[:n]

	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}

	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		panic("threadid: malformed goroutine stack header: " + string(buf[:n]))
	}
	return ID(id)
}
