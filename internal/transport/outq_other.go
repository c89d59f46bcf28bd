//go:build !linux

package transport

import "time"

// drainApprox stands in for the send-queue probe on platforms without
// TIOCOUTQ: after the kernel refused part of a write, the queue is assumed
// busy for this long.
const drainApprox = 2 * time.Millisecond

func (s *Socket) kernelPending() bool {
	return !s.lastFull.IsZero() && time.Since(s.lastFull) < drainApprox
}
