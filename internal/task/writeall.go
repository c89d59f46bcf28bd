package task

import "code.hybscloud.com/iox"

// Writer is a non-blocking stream that can report whether bytes it accepted
// are still queued for the peer.
type Writer interface {
	Write(p []byte) (int, error)
	PendingWrites() bool
}

// WriteAll writes a whole buffer to a non-blocking stream across as many
// steps as it takes.
type WriteAll struct {
	dst      Writer
	buf      []byte
	off      int
	draining bool
}

// NewWriteAll returns a write-all computation for buf.
func NewWriteAll(dst Writer, buf []byte) *WriteAll {
	return &WriteAll{dst: dst, buf: buf}
}

// Step writes the unsent suffix. After a short write it keeps suspending while
// the stream still has queued output, so the loop follows the kernel's pace
// instead of spinning ahead of it.
func (w *WriteAll) Step() error {
	if w.draining {
		if w.dst.PendingWrites() {
			return iox.ErrWouldBlock
		}
		w.draining = false
	}
	for w.off < len(w.buf) {
		n, err := w.dst.Write(w.buf[w.off:])
		if n > 0 {
			w.off += n
		}
		if err != nil {
			if Transient(err) {
				return iox.ErrWouldBlock
			}
			return err
		}
		if w.off < len(w.buf) {
			w.draining = true
			return iox.ErrWouldBlock
		}
	}
	return nil
}

// Written returns the number of bytes accepted by the stream so far.
func (w *WriteAll) Written() int { return w.off }

// Remaining returns the number of bytes not yet accepted.
func (w *WriteAll) Remaining() int { return len(w.buf) - w.off }
