package transport

import "golang.org/x/sys/unix"

// kernelPending asks the kernel how many bytes sit in the send queue.
func (s *Socket) kernelPending() bool {
	var queued int
	var opErr error
	if err := s.raw.Control(func(fd uintptr) {
		queued, opErr = unix.IoctlGetInt(int(fd), unix.TIOCOUTQ)
	}); err != nil || opErr != nil {
		return false
	}
	return queued > 0
}
