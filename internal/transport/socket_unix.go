//go:build unix

package transport

import "golang.org/x/sys/unix"

// rawRead performs a single read(2) on the descriptor. The callback always
// reports completion so the runtime poller never parks the caller.
func (s *Socket) rawRead(p []byte) (int, error) {
	var n int
	var opErr error
	if err := s.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	}); err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, opErr
}

func (s *Socket) rawWrite(p []byte) (int, error) {
	var n int
	var opErr error
	if err := s.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	}); err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, opErr
}
