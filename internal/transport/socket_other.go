//go:build !unix

package transport

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// pollWindow is how long a deadline-based read or write may wait where raw
// descriptor access is unavailable.
const pollWindow = time.Millisecond

func (s *Socket) rawRead(p []byte) (int, error) {
	_ = s.Conn.SetReadDeadline(time.Now().Add(pollWindow))
	n, err := s.Conn.Read(p)
	_ = s.Conn.SetReadDeadline(time.Time{})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, syscall.EAGAIN
	}
	return n, err
}

func (s *Socket) rawWrite(p []byte) (int, error) {
	_ = s.Conn.SetWriteDeadline(time.Now().Add(pollWindow))
	n, err := s.Conn.Write(p)
	_ = s.Conn.SetWriteDeadline(time.Time{})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, syscall.EAGAIN
	}
	return n, err
}
