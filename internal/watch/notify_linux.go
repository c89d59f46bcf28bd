//go:build linux

package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	inotifyMask = unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE
	// pollTimeoutMs bounds how long Wait goes without checking ctx.
	pollTimeoutMs = 250
)

// inotifyNotifier watches the file's directory so that editors replacing
// the file by rename are still seen.
type inotifyNotifier struct {
	fd   int
	name string
	buf  []byte
}

func newPlatformNotifier(path string) (notifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	dir := filepath.Dir(path)
	if _, err := unix.InotifyAddWatch(fd, dir, inotifyMask); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("inotify watch %s: %w", dir, err)
	}
	return &inotifyNotifier{
		fd:   fd,
		name: filepath.Base(path),
		buf:  make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1)),
	}, nil
}

func (n *inotifyNotifier) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("inotify poll: %w", err)
		}
		if ready == 0 {
			continue
		}
		hit, err := n.drain()
		if err != nil {
			return err
		}
		if hit {
			return nil
		}
	}
}

// drain reads every queued event and reports whether one named the file.
func (n *inotifyNotifier) drain() (bool, error) {
	hit := false
	for {
		read, err := unix.Read(n.fd, n.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return hit, nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return hit, fmt.Errorf("inotify read: %w", err)
		}
		if read <= 0 {
			return hit, nil
		}
		for off := 0; off+unix.SizeofInotifyEvent <= read; {
			ev := (*unix.InotifyEvent)(unsafe.Pointer(&n.buf[off]))
			nameStart := off + unix.SizeofInotifyEvent
			nameEnd := nameStart + int(ev.Len)
			if nameEnd > read {
				break
			}
			name := strings.TrimRight(string(n.buf[nameStart:nameEnd]), "\x00")
			if name == n.name && ev.Mask&inotifyMask != 0 {
				hit = true
			}
			off = nameEnd
		}
	}
}

func (n *inotifyNotifier) Close() error {
	return unix.Close(n.fd)
}
