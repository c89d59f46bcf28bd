//go:build !linux

package watch

import "errors"

func newPlatformNotifier(string) (notifier, error) {
	return nil, errors.New("no native file notifications on this platform")
}
