package task

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"code.hybscloud.com/iox"
)

func TestTaskRunsUntilFinished(t *testing.T) {
	t.Parallel()

	calls := 0
	tk := New(func() error {
		calls++
		if calls < 3 {
			return iox.ErrWouldBlock
		}
		return nil
	})

	if !tk.Resume() || !tk.Resume() {
		t.Fatal("expected task to stay live for two suspensions")
	}
	if tk.Resume() {
		t.Fatal("expected task to finish on third resume")
	}
	if tk.Live() || tk.Err() != nil {
		t.Fatalf("expected finished task without error, live=%v err=%v", tk.Live(), tk.Err())
	}
	if tk.Resume() {
		t.Fatal("resuming a finished task must report not live")
	}
	if calls != 3 {
		t.Fatalf("step must not run after completion, calls=%d", calls)
	}
}

func TestTaskFinishesWithError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var finished []error
	tk := New(func() error { return boom }).OnFinish(func(err error) {
		finished = append(finished, err)
	})

	if tk.Resume() {
		t.Fatal("expected task to finish immediately")
	}
	if !errors.Is(tk.Err(), boom) {
		t.Fatalf("expected boom, got %v", tk.Err())
	}
	tk.Resume()
	if len(finished) != 1 || !errors.Is(finished[0], boom) {
		t.Fatalf("expected a single finish callback with boom, got %v", finished)
	}
}

func TestTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: iox.ErrWouldBlock, want: true},
		{err: fmt.Errorf("read: %w", syscall.EAGAIN), want: true},
		{err: syscall.EINTR, want: true},
		{err: syscall.ECONNRESET, want: false},
		{err: errors.New("other"), want: false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
