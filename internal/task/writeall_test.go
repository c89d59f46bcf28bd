package task

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"code.hybscloud.com/iox"
)

// scriptedWriter accepts at most limit bytes per call and replays a queue of
// errors before accepting anything.
type scriptedWriter struct {
	out       bytes.Buffer
	limit     int
	errs      []error
	pending   int
	pendingOK int
}

func (w *scriptedWriter) Write(p []byte) (int, error) {
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return 0, err
	}
	n := len(p)
	if w.limit > 0 && n > w.limit {
		n = w.limit
	}
	w.out.Write(p[:n])
	return n, nil
}

func (w *scriptedWriter) PendingWrites() bool {
	if w.pending > 0 {
		w.pending--
		w.pendingOK++
		return true
	}
	return false
}

func drive(t *testing.T, w *WriteAll, maxSteps int) (int, error) {
	t.Helper()
	for i := 1; i <= maxSteps; i++ {
		err := w.Step()
		if iox.IsWouldBlock(err) {
			continue
		}
		return i, err
	}
	t.Fatalf("write did not finish within %d steps", maxSteps)
	return 0, nil
}

func TestWriteAllSingleStep(t *testing.T) {
	t.Parallel()

	dst := &scriptedWriter{}
	steps, err := drive(t, NewWriteAll(dst, []byte("hello")), 10)
	if err != nil {
		t.Fatal(err)
	}
	if steps != 1 || dst.out.String() != "hello" {
		t.Fatalf("expected one step writing hello, got steps=%d out=%q", steps, dst.out.String())
	}
}

func TestWriteAllShortWritesYieldWhilePending(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("x"), 10)
	dst := &scriptedWriter{limit: 4, pending: 2}
	w := NewWriteAll(dst, payload)

	if err := w.Step(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected suspension after short write, got %v", err)
	}
	if w.Written() != 4 || w.Remaining() != 6 {
		t.Fatalf("unexpected progress written=%d remaining=%d", w.Written(), w.Remaining())
	}
	// Two passes where the stream still reports queued output.
	for i := 0; i < 2; i++ {
		if err := w.Step(); !iox.IsWouldBlock(err) {
			t.Fatalf("expected suspension while draining, got %v", err)
		}
		if w.Written() != 4 {
			t.Fatalf("must not write while output is pending, written=%d", w.Written())
		}
	}
	if _, err := drive(t, w, 10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.out.Bytes(), payload) {
		t.Fatalf("payload mismatch: %q", dst.out.Bytes())
	}
	if dst.pendingOK != 2 {
		t.Fatalf("expected pending probe to be consulted twice, got %d", dst.pendingOK)
	}
}

func TestWriteAllRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	dst := &scriptedWriter{errs: []error{iox.ErrWouldBlock, syscall.EINTR, syscall.EAGAIN}}
	steps, err := drive(t, NewWriteAll(dst, []byte("abc")), 10)
	if err != nil {
		t.Fatal(err)
	}
	if steps != 4 || dst.out.String() != "abc" {
		t.Fatalf("expected 4 steps and full payload, got steps=%d out=%q", steps, dst.out.String())
	}
}

func TestWriteAllStopsOnHardError(t *testing.T) {
	t.Parallel()

	dst := &scriptedWriter{errs: []error{syscall.EPIPE}}
	_, err := drive(t, NewWriteAll(dst, []byte("abc")), 10)
	if !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("expected EPIPE, got %v", err)
	}
}

func TestWriteAllEmptyBuffer(t *testing.T) {
	t.Parallel()

	if err := NewWriteAll(&scriptedWriter{}, nil).Step(); err != nil {
		t.Fatalf("expected immediate success, got %v", err)
	}
}
