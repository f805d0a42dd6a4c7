package process

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newNonblockingPipe(t *testing.T) (readFD, writeFD int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock(read): %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock(write): %v", err)
	}
	return fds[0], fds[1]
}

func TestBufferedWriterOKWhenSpaceAvailable(t *testing.T) {
	readFD, writeFD := newNonblockingPipe(t)
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	w := NewBufferedWriter(writeFD)
	res, err := w.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res != ResultOK {
		t.Fatalf("result = %v, want ResultOK", res)
	}
	if w.Pending() {
		t.Fatal("expected no pending overflow")
	}

	buf := make([]byte, 16)
	n, err := unix.Read(readFD, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("read %q, want %q", buf[:n], "hello")
	}
}

func TestBufferedWriterBuffersWhenFull(t *testing.T) {
	readFD, writeFD := newNonblockingPipe(t)
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	w := NewBufferedWriter(writeFD)
	big := make([]byte, 8*1024*1024)
	for i := range big {
		big[i] = byte(i)
	}

	res, err := w.Write(big)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res != ResultBuffered {
		t.Fatalf("result = %v, want ResultBuffered", res)
	}
	if !w.Pending() {
		t.Fatal("expected pending overflow after filling the pipe")
	}
}

func TestBufferedWriterClosedPipeIsNotFatal(t *testing.T) {
	readFD, writeFD := newNonblockingPipe(t)
	unix.Close(readFD) // reader gone: next write raises EPIPE

	w := NewBufferedWriter(writeFD)
	res, err := w.Write([]byte("x"))
	if res != ResultClosed {
		t.Fatalf("result = %v, want ResultClosed", res)
	}
	if err == nil {
		t.Fatal("expected an EPIPE-wrapping error")
	}
	unix.Close(writeFD)
}
