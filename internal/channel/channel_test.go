package channel

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestListenDialSendRecv(t *testing.T) {
	ln, port, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan *SocketChannel, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept(time.Second)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- c
	}()

	client, err := Dial(addrFor(port), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *SocketChannel
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	if err := client.Send(42, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Wait for readability on the raw, pollable Fd the same way
	// internal/session does, rather than a higher-level readiness channel.
	pollfds := []unix.PollFd{{Fd: int32(server.Fd()), Events: unix.POLLIN}}
	n, perr := unix.Poll(pollfds, 2000)
	if perr != nil {
		t.Fatalf("poll: %v", perr)
	}
	if n == 0 {
		t.Fatal("timed out waiting for readability")
	}

	if !server.Pending() {
		t.Fatal("expected a pending frame")
	}
	msgType, payload, err := server.Recv(0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msgType != 42 || string(payload) != "hi" {
		t.Errorf("got (%d, %q), want (42, \"hi\")", msgType, payload)
	}
}

func TestListenAcceptTimeout(t *testing.T) {
	ln, _, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	_, err = ln.Accept(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func addrFor(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
