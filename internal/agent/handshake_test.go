package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/QubesOS/qrexec-client-go/internal/channel"
)

func dialPair(t *testing.T) (a, b *channel.SocketChannel) {
	t.Helper()
	ln, port, err := channel.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan *channel.SocketChannel, 1)
	go func() {
		c, _ := ln.Accept(2 * time.Second)
		serverCh <- c
	}()

	client, err := channel.Dial(addrForTest(port), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

func TestHandshakeInitiatorVsResponder(t *testing.T) {
	initiatorSide, responderSide := dialPair(t)
	defer initiatorSide.Close()
	defer responderSide.Close()

	results := make(chan Result, 2)
	errs := make(chan error, 2)

	go func() {
		r, err := Handshake(initiatorSide, false, 3, 2)
		if err != nil {
			errs <- err
			return
		}
		results <- r
	}()
	go func() {
		r, err := Handshake(responderSide, true, 3, 2)
		if err != nil {
			errs <- err
			return
		}
		results <- r
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			t.Fatalf("Handshake failed: %v", err)
		case r := <-results:
			if r.Version != 3 {
				t.Errorf("negotiated version = %d, want 3", r.Version)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handshake")
		}
	}
}

func TestHandshakeVersionBelowMinimumFails(t *testing.T) {
	initiatorSide, responderSide := dialPair(t)
	defer initiatorSide.Close()
	defer responderSide.Close()

	errs := make(chan error, 2)
	go func() {
		_, err := Handshake(initiatorSide, false, 1, 2)
		errs <- err
	}()
	go func() {
		_, err := Handshake(responderSide, true, 3, 2)
		errs <- err
	}()

	sawError := false
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				sawError = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	if !sawError {
		t.Fatal("expected at least one side to reject the below-minimum version")
	}
}

func addrForTest(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
