package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestSendRecvFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, qrexec")
	if err := SendFrame(&buf, MsgTypeTestData, payload); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	gotType, gotPayload, err := RecvFrame(&buf, 0)
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if gotType != MsgTypeTestData {
		t.Errorf("type = %d, want %d", gotType, MsgTypeTestData)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestRecvFrameRejectsOverLongPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := SendFrame(&buf, MsgTypeTestData, make([]byte, 100)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if _, _, err := RecvFrame(&buf, 10); err == nil {
		t.Fatal("expected error for over-long payload, got nil")
	}
}

func TestRecvFrameZeroLength(t *testing.T) {
	var buf bytes.Buffer
	if err := SendFrame(&buf, MsgTypeTestData, nil); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	gotType, payload, err := RecvFrame(&buf, 0)
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if gotType != MsgTypeTestData || len(payload) != 0 {
		t.Errorf("got (%d, %v), want (%d, empty)", gotType, payload, MsgTypeTestData)
	}
}

func TestReadExactRejectsShortRead(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		c2.Write([]byte{1, 2, 3})
		c2.Close()
	}()

	buf := make([]byte, 8)
	if err := ReadExact(c1, buf); err == nil {
		t.Fatal("expected error for short read, got nil")
	}
}

// MsgTypeTestData is a private marker used only by these round-trip tests;
// it does not collide with the real message catalog in package config.
const MsgTypeTestData = 0xFE
