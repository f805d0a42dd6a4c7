package sanitize

import (
	"bytes"
	"testing"
)

func TestBytesPointwise(t *testing.T) {
	input := []byte{'a', 0x00, '\t', '\n', '\r', 0x08, 0x07, 0x7F, 0x20, 0x7E, 0x1F}
	want := []byte{'a', '_', '\t', '\n', '\r', 0x08, 0x07, '_', 0x20, 0x7E, '_'}

	got := Bytes(append([]byte(nil), input...))
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes(%v) = %v, want %v", input, got, want)
	}
}

func TestBytesEmpty(t *testing.T) {
	if got := Bytes(nil); len(got) != 0 {
		t.Errorf("Bytes(nil) = %v, want empty", got)
	}
}
