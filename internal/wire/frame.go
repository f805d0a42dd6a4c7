// Package wire implements the fixed-size {type, length} framed codec shared
// by the broker connection and the data channel (spec §4.1). Framing here
// follows the length-prefixed message idiom used throughout the retrieved
// corpus (jy-tan-manta's internal/agentrpc.WriteMessage/ReadMessage and the
// vsock wire.SendMessage/ReadFull helpers), adapted to the qrexec wire
// layout: a fixed 8-byte header (two uint32 fields) rather than a single
// length prefix, and a type field big enough to carry the qrexec message
// catalog instead of a single byte.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is sizeof(struct msg_header) on the wire: two uint32 fields.
const HeaderSize = 8

// byteOrder fixes "native/host order" to little-endian for this
// implementation; see SPEC_FULL.md §6.4 and DESIGN.md Open Question (i).
var byteOrder = binary.LittleEndian

// Header is the fixed-size frame header transmitted before every payload.
type Header struct {
	Type   uint32
	Length uint32
}

// Encode writes h into a HeaderSize-byte buffer in wire order.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	byteOrder.PutUint32(buf[0:4], h.Type)
	byteOrder.PutUint32(buf[4:8], h.Length)
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header buffer: %d bytes", len(buf))
	}
	return Header{
		Type:   byteOrder.Uint32(buf[0:4]),
		Length: byteOrder.Uint32(buf[4:8]),
	}, nil
}

// ReadExact reads exactly len(buf) bytes from r. A short read before EOF, or
// any read error, is reported as an error — partial reads are never silently
// tolerated (spec §4.1: "partial reads are errors, not short reads").
func ReadExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("wire: short read: connection closed mid-frame")
		}
		return err
	}
	return nil
}

// SendFrame writes a complete frame (header + payload) to w.
func SendFrame(w io.Writer, msgType uint32, payload []byte) error {
	hdr := Header{Type: msgType, Length: uint32(len(payload))}
	if _, err := w.Write(hdr.Encode()); err != nil {
		return fmt.Errorf("wire: writing header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: writing payload: %w", err)
		}
	}
	return nil
}

// RecvFrame reads one complete frame (header + payload) from r. maxPayload
// bounds the accepted payload length (spec §4.6.2: "reject if payload length
// exceeds max_chunk(version)"); pass 0 for no limit (used for the agent's
// fixed-size HELLO frames).
func RecvFrame(r io.Reader, maxPayload int) (msgType uint32, payload []byte, err error) {
	hdrBuf := make([]byte, HeaderSize)
	if err = ReadExact(r, hdrBuf); err != nil {
		return 0, nil, err
	}
	hdr, err := DecodeHeader(hdrBuf)
	if err != nil {
		return 0, nil, err
	}
	if maxPayload > 0 && int(hdr.Length) > maxPayload {
		return 0, nil, fmt.Errorf("wire: frame payload %d exceeds limit %d", hdr.Length, maxPayload)
	}
	payload = make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if err = ReadExact(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr.Type, payload, nil
}

// PutUint32 / Uint32 expose the fixed wire byte order for encoding the
// exec_params / peer_info / u32 sub-structures described in spec §6.4.
func PutUint32(b []byte, v uint32) { byteOrder.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return byteOrder.Uint32(b) }
